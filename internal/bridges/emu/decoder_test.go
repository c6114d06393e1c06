package emu

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustFrame(t *testing.T, raw string) *Frame {
	t.Helper()
	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame(%q) error = %v", raw, err)
	}
	return frame
}

func assertField(t *testing.T, f *Fields, name string, want any) {
	t.Helper()
	got, ok := f.Get(name)
	if !ok {
		t.Errorf("field %s missing", name)
		return
	}
	if got != want {
		t.Errorf("field %s = %#v, want %#v", name, got, want)
	}
}

const demandFrame = `<InstantaneousDemand>` +
	`<DeviceMacId>0xd8d5b9000000a1b2</DeviceMacId>` +
	`<MeterMacId>0x00135003000c1d2e</MeterMacId>` +
	`<TimeStamp>0x2c0d3e4f</TimeStamp>` +
	`<Demand>0x0004d2</Demand>` +
	`<Multiplier>0x00000001</Multiplier>` +
	`<Divisor>0x000003e8</Divisor>` +
	`<DigitsRight>0x03</DigitsRight>` +
	`<DigitsLeft>0x0f</DigitsLeft>` +
	`<SuppressLeadingZero>Y</SuppressLeadingZero>` +
	`</InstantaneousDemand>`

func TestDecode_InstantaneousDemandWithoutOffset(t *testing.T) {
	resp, err := Decode(mustFrame(t, demandFrame), DecodeContext{Now: time.Now()})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if resp.Kind != KindInstantaneousDemand || resp.Key != "instantaneous_demand" {
		t.Errorf("Kind/Key = %s/%s", resp.Kind, resp.Key)
	}
	assertField(t, resp.Fields, "demand", 1.234)
	assertField(t, resp.Fields, "multiplier", int64(1))
	assertField(t, resp.Fields, "divisor", int64(1000))
	assertField(t, resp.Fields, "digits_right", int64(3))
	assertField(t, resp.Fields, "digits_left", int64(15))
	assertField(t, resp.Fields, "suppress_leading_zero", "Y")
	// Without a clock offset the timestamp is left as the device sent it.
	assertField(t, resp.Fields, "time_stamp", "0x2c0d3e4f")
	if _, ok := resp.Fields.Get("local_time_offset"); ok {
		t.Error("local_time_offset should be absent without a clock offset")
	}
}

func TestDecode_InstantaneousDemandWithOffset(t *testing.T) {
	dc := DecodeContext{Now: time.Now(), ClockOffset: 100, HasClockOffset: true}
	resp, err := Decode(mustFrame(t, demandFrame), dc)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	assertField(t, resp.Fields, "time_stamp", int64(739065523))
	assertField(t, resp.Fields, "reported_time_stamp", int64(739065423))
	assertField(t, resp.Fields, "local_time_offset", int64(100))
	assertField(t, resp.Fields, "demand", 1.234)
}

func TestDecode_PeriodStartAligned(t *testing.T) {
	raw := `<CurrentPeriodUsage>` +
		`<TimeStamp>0x2c0d3e4f</TimeStamp>` +
		`<CurrentUsage>0x0000000000012345</CurrentUsage>` +
		`<Multiplier>0x1</Multiplier>` +
		`<Divisor>0x3e8</Divisor>` +
		`<DigitsRight>0x02</DigitsRight>` +
		`<StartDate>0x2c0d3e4f</StartDate>` +
		`</CurrentPeriodUsage>`

	dc := DecodeContext{Now: time.Now(), ClockOffset: 7, HasClockOffset: true}
	resp, err := Decode(mustFrame(t, raw), dc)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	assertField(t, resp.Fields, "time_stamp", int64(739065430))
	assertField(t, resp.Fields, "start_date", int64(739065300))
	assertField(t, resp.Fields, "reported_start_date", int64(739065423))
	assertField(t, resp.Fields, "current_usage", 74.57)
	if _, ok := resp.Fields.Get("end_date"); ok {
		t.Error("end_date should not be invented")
	}
}

func TestDecode_Summation(t *testing.T) {
	raw := `<CurrentSummationDelivered>` +
		`<SummationDelivered>0x0000000001c5d3b2</SummationDelivered>` +
		`<SummationReceived>0x0000000000000000</SummationReceived>` +
		`<Multiplier>0x00000001</Multiplier>` +
		`<Divisor>0x000003e8</Divisor>` +
		`<DigitsRight>0x01</DigitsRight>` +
		`</CurrentSummationDelivered>`

	resp, err := Decode(mustFrame(t, raw), DecodeContext{Now: time.Now()})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assertField(t, resp.Fields, "summation_delivered", 29742.0)
	assertField(t, resp.Fields, "summation_received", 0.0)
	if resp.Key != "current_summation_delivered" {
		t.Errorf("Key = %q", resp.Key)
	}
}

func TestDecode_PriceCluster(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		wantPrice any
	}{
		{"priced", "0x0000013b", 31.5},
		{"unset", "0xFFFFFFFF", nil},
		{"unset lower case", "0xffffffff", nil},
		{"zero", "0x00000000", int64(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `<PriceCluster>` +
				`<Price>` + tt.price + `</Price>` +
				`<Currency>0x0348</Currency>` +
				`<TrailingDigits>0x03</TrailingDigits>` +
				`<Tier>0x01</Tier>` +
				`</PriceCluster>`

			resp, err := Decode(mustFrame(t, raw), DecodeContext{Now: time.Now()})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			assertField(t, resp.Fields, "price", tt.wantPrice)
			assertField(t, resp.Fields, "reported_price", tt.price)
			assertField(t, resp.Fields, "currency", int64(840))
			assertField(t, resp.Fields, "trailing_digits", int64(3))
			assertField(t, resp.Fields, "tier", int64(1))
		})
	}
}

func TestDecode_TimeCluster(t *testing.T) {
	now := time.Unix(1_000_000_000, 0).In(time.FixedZone("test", 3600))
	raw := `<TimeCluster><UTCTime>0x3b9aa2f0</UTCTime><LocalTime>0x3b9aa2f0</LocalTime></TimeCluster>`

	resp, err := Decode(mustFrame(t, raw), DecodeContext{Now: now})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assertField(t, resp.Fields, "utctime", int64(999990000))
	assertField(t, resp.Fields, "local_time", int64(999990000))
	assertField(t, resp.Fields, "local_time_offset", int64(13600))
}

func TestDecode_ConnectionStatus(t *testing.T) {
	raw := `<ConnectionStatus><Status>Connected</Status><LinkStrength>0x64</LinkStrength></ConnectionStatus>`

	resp, err := Decode(mustFrame(t, raw), DecodeContext{Now: time.Now()})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assertField(t, resp.Fields, "status", "Connected")
	assertField(t, resp.Fields, "link_strength", int64(100))
}

func TestDecode_DeviceInfoVerbatim(t *testing.T) {
	raw := `<DeviceInfo>` +
		`<DeviceMacId>0xd8d5b9000000a1b2</DeviceMacId>` +
		`<FWVersion>2.0.0 (7400)</FWVersion>` +
		`<HWVersion>2.7.3</HWVersion>` +
		`<Manufacturer>Rainforest Automation, Inc.</Manufacturer>` +
		`<ModelId>Z105-2-EMU2-LEDD_JM</ModelId>` +
		`</DeviceInfo>`

	resp, err := Decode(mustFrame(t, raw), DecodeContext{Now: time.Now()})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	got, err := json.Marshal(resp.Fields)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"device_mac_id":"0xd8d5b9000000a1b2","fwversion":"2.0.0 (7400)","hwversion":"2.7.3",` +
		`"manufacturer":"Rainforest Automation, Inc.","model_id":"Z105-2-EMU2-LEDD_JM"}`
	if string(got) != want {
		t.Errorf("Marshal() = %s\nwant %s", got, want)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr error
	}{
		{"nil frame", nil, ErrFrameParse},
		{"unknown kind", &Frame{Tag: "MessageCluster", Fields: &Fields{}}, ErrUnknownResponseKind},
		{"bad hex", &Frame{Tag: KindConnectionStatus, Fields: NewFields(Field{Name: "LinkStrength", Value: "strong"})}, ErrInvalidField},
		{"bad reading", &Frame{Tag: KindInstantaneousDemand, Fields: NewFields(Field{Name: "Demand", Value: "0xZZ"})}, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame, DecodeContext{Now: time.Now()})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClockOffset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).In(time.FixedZone("PST", -8*3600))
	// Device local time is 30s behind local wall time.
	deviceLocal := int64(1_700_000_000 - 8*3600 - 30)

	if got := ClockOffset(now, deviceLocal); got != 30 {
		t.Errorf("ClockOffset() = %d, want 30", got)
	}
}
