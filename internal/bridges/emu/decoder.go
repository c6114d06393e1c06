package emu

import (
	"fmt"
	"strings"
	"time"
)

// Response kinds, named by the device's root tag.
const (
	KindDeviceInfo                = "DeviceInfo"
	KindConnectionStatus          = "ConnectionStatus"
	KindCurrentSummationDelivered = "CurrentSummationDelivered"
	KindCurrentPeriodUsage        = "CurrentPeriodUsage"
	KindLastPeriodUsage           = "LastPeriodUsage"
	KindInstantaneousDemand       = "InstantaneousDemand"
	KindPriceCluster              = "PriceCluster"
	KindTimeCluster               = "TimeCluster"
)

// Response is a decoded device message.
//
// Kind is the device's root tag, Key is its canonical form and doubles as
// the bus topic suffix. Fields holds the canonical field names and their
// normalised values. A Response is immutable once returned by Decode.
type Response struct {
	Kind   string
	Key    string
	Fields *Fields
}

// DecodeContext carries the session facts a decode may read.
type DecodeContext struct {
	// Now is the wall clock used for clock offset computation.
	Now time.Time

	// ClockOffset is the latest device clock correction, in seconds.
	// Only meaningful when HasClockOffset is set.
	ClockOffset    int64
	HasClockOffset bool
}

// rule normalises the canonicalised fields of one response kind in place.
type rule func(f *Fields, dc DecodeContext) error

// rules is the closed set of response kinds the bridge understands.
var rules = map[string]rule{
	KindDeviceInfo:                decodeVerbatim,
	KindConnectionStatus:          decodeConnectionStatus,
	KindCurrentSummationDelivered: demandRule("summation_delivered", "summation_received"),
	KindCurrentPeriodUsage:        demandRule("current_usage"),
	KindLastPeriodUsage:           demandRule("last_usage"),
	KindInstantaneousDemand:       demandRule("demand"),
	KindPriceCluster:              decodePriceCluster,
	KindTimeCluster:               decodeTimeCluster,
}

// Decode turns a parsed frame into a Response.
//
// Field names are canonicalised before the kind's rule runs. Missing
// numeric fields decode as zero; malformed ones fail the whole frame.
//
// Returns ErrUnknownResponseKind when the frame's tag has no rule.
func Decode(frame *Frame, dc DecodeContext) (*Response, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrFrameParse)
	}
	apply, ok := rules[frame.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseKind, frame.Tag)
	}

	pairs := frame.Fields.All()
	for i := range pairs {
		pairs[i].Name = SnakeCase(pairs[i].Name)
	}
	fields := NewFields(pairs...)

	if err := apply(fields, dc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", frame.Tag, err)
	}

	return &Response{
		Kind:   frame.Tag,
		Key:    SnakeCase(frame.Tag),
		Fields: fields,
	}, nil
}

func decodeVerbatim(*Fields, DecodeContext) error {
	return nil
}

func decodeConnectionStatus(f *Fields, _ DecodeContext) error {
	return hexToInt(f, "link_strength")
}

// demandRule builds the rule shared by the metered quantities: scaling
// parameters become integers, timestamps are corrected by the device clock
// offset, and each named value is scaled.
func demandRule(values ...string) rule {
	return func(f *Fields, dc DecodeContext) error {
		for _, name := range []string{"multiplier", "divisor", "digits_right", "digits_left"} {
			if err := hexToInt(f, name); err != nil {
				return err
			}
		}

		if dc.HasClockOffset {
			if err := applyClockOffset(f, dc.ClockOffset); err != nil {
				return err
			}
		}

		multiplier, _ := f.Int("multiplier")
		divisor, _ := f.Int("divisor")
		digitsRight, _ := f.Int("digits_right")
		for _, name := range values {
			raw, err := ParseHex(f.Text(name))
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			f.set(name, Scale(raw, multiplier, divisor, digitsRight))
		}
		return nil
	}
}

// applyClockOffset corrects whichever timestamps are present, keeping the
// device's own value under a reported_ name. Period starts are also floored
// to a five minute boundary.
func applyClockOffset(f *Fields, offset int64) error {
	f.set("local_time_offset", offset)

	for _, name := range []string{"time_stamp", "start_date", "end_date"} {
		text := f.Text(name)
		if text == "" {
			continue
		}
		raw, err := ParseHex(text)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		reported := int64(raw)
		adjusted := reported + offset
		if name == "start_date" {
			adjusted = AlignDown(adjusted, startDateAlignment)
		}
		f.set(name, adjusted)
		f.set("reported_"+name, reported)
	}
	return nil
}

func decodePriceCluster(f *Fields, _ DecodeContext) error {
	reported := f.Text("price")
	f.set("reported_price", reported)

	for _, name := range []string{"currency", "tier", "trailing_digits"} {
		if err := hexToInt(f, name); err != nil {
			return err
		}
	}

	if strings.EqualFold(reported, unsetPrice) {
		f.set("price", nil)
		return nil
	}

	raw, err := ParseHex(reported)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if raw == 0 {
		f.set("price", int64(0))
		return nil
	}
	trailing, _ := f.Int("trailing_digits")
	f.set("price", PriceCents(raw, trailing))
	return nil
}

func decodeTimeCluster(f *Fields, dc DecodeContext) error {
	if err := hexToInt(f, "utctime"); err != nil {
		return err
	}
	if err := hexToInt(f, "local_time"); err != nil {
		return err
	}
	localTime, _ := f.Int("local_time")
	f.set("local_time_offset", ClockOffset(dc.Now, localTime))
	return nil
}

// ClockOffset is the correction between the device's self-reported local
// time and the host clock, including the host's UTC offset at now.
func ClockOffset(now time.Time, deviceLocalTime int64) int64 {
	_, utcOffset := now.Zone()
	return now.Unix() - deviceLocalTime + int64(utcOffset)
}

// hexToInt replaces a hex field with its integer value. A missing field is
// stored as 0.
func hexToInt(f *Fields, name string) error {
	n, err := ParseHex(f.Text(name))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	f.set(name, int64(n))
	return nil
}
