package emu

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Facts caches the latest decoded response of each kind for the session.
//
// Entries are replaced whole, never merged. The clock offset read by
// metered decodes comes from the latest TimeCluster; the meter address used
// by commands comes from the latest DeviceInfo.
//
// Thread Safety: All methods are safe for concurrent use.
type Facts struct {
	mu     sync.RWMutex
	latest map[string]*Response
}

// NewFacts returns an empty fact store.
func NewFacts() *Facts {
	return &Facts{latest: make(map[string]*Response)}
}

// Store records r as the latest response of its kind.
func (f *Facts) Store(r *Response) {
	if r == nil {
		return
	}
	f.mu.Lock()
	f.latest[r.Kind] = r
	f.mu.Unlock()
}

// Latest returns the most recent response of the given kind.
func (f *Facts) Latest(kind string) (*Response, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.latest[kind]
	return r, ok
}

// DeviceInfo returns the latest identity response.
func (f *Facts) DeviceInfo() (*Response, bool) {
	return f.Latest(KindDeviceInfo)
}

// MeterMacID returns the address commands are sent to. It is the
// device_mac_id from the latest DeviceInfo.
func (f *Facts) MeterMacID() (string, bool) {
	info, ok := f.DeviceInfo()
	if !ok {
		return "", false
	}
	mac := info.Fields.Text("device_mac_id")
	return mac, mac != ""
}

// ClockOffset returns the correction computed by the latest TimeCluster.
func (f *Facts) ClockOffset() (int64, bool) {
	tc, ok := f.Latest(KindTimeCluster)
	if !ok {
		return 0, false
	}
	return tc.Fields.Int("local_time_offset")
}

// DecodeContext snapshots the facts a decode at now depends on.
func (f *Facts) DecodeContext(now time.Time) DecodeContext {
	offset, ok := f.ClockOffset()
	return DecodeContext{
		Now:            now,
		ClockOffset:    offset,
		HasClockOffset: ok,
	}
}

// RestoreResponse rebuilds a Response from a persisted JSON field object.
func RestoreResponse(kind string, payload []byte) (*Response, error) {
	if _, ok := rules[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseKind, kind)
	}
	fields := &Fields{}
	if err := json.Unmarshal(payload, fields); err != nil {
		return nil, fmt.Errorf("restore %s: %w", kind, err)
	}
	return &Response{Kind: kind, Key: SnakeCase(kind), Fields: fields}, nil
}
