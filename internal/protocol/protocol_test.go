package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(EventDeviceStatus, DeviceStatus{Status: "online"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != EventDeviceStatus {
		t.Errorf("event: expected %s, got %s", EventDeviceStatus, env.Event)
	}

	var status DeviceStatus
	if err := json.Unmarshal(env.Payload, &status); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if status.Status != "online" {
		t.Errorf("status: expected online, got %s", status.Status)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"NotJSON", "not json at all"},
		{"MissingEvent", `{"payload":{}}`},
		{"EmptyEvent", `{"event":"","payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("expected error for %q", tt.data)
			}
		})
	}
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(EventScreenshotReq, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Errorf("expected empty payload, got %s", env.Payload)
	}
}

// localTime builds a time on a known weekday: 2026-08-24 is a Monday.
func localTime(t *testing.T, weekdayOffset int, hhmm string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		t.Fatalf("parse %q: %v", hhmm, err)
	}
	return time.Date(2026, 8, 24+weekdayOffset, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
}

func TestEligibleAt(t *testing.T) {
	window := &TimeWindow{Start: "09:00", End: "17:00"}

	tests := []struct {
		name string
		item PlaylistItem
		at   time.Time
		want bool
	}{
		{
			name: "NoConstraints",
			item: PlaylistItem{ID: "a"},
			at:   localTime(t, 0, "20:00"),
			want: true,
		},
		{
			name: "InsideWindow",
			item: PlaylistItem{ID: "a", Window: window},
			at:   localTime(t, 0, "12:30"),
			want: true,
		},
		{
			name: "AfterWindow",
			item: PlaylistItem{ID: "a", Window: window},
			at:   localTime(t, 0, "20:00"),
			want: false,
		},
		{
			name: "StartIsInclusive",
			item: PlaylistItem{ID: "a", Window: window},
			at:   localTime(t, 0, "09:00"),
			want: true,
		},
		{
			name: "EndIsExclusive",
			item: PlaylistItem{ID: "a", Window: window},
			at:   localTime(t, 0, "17:00"),
			want: false,
		},
		{
			name: "MatchingDay",
			item: PlaylistItem{ID: "a", Days: []time.Weekday{time.Monday}},
			at:   localTime(t, 0, "12:00"),
			want: true,
		},
		{
			name: "WrongDay",
			item: PlaylistItem{ID: "a", Days: []time.Weekday{time.Monday}},
			at:   localTime(t, 1, "12:00"), // Tuesday
			want: false,
		},
		{
			name: "DayAndWindowBothRequired",
			item: PlaylistItem{ID: "a", Days: []time.Weekday{time.Monday}, Window: window},
			at:   localTime(t, 0, "20:00"),
			want: false,
		},
		{
			name: "UnparsableWindowIneligible",
			item: PlaylistItem{ID: "a", Window: &TimeWindow{Start: "bogus", End: "17:00"}},
			at:   localTime(t, 0, "12:00"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.EligibleAt(tt.at); got != tt.want {
				t.Errorf("EligibleAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}
