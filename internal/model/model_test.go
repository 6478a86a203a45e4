package model

import (
	"testing"
	"time"
)

func TestStampUsesFixedZone(t *testing.T) {
	utc := time.Date(2024, 3, 31, 19, 45, 10, 0, time.UTC)
	date, clock := Stamp(utc)
	if date != "2024-04-01" || clock != "01:15:10" {
		t.Errorf("Stamp = %s %s, want 2024-04-01 01:15:10", date, clock)
	}
}

func TestParseType(t *testing.T) {
	for _, raw := range []string{"check_in", "check_out"} {
		if _, err := ParseType(raw); err != nil {
			t.Errorf("ParseType(%q): %v", raw, err)
		}
	}
	for _, raw := range []string{"", "CHECK_IN", "lunch"} {
		if _, err := ParseType(raw); err == nil {
			t.Errorf("ParseType(%q) should fail", raw)
		}
	}
	if CheckOut.Label() != "Check-Out" || CheckIn.Label() != "Check-In" {
		t.Error("unexpected labels")
	}
}
