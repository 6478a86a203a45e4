package model

import (
	"fmt"
	"time"
)

// Type is the attendance direction.
type Type string

const (
	CheckIn  Type = "check_in"
	CheckOut Type = "check_out"
)

// Valid reports whether t is a known attendance type.
func (t Type) Valid() bool { return t == CheckIn || t == CheckOut }

// Label is the human-readable form used in messages.
func (t Type) Label() string {
	if t == CheckOut {
		return "Check-Out"
	}
	return "Check-In"
}

// ParseType validates a raw attendance type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid attendance type %q", s)
	}
	return t, nil
}

// StatusPresent is the only status an attendance event is created with.
const StatusPresent = "Present"

// Source tells which store assigned the event id.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Zone is the fixed UTC+05:30 zone used for event date and time fields.
var Zone = time.FixedZone("IST", 5*60*60+30*60)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Stamp formats t as the event date and time in Zone.
func Stamp(t time.Time) (date, clock string) {
	local := t.In(Zone)
	return local.Format(DateLayout), local.Format(TimeLayout)
}

// AttendanceEvent is one recorded check-in or check-out.
type AttendanceEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	UserKey    string    `json:"user_key"`
	UserName   string    `json:"user_name,omitempty"`
	Type       Type      `json:"type"`
	Confidence float64   `json:"confidence"`
	SiteID     string    `json:"site_id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
	Status     string    `json:"status"`
	Source     Source    `json:"source,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Identity is the worker a device session acts for.
type Identity struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	UserKey  string `json:"user_key"`
	UserName string `json:"user_name,omitempty"`
}

// Submission is a verified attempt handed to the recorder.
type Submission struct {
	Identity   Identity
	Type       Type
	Confidence float64
	SiteID     string
	At         time.Time
}

// Receipt is the primary store's answer to a submission.
type Receipt struct {
	EventID string `json:"event_id"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Message string `json:"message"`
}
