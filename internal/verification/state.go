package verification

import (
	"fmt"
	"time"
)

// State is a step of the verification state machine.
type State string

const (
	Idle       State = "IDLE"
	Locating   State = "LOCATING"
	InRange    State = "IN_RANGE"
	OutOfRange State = "OUT_OF_RANGE"
	Capturing  State = "CAPTURING"
	Extracting State = "EXTRACTING"
	Scoring    State = "SCORING"
	Verified   State = "VERIFIED"
	Rejected   State = "REJECTED"
	Recording  State = "RECORDING"
	Complete   State = "COMPLETE"
	Failed     State = "FAILED"
)

// transitions lists the legal successors of each state. Every state may
// also fall back to Idle when the session ends.
var transitions = map[State][]State{
	Idle:       {Locating},
	Locating:   {InRange, OutOfRange},
	InRange:    {OutOfRange, Capturing},
	OutOfRange: {InRange},
	Capturing:  {Extracting, Failed},
	Extracting: {Scoring, Rejected, Failed},
	Scoring:    {Verified, Rejected},
	Verified:   {Recording},
	Recording:  {Complete, Failed},
	Rejected:   {InRange, OutOfRange},
	Complete:   {InRange, OutOfRange},
	Failed:     {InRange, OutOfRange},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if to == Idle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == Rejected || s == Complete || s == Failed
}

// Busy reports whether an attempt is running in s.
func (s State) Busy() bool {
	switch s {
	case Capturing, Extracting, Scoring, Verified, Recording:
		return true
	}
	return false
}

// Reason explains why an attempt did not complete, or what degraded it.
type Reason string

const (
	LocationUnavailable   Reason = "LocationUnavailable"
	GeofenceViolation     Reason = "GeofenceViolation"
	CaptureFailed         Reason = "CaptureFailed"
	NoFaceDetected        Reason = "NoFaceDetected"
	ReferenceImageMissing Reason = "ReferenceImageMissing"
	ExtractionFailed      Reason = "ExtractionFailed"
	ConfidenceTooLow      Reason = "ConfidenceTooLow"
	RemoteSubmitFailed    Reason = "RemoteSubmitFailed"
	FallbackWriteFailed   Reason = "FallbackWriteFailed"
)

var messages = map[Reason]string{
	LocationUnavailable:   "Location unavailable. Turn on location and wait for a fix.",
	GeofenceViolation:     "You must be within range of the site to mark attendance. Move closer.",
	CaptureFailed:         "Capture failed, please retry.",
	NoFaceDetected:        "No face visible, please retry.",
	ReferenceImageMissing: "Reference image missing or unreadable. Ask an administrator to enroll your face.",
	ExtractionFailed:      "Could not analyse the face images, please retry.",
	ConfidenceTooLow:      "Face did not match the enrolled reference. Re-pose and retry.",
	RemoteSubmitFailed:    "Attendance server unreachable. Your attendance was saved to the backup store.",
	FallbackWriteFailed:   "Could not record attendance, try again.",
}

// Message is the user-facing text for r.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return string(r)
}

// Transition is published on every state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason Reason    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (t Transition) String() string {
	if t.Reason != "" {
		return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Reason)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}
