package verification

import (
	"time"

	"geoattend/internal/face"
	"geoattend/internal/model"
	"geoattend/internal/scoring"
)

// ScoreFunc compares a reference descriptor with a captured one.
type ScoreFunc func(ref, captured face.Descriptor) float64

// Attempt is one scored comparison. Its fields are set only by newAttempt.
type Attempt struct {
	reference  face.Descriptor
	captured   face.Descriptor
	confidence float64
	verified   bool
	timestamp  time.Time
}

func newAttempt(score ScoreFunc, ref, captured face.Descriptor, at time.Time) Attempt {
	c := score(ref, captured)
	return Attempt{
		reference:  ref,
		captured:   captured,
		confidence: c,
		verified:   scoring.Verified(c),
		timestamp:  at,
	}
}

func (a Attempt) Reference() face.Descriptor { return a.reference }
func (a Attempt) Captured() face.Descriptor  { return a.captured }
func (a Attempt) Confidence() float64        { return a.confidence }
func (a Attempt) Verified() bool             { return a.verified }
func (a Attempt) Timestamp() time.Time       { return a.timestamp }

// Result is what an attempt hands back to the caller.
type Result struct {
	State      State                  `json:"state"`
	Reason     Reason                 `json:"reason,omitempty"`
	Message    string                 `json:"message"`
	Confidence float64                `json:"confidence,omitempty"`
	Event      *model.AttendanceEvent `json:"event,omitempty"`
	// Degraded is set when the attempt succeeded through a fallback path.
	Degraded Reason `json:"degraded,omitempty"`
}

func rejected(state State, reason Reason) Result {
	return Result{State: state, Reason: reason, Message: reason.Message()}
}
