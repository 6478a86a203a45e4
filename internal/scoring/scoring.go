package scoring

import (
	"math"

	"geoattend/internal/face"
)

// Decision thresholds. A capture verifies at LowThreshold or above;
// HighThreshold only changes how the match is logged.
const (
	LowThreshold  = 0.45
	HighThreshold = 0.55
)

// Score weights on top of the base confidence.
const (
	base          = 0.5
	smileWeight   = 0.05
	eyesWeight    = 0.05
	poseWeight    = 0.10
	aspectWeight  = 0.10
	poseNormalize = 90.0
)

// Band classifies a confidence for logging.
type Band string

const (
	BandRejected Band = "rejected"
	BandLow      Band = "low"
	BandHigh     Band = "high"
)

// Confidence compares two descriptors and returns a score in [0,1].
func Confidence(ref, captured face.Descriptor) float64 {
	c := base

	c += (1 - math.Abs(ref.Smiling-captured.Smiling)) * smileWeight

	left := math.Abs(ref.LeftEyeOpen - captured.LeftEyeOpen)
	right := math.Abs(ref.RightEyeOpen - captured.RightEyeOpen)
	c += (1 - (left+right)/2) * eyesWeight

	dx := math.Abs(ref.EulerX-captured.EulerX) / poseNormalize
	dy := math.Abs(ref.EulerY-captured.EulerY) / poseNormalize
	dz := math.Abs(ref.EulerZ-captured.EulerZ) / poseNormalize
	c += (1 - (dx+dy+dz)/3) * poseWeight

	c += (1 - math.Min(math.Abs(ref.AspectRatio-captured.AspectRatio), 1)) * aspectWeight

	return clamp(c)
}

func clamp(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

// Verified reports whether a confidence passes the acceptance threshold.
func Verified(confidence float64) bool {
	return confidence >= LowThreshold
}

// Classify returns the logging band for a confidence.
func Classify(confidence float64) Band {
	switch {
	case confidence >= HighThreshold:
		return BandHigh
	case confidence >= LowThreshold:
		return BandLow
	default:
		return BandRejected
	}
}
