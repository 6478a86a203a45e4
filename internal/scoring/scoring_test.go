package scoring

import (
	"math"
	"testing"

	"geoattend/internal/face"
)

const eps = 1e-9

func reference() face.Descriptor {
	return face.Descriptor{
		Smiling:      0.3,
		LeftEyeOpen:  0.9,
		RightEyeOpen: 0.85,
		EulerX:       2,
		EulerY:       -4,
		EulerZ:       1,
		AspectRatio:  0.78,
	}
}

func TestThresholdsArePinned(t *testing.T) {
	if LowThreshold != 0.45 || HighThreshold != 0.55 {
		t.Fatalf("thresholds changed: low=%v high=%v", LowThreshold, HighThreshold)
	}
	if base != 0.5 || smileWeight != 0.05 || eyesWeight != 0.05 || poseWeight != 0.10 || aspectWeight != 0.10 {
		t.Fatal("score weights changed")
	}
}

func TestIdenticalDescriptorsScoreMaximum(t *testing.T) {
	d := reference()
	if got := Confidence(d, d); math.Abs(got-0.8) > eps {
		t.Errorf("identical descriptors = %v, want 0.8", got)
	}
}

func TestSmileDifference(t *testing.T) {
	ref := reference()
	ref.Smiling = 0
	captured := ref
	captured.Smiling = 1

	got := Confidence(ref, captured)
	if math.Abs(got-0.75) > eps {
		t.Errorf("confidence = %v, want 0.75", got)
	}
	if !Verified(got) {
		t.Error("expected verified")
	}
}

func TestKnownComponents(t *testing.T) {
	ref := face.Descriptor{Smiling: 0.5, LeftEyeOpen: 1, RightEyeOpen: 1, AspectRatio: 1}
	captured := face.Descriptor{
		Smiling:      0.1,  // diff 0.4 -> 0.6*0.05 = 0.03
		LeftEyeOpen:  0.5,  // diff 0.5
		RightEyeOpen: 0.9,  // diff 0.1 -> (1-0.3)*0.05 = 0.035
		EulerX:       45,   // 0.5
		EulerY:       -45,  // 0.5
		EulerZ:       0,    // 0 -> (1-1/3)*0.1
		AspectRatio:  0.75, // diff 0.25 -> 0.075
	}
	want := 0.5 + 0.03 + 0.035 + (1-1.0/3)*0.1 + 0.075
	if got := Confidence(ref, captured); math.Abs(got-want) > eps {
		t.Errorf("confidence = %v, want %v", got, want)
	}
}

func TestConfidenceIsClamped(t *testing.T) {
	tests := []struct {
		name     string
		captured face.Descriptor
	}{
		{name: "huge pose", captured: face.Descriptor{EulerX: 10000, EulerY: -10000, EulerZ: 10000}},
		{name: "out of range probabilities", captured: face.Descriptor{Smiling: 50, LeftEyeOpen: -40, RightEyeOpen: 90}},
		{name: "huge aspect", captured: face.Descriptor{AspectRatio: 1e9}},
		{name: "nan", captured: face.Descriptor{Smiling: math.NaN()}},
		{name: "inf", captured: face.Descriptor{EulerY: math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(reference(), tt.captured)
			if got < 0 || got > 1 || math.IsNaN(got) {
				t.Errorf("confidence %v outside [0,1]", got)
			}
		})
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	fields := map[string]func(d *face.Descriptor, v float64){
		"smiling":   func(d *face.Descriptor, v float64) { d.Smiling += v },
		"left eye":  func(d *face.Descriptor, v float64) { d.LeftEyeOpen += v },
		"right eye": func(d *face.Descriptor, v float64) { d.RightEyeOpen += v },
		"euler x":   func(d *face.Descriptor, v float64) { d.EulerX += v * 90 },
		"euler y":   func(d *face.Descriptor, v float64) { d.EulerY += v * 90 },
		"euler z":   func(d *face.Descriptor, v float64) { d.EulerZ += v * 90 },
		"aspect":    func(d *face.Descriptor, v float64) { d.AspectRatio += v },
	}
	for name, bump := range fields {
		t.Run(name, func(t *testing.T) {
			prev := math.Inf(1)
			for step := 0; step <= 40; step++ {
				captured := reference()
				bump(&captured, float64(step)*0.1)
				got := Confidence(reference(), captured)
				if got > prev+eps {
					t.Fatalf("confidence increased at step %d: %v > %v", step, got, prev)
				}
				prev = got
			}
		})
	}
}

func TestVerifiedBoundary(t *testing.T) {
	tests := []struct {
		confidence float64
		want       bool
		band       Band
	}{
		{confidence: 0.45, want: true, band: BandLow},
		{confidence: math.Nextafter(0.45, 0), want: false, band: BandRejected},
		{confidence: 0.5, want: true, band: BandLow},
		{confidence: 0.55, want: true, band: BandHigh},
		{confidence: 0, want: false, band: BandRejected},
		{confidence: 1, want: true, band: BandHigh},
	}
	for _, tt := range tests {
		if got := Verified(tt.confidence); got != tt.want {
			t.Errorf("Verified(%v) = %v, want %v", tt.confidence, got, tt.want)
		}
		if got := Classify(tt.confidence); got != tt.band {
			t.Errorf("Classify(%v) = %v, want %v", tt.confidence, got, tt.band)
		}
	}
}
