package face

import (
	"context"
	"errors"
	"fmt"
)

// Mode selects the detector's performance/accuracy trade-off.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAccurate Mode = "accurate"
)

// Options configure a single detector call.
type Options struct {
	Mode           Mode
	Landmarks      bool
	Classification bool
	// MinFaceSize is the smallest face to report, relative to the image width.
	MinFaceSize float64
}

// FastOptions is used for the cheap "is any face present" pre-check.
var FastOptions = Options{Mode: ModeFast, MinFaceSize: 0.35}

// AccurateOptions requests every landmark and classification the detector supports.
var AccurateOptions = Options{Mode: ModeAccurate, Landmarks: true, Classification: true, MinFaceSize: 0.1}

// Box is a face bounding box in pixels.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width of the box.
func (b Box) Width() float64 { return b.Right - b.Left }

// Height of the box.
func (b Box) Height() float64 { return b.Bottom - b.Top }

// Face is one detection. Probabilities are nil when the detector did not
// classify the face.
type Face struct {
	Smiling      *float64 `json:"smiling_probability,omitempty"`
	LeftEyeOpen  *float64 `json:"left_eye_open_probability,omitempty"`
	RightEyeOpen *float64 `json:"right_eye_open_probability,omitempty"`
	EulerX       float64  `json:"head_euler_x"`
	EulerY       float64  `json:"head_euler_y"`
	EulerZ       float64  `json:"head_euler_z"`
	Box          Box      `json:"bounding_box"`
}

// Descriptor is the feature set compared by the confidence scorer.
type Descriptor struct {
	Smiling      float64 `json:"smiling"`
	LeftEyeOpen  float64 `json:"left_eye_open"`
	RightEyeOpen float64 `json:"right_eye_open"`
	EulerX       float64 `json:"euler_x"`
	EulerY       float64 `json:"euler_y"`
	EulerZ       float64 `json:"euler_z"`
	AspectRatio  float64 `json:"aspect_ratio"`
}

// Detector is an external face-landmark detector.
type Detector interface {
	Detect(ctx context.Context, image []byte, opts Options) ([]Face, error)
}

// ErrNoFace means the detector ran but found no usable face.
var ErrNoFace = errors.New("no face detected")

// DetectorError wraps a failure of the detector call itself.
type DetectorError struct {
	Mode Mode
	Err  error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("face detector (%s) failed: %v", e.Mode, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// Describe converts a detection into a descriptor. It fails with ErrNoFace when
// the face carries no classification or has a degenerate bounding box.
func Describe(f Face) (Descriptor, error) {
	if f.Smiling == nil || f.LeftEyeOpen == nil || f.RightEyeOpen == nil {
		return Descriptor{}, fmt.Errorf("%w: face not classified", ErrNoFace)
	}
	if f.Box.Width() <= 0 || f.Box.Height() <= 0 {
		return Descriptor{}, fmt.Errorf("%w: empty bounding box", ErrNoFace)
	}
	return Descriptor{
		Smiling:      *f.Smiling,
		LeftEyeOpen:  *f.LeftEyeOpen,
		RightEyeOpen: *f.RightEyeOpen,
		EulerX:       f.EulerX,
		EulerY:       f.EulerY,
		EulerZ:       f.EulerZ,
		AspectRatio:  f.Box.Width() / f.Box.Height(),
	}, nil
}

// Extractor turns images into descriptors using a Detector.
type Extractor struct {
	detector Detector
	fast     Options
	accurate Options
}

// NewExtractor builds an extractor. presenceMinSize overrides the fast
// pre-check's minimum relative face size when positive.
func NewExtractor(d Detector, presenceMinSize float64) *Extractor {
	fast := FastOptions
	if presenceMinSize > 0 {
		fast.MinFaceSize = presenceMinSize
	}
	return &Extractor{detector: d, fast: fast, accurate: AccurateOptions}
}

// Present runs the fast detector pass and reports whether any face is visible.
func (e *Extractor) Present(ctx context.Context, image []byte) (bool, error) {
	faces, err := e.detector.Detect(ctx, image, e.fast)
	if err != nil {
		return false, &DetectorError{Mode: e.fast.Mode, Err: err}
	}
	return len(faces) > 0, nil
}

// Extract runs the accurate pass and describes the first detected face.
func (e *Extractor) Extract(ctx context.Context, image []byte) (Descriptor, error) {
	faces, err := e.detector.Detect(ctx, image, e.accurate)
	if err != nil {
		return Descriptor{}, &DetectorError{Mode: e.accurate.Mode, Err: err}
	}
	if len(faces) == 0 {
		return Descriptor{}, ErrNoFace
	}
	return Describe(faces[0])
}
