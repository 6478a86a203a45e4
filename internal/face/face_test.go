package face

import (
	"context"
	"errors"
	"math"
	"testing"
)

type stubDetector struct {
	faces []Face
	err   error
	calls []Options
}

func (s *stubDetector) Detect(_ context.Context, _ []byte, opts Options) ([]Face, error) {
	s.calls = append(s.calls, opts)
	return s.faces, s.err
}

func prob(v float64) *float64 { return &v }

func classified() Face {
	return Face{
		Smiling:      prob(0.8),
		LeftEyeOpen:  prob(0.9),
		RightEyeOpen: prob(0.7),
		EulerX:       1,
		EulerY:       -2,
		EulerZ:       3,
		Box:          Box{Left: 10, Top: 20, Right: 110, Bottom: 145},
	}
}

func TestExtractUsesAccurateMode(t *testing.T) {
	det := &stubDetector{faces: []Face{classified()}}
	ex := NewExtractor(det, 0)

	d, err := ex.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(det.calls) != 1 || det.calls[0] != AccurateOptions {
		t.Fatalf("expected one accurate call, got %+v", det.calls)
	}
	if math.Abs(d.AspectRatio-0.8) > 1e-9 {
		t.Errorf("aspect ratio = %v, want 0.8", d.AspectRatio)
	}
	if d.Smiling != 0.8 || d.LeftEyeOpen != 0.9 || d.RightEyeOpen != 0.7 {
		t.Errorf("unexpected probabilities: %+v", d)
	}
}

func TestExtractFailures(t *testing.T) {
	unclassified := classified()
	unclassified.Smiling = nil
	flat := classified()
	flat.Box = Box{Left: 5, Top: 5, Right: 50, Bottom: 5}

	tests := []struct {
		name       string
		det        *stubDetector
		wantNoFace bool
	}{
		{name: "zero faces", det: &stubDetector{}, wantNoFace: true},
		{name: "unclassified", det: &stubDetector{faces: []Face{unclassified}}, wantNoFace: true},
		{name: "degenerate box", det: &stubDetector{faces: []Face{flat}}, wantNoFace: true},
		{name: "detector error", det: &stubDetector{err: errors.New("model not loaded")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExtractor(tt.det, 0).Extract(context.Background(), nil)
			if err == nil {
				t.Fatal("expected error")
			}
			var derr *DetectorError
			if tt.wantNoFace {
				if !errors.Is(err, ErrNoFace) || errors.As(err, &derr) {
					t.Errorf("expected ErrNoFace only, got %v", err)
				}
				return
			}
			if errors.Is(err, ErrNoFace) || !errors.As(err, &derr) {
				t.Errorf("expected DetectorError only, got %v", err)
			}
		})
	}
}

func TestPresentUsesFastMode(t *testing.T) {
	det := &stubDetector{faces: []Face{{}}}
	ok, err := NewExtractor(det, 0).Present(context.Background(), nil)
	if err != nil || !ok {
		t.Fatalf("expected present, got %v %v", ok, err)
	}
	if det.calls[0].Mode != ModeFast || det.calls[0].Landmarks || det.calls[0].MinFaceSize != 0.35 {
		t.Errorf("unexpected options: %+v", det.calls[0])
	}

	det = &stubDetector{}
	ok, err = NewExtractor(det, 0.2).Present(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("expected absent, got %v %v", ok, err)
	}
	if det.calls[0].MinFaceSize != 0.2 {
		t.Errorf("override not applied: %+v", det.calls[0])
	}

	det = &stubDetector{err: errors.New("io")}
	if _, err := NewExtractor(det, 0).Present(context.Background(), nil); err == nil {
		t.Error("expected detector error")
	}
}
