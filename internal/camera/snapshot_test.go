package camera

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"geoattend/internal/verification"
)

func TestSnapshotCapture(t *testing.T) {
	var empty atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || empty.Load() {
			return
		}
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	cam, err := NewSnapshot(srv.URL).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cam.Close()

	frame, err := cam.Capture(context.Background())
	if err != nil || string(frame) != "jpeg-bytes" {
		t.Fatalf("capture: %q %v", frame, err)
	}

	empty.Store(true)
	if _, err := cam.Capture(context.Background()); !errors.Is(err, verification.ErrEmptyFrame) {
		t.Errorf("empty frame: %v", err)
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewSnapshot(srv.URL).Open(context.Background()); err == nil {
		t.Fatal("expected open to fail")
	}
}
