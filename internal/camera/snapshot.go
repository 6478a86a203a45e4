package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"geoattend/internal/reference"
	"geoattend/internal/verification"
)

// Snapshot captures frames from a camera exposing a still-image URL.
type Snapshot struct {
	URL  string
	HTTP *http.Client
}

func NewSnapshot(url string) *Snapshot {
	// No client timeout: a stalled capture waits until the attempt is cancelled.
	return &Snapshot{URL: url, HTTP: &http.Client{}}
}

// Open checks the camera answers and binds it for a session.
func (s *Snapshot) Open(ctx context.Context) (verification.Camera, error) {
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(octx, http.MethodHead, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera unavailable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed {
		return nil, fmt.Errorf("camera unavailable: %s", resp.Status)
	}
	return &binding{s: s}, nil
}

type binding struct {
	s *Snapshot
}

func (b *binding) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capture failed: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, reference.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 || int64(len(data)) > reference.MaxBytes {
		return nil, verification.ErrEmptyFrame
	}
	return data, nil
}

func (b *binding) Close() error {
	b.s.HTTP.CloseIdleConnections()
	return nil
}
