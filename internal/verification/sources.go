package verification

import (
	"context"
	"errors"
	"sync"

	"geoattend/internal/geofence"
)

// LocationSource delivers continuous location fixes until ctx is done.
type LocationSource interface {
	Updates(ctx context.Context) (<-chan geofence.Fix, error)
}

// CameraProvider binds a camera for the lifetime of a session.
type CameraProvider interface {
	Open(ctx context.Context) (Camera, error)
}

// Camera captures still frames. Capture blocks until a frame is available.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrEmptyFrame is returned when a capture produced no image data.
var ErrEmptyFrame = errors.New("captured image is invalid")

// LocationFeed fans pushed fixes out to every active subscriber.
type LocationFeed struct {
	mu   sync.Mutex
	subs map[chan geofence.Fix]struct{}
}

func NewLocationFeed() *LocationFeed {
	return &LocationFeed{subs: make(map[chan geofence.Fix]struct{})}
}

// Updates subscribes to the feed. The channel is closed when ctx is done.
func (f *LocationFeed) Updates(ctx context.Context) (<-chan geofence.Fix, error) {
	ch := make(chan geofence.Fix, 8)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Push delivers fix to all subscribers. A slow subscriber loses its oldest
// pending fix rather than blocking the feed.
func (f *LocationFeed) Push(fix geofence.Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- fix:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- fix
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *LocationFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// FrameCamera is a camera whose frames are pushed by the UI shell.
// It is its own provider; closing it drops any pending frame.
type FrameCamera struct {
	mu     sync.Mutex
	frames chan []byte
}

func NewFrameCamera() *FrameCamera {
	return &FrameCamera{frames: make(chan []byte, 1)}
}

func (c *FrameCamera) Open(ctx context.Context) (Camera, error) {
	c.drain()
	return c, nil
}

// Push replaces any frame not yet consumed by Capture.
func (c *FrameCamera) Push(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	c.frames <- frame
}

func (c *FrameCamera) Capture(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		if len(f) == 0 {
			return nil, ErrEmptyFrame
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FrameCamera) Close() error {
	c.drain()
	return nil
}

func (c *FrameCamera) drain() {
	select {
	case <-c.frames:
	default:
	}
}
