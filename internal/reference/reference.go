package reference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// MaxBytes is the largest reference image accepted. Larger payloads fail.
const MaxBytes int64 = 5 * 1024 * 1024

var (
	ErrMissing    = errors.New("reference image not found")
	ErrTooLarge   = errors.New("reference image exceeds size limit")
	ErrUnreadable = errors.New("reference image unreadable")
)

// ObjectStore reads objects by path. Implementations return ErrMissing when
// the object does not exist and ErrTooLarge when it is bigger than limit.
type ObjectStore interface {
	Get(ctx context.Context, path string, limit int64) ([]byte, error)
}

// Path is the deterministic storage path of a user's enrolled face.
func Path(userKey string) string {
	return "reference_images/face_" + userKey + ".jpg"
}

// Provider fetches enrolled reference images.
type Provider struct {
	store ObjectStore
	limit int64
}

// NewProvider creates a provider with the default size limit.
func NewProvider(store ObjectStore) *Provider {
	return &Provider{store: store, limit: MaxBytes}
}

// Fetch returns the reference image bytes for a user key.
func (p *Provider) Fetch(ctx context.Context, userKey string) ([]byte, error) {
	if strings.TrimSpace(userKey) == "" {
		return nil, fmt.Errorf("%w: empty user key", ErrMissing)
	}
	path := Path(userKey)
	data, err := p.store.Get(ctx, path, p.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	if int64(len(data)) > p.limit {
		return nil, fmt.Errorf("fetch %s: %w (%d bytes)", path, ErrTooLarge, len(data))
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return data, nil
}

// Validate checks that data decodes as a supported image.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrUnreadable)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnreadable, cfg.Width, cfg.Height)
	}
	return nil
}
