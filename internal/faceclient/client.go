package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"geoattend/internal/face"
)

// Client calls the face-landmark detector sidecar.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

func mockFace() face.Face {
	smile, left, right := 0.12, 0.96, 0.94
	return face.Face{
		Smiling:      &smile,
		LeftEyeOpen:  &left,
		RightEyeOpen: &right,
		EulerX:       1.5,
		EulerY:       -3.0,
		EulerZ:       0.8,
		Box:          face.Box{Left: 120, Top: 80, Right: 360, Bottom: 390},
	}
}

// Detect sends an image to the detector and returns every face it reports.
func (c *Client) Detect(ctx context.Context, image []byte, opts face.Options) ([]face.Face, error) {
	if c.Skip {
		f := mockFace()
		if !opts.Classification {
			f.Smiling, f.LeftEyeOpen, f.RightEyeOpen = nil, nil, nil
		}
		return []face.Face{f}, nil
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("mode", string(opts.Mode))
	_ = w.WriteField("landmarks", strconv.FormatBool(opts.Landmarks))
	_ = w.WriteField("classification", strconv.FormatBool(opts.Classification))
	_ = w.WriteField("min_face_size", strconv.FormatFloat(opts.MinFaceSize, 'f', -1, 64))
	fw, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Faces []face.Face `json:"faces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Faces, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
