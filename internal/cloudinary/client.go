package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"geoattend/internal/reference"
)

// Client stores and serves reference images through Cloudinary.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	// APIBase and DeliveryBase default to Cloudinary's public endpoints.
	APIBase      string
	DeliveryBase string
	HTTP         *http.Client
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName:    cloudName,
		APIKey:       apiKey,
		APISecret:    apiSecret,
		Folder:       strings.Trim(folder, "/"),
		APIBase:      "https://api.cloudinary.com",
		DeliveryBase: "https://res.cloudinary.com",
		HTTP:         &http.Client{Timeout: 60 * time.Second},
	}
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

// publicID strips the extension; Cloudinary appends the format itself.
func publicID(objectPath string) string {
	return strings.TrimSuffix(objectPath, path.Ext(objectPath))
}

// URL returns the delivery URL of an object path.
func (c *Client) URL(objectPath string) string {
	parts := []string{strings.TrimRight(c.DeliveryBase, "/"), c.CloudName, "image", "upload"}
	if c.Folder != "" {
		parts = append(parts, c.Folder)
	}
	parts = append(parts, strings.TrimLeft(objectPath, "/"))
	return strings.Join(parts, "/")
}

// Get downloads an object, failing with reference.ErrTooLarge instead of
// truncating when it exceeds limit.
func (c *Client) Get(ctx context.Context, objectPath string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = reference.MaxBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(objectPath), nil)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create request failed: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, reference.ErrMissing
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cloudinary: get failed (%d): %s", resp.StatusCode, string(body))
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes", reference.ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("cloudinary: read body failed: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", reference.ErrTooLarge, limit)
	}
	return data, nil
}

// UploadReference stores image bytes under objectPath, replacing any previous version.
func (c *Client) UploadReference(ctx context.Context, objectPath string, data []byte) (*UploadResult, error) {
	params := map[string]string{
		"timestamp":  strconv.FormatInt(time.Now().Unix(), 10),
		"api_key":    c.APIKey,
		"public_id":  publicID(objectPath),
		"overwrite":  "true",
		"invalidate": "true",
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	params["signature"] = c.sign(params)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", path.Base(objectPath))
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create form file failed: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("cloudinary: write file failed: %w", err)
	}
	w.Close()

	url := fmt.Sprintf("%s/v1_1/%s/image/upload", strings.TrimRight(c.APIBase, "/"), c.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response failed: %w", err)
	}
	return &result, nil
}

// sign computes the Cloudinary API signature from the given params.
// api_key and file are excluded from the signature per the Cloudinary signing rules.
func (c *Client) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true, "resource_type": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	payload := strings.Join(pairs, "&") + c.APISecret
	h := sha1.New()
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}
