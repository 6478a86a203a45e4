package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"geoattend/internal/geofence"
	"geoattend/internal/model"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSiteNotFound = errors.New("site not found")
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// Client talks to the attendance API on behalf of one device.
type Client struct {
	BaseURL  string
	DeviceID string
	HTTP     *http.Client

	mu    sync.Mutex
	token string
	exp   time.Time
}

// New creates a client whose transport uses timeout for dialing and for
// waiting on response headers.
func New(baseURL, deviceID string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		HTTP:     &http.Client{Transport: NewTransport(timeout)},
	}
}

// Register obtains a device access token.
func (c *Client) Register(ctx context.Context) error {
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/devices/register", map[string]string{"device_id": c.DeviceID}, false, &out)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.exp = time.Unix(out.ExpiresAt, 0)
	c.mu.Unlock()
	return nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp := c.token, c.exp
	c.mu.Unlock()
	if token != "" && time.Until(exp) > 30*time.Second {
		return token, nil
	}
	if err := c.Register(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// Submit records an attendance event in the primary store.
func (c *Client) Submit(ctx context.Context, sub model.Submission) (model.Receipt, error) {
	body := map[string]interface{}{
		"user_key":   sub.Identity.UserKey,
		"type":       sub.Type,
		"confidence": sub.Confidence,
		"site_id":    sub.SiteID,
	}
	var out model.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/attendance", body, true, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return out, fmt.Errorf("%w: %s", ErrUserNotFound, sub.Identity.UserKey)
	}
	return out, err
}

// Site loads geofence parameters.
func (c *Client) Site(ctx context.Context, id string) (geofence.Site, error) {
	var out geofence.Site
	err := c.do(ctx, http.MethodGet, "/v1/sites/"+url.PathEscape(id), nil, true, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return out, ErrSiteNotFound
	}
	return out, err
}

// History lists a user's events between two optional YYYY-MM-DD dates.
func (c *Client) History(ctx context.Context, userKey, start, end string) ([]model.AttendanceEvent, error) {
	q := url.Values{"user_key": {userKey}}
	if start != "" {
		q.Set("start_date", start)
	}
	if end != "" {
		q.Set("end_date", end)
	}
	var out struct {
		Events []model.AttendanceEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/attendance/history?"+q.Encode(), nil, true, &out)
	return out.Events, err
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, authed bool, out interface{}) error {
	var body io.Reader
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.bearer(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && authed {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(data)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NewTransport builds the shared transport: generous fixed timeouts and a
// single retry when the connection could not be established.
func NewTransport(timeout time.Duration) http.RoundTripper {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}
	return &retryTransport{base: base}
}

type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isDialError(err) || req.Context().Err() != nil {
		return resp, err
	}
	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, err
		}
		body, gerr := req.GetBody()
		if gerr != nil {
			return resp, err
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
