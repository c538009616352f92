// Package camera provides a client for the camera daemon that owns frame capture
package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
)

var (
	// ErrBusy means the camera is capturing for someone else; retrying later may succeed
	ErrBusy = errors.New("camera busy")
	// ErrHardwareFault means the sensor or its buffers failed
	ErrHardwareFault = errors.New("camera hardware fault")
)

// Client is a camera daemon API client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new camera client. timeout bounds a single capture.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// framePayload is one grayscale frame as sent by the daemon
type framePayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels string `json:"pixels"` // base64
}

// PairResponse is the body of a motion pair capture
type PairResponse struct {
	Reference  framePayload `json:"reference"`
	Current    framePayload `json:"current"`
	CapturedAt time.Time    `json:"captured_at"`
}

// StillRequest asks for a full-resolution capture tied to an event
type StillRequest struct {
	EventID  string `json:"event_id"`
	WindowID string `json:"window_id"`
}

// StillResponse identifies the stored image
type StillResponse struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path"`
}

func (f framePayload) decode() (analyzer.Frame, error) {
	pix, err := base64.StdEncoding.DecodeString(f.Pixels)
	if err != nil {
		return analyzer.Frame{}, fmt.Errorf("invalid frame pixels: %w", err)
	}
	frame := analyzer.Frame{Width: f.Width, Height: f.Height, Pix: pix}
	if !frame.Valid() {
		return analyzer.Frame{}, fmt.Errorf("%w: %dx%d with %d bytes", analyzer.ErrFrameMismatch, f.Width, f.Height, len(pix))
	}
	return frame, nil
}

// CapturePair requests a low-resolution reference/current pair for motion analysis
func (c *Client) CapturePair(ctx context.Context) (analyzer.FramePair, error) {
	var resp PairResponse
	if err := c.post(ctx, "/v1/frames/pair", nil, &resp); err != nil {
		return analyzer.FramePair{}, err
	}

	ref, err := resp.Reference.decode()
	if err != nil {
		return analyzer.FramePair{}, err
	}
	cur, err := resp.Current.decode()
	if err != nil {
		return analyzer.FramePair{}, err
	}

	capturedAt := resp.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	return analyzer.FramePair{Reference: ref, Current: cur, CapturedAt: capturedAt}, nil
}

// CaptureStill triggers a full-resolution image capture for an event
func (c *Client) CaptureStill(ctx context.Context, req StillRequest) (*StillResponse, error) {
	var resp StillResponse
	if err := c.post(ctx, "/v1/stills", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	url := c.baseURL + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", analyzer.ErrSensorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests:
		return ErrBusy
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrHardwareFault, resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("camera returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks if the camera daemon is reachable
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("camera unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
