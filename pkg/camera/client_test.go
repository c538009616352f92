package camera

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
)

func pixels(n int, v byte) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestClient_CapturePair(t *testing.T) {
	captured := time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/frames/pair", r.URL.Path)
		json.NewEncoder(w).Encode(PairResponse{
			Reference:  framePayload{Width: 4, Height: 2, Pixels: pixels(8, 10)},
			Current:    framePayload{Width: 4, Height: 2, Pixels: pixels(8, 200)},
			CapturedAt: captured,
		})
	}))
	defer server.Close()

	pair, err := NewClient(server.URL, time.Second).CapturePair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, pair.Current.Width)
	assert.Equal(t, uint8(200), pair.Current.Pix[0])
	assert.Equal(t, uint8(10), pair.Reference.Pix[7])
	assert.True(t, pair.CapturedAt.Equal(captured))
}

func TestClient_CapturePairErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
		is     error
	}{
		{"busy", http.StatusConflict, nil, ErrBusy},
		{"throttled", http.StatusTooManyRequests, nil, ErrBusy},
		{"fault", http.StatusServiceUnavailable, nil, ErrHardwareFault},
		{"short pixels", http.StatusOK, PairResponse{
			Reference: framePayload{Width: 4, Height: 2, Pixels: pixels(8, 0)},
			Current:   framePayload{Width: 4, Height: 2, Pixels: pixels(3, 0)},
		}, analyzer.ErrFrameMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer server.Close()

			_, err := NewClient(server.URL, time.Second).CapturePair(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", 200*time.Millisecond).CapturePair(context.Background())
	assert.ErrorIs(t, err, analyzer.ErrSensorUnavailable)
}

func TestClient_CancelledCapture(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := NewClient(server.URL, 5*time.Second).CapturePair(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_CaptureStill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req StillRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "evt-1", req.EventID)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(StillResponse{ImageID: "img-9", Path: "/data/img-9.jpg"})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, time.Second).CaptureStill(context.Background(), StillRequest{EventID: "evt-1", WindowID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, "img-9", resp.ImageID)
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, time.Second).Health(context.Background()))
}
