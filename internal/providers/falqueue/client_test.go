package falqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genledger/internal/domain"
	"genledger/internal/providers"
)

const testModel = "fal-ai/test-model"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "k", BaseURL: srv.URL, Model: testModel})
	require.NoError(t, err)
	return client
}

func TestSubmitReturnsRequestID(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/"+testModel, r.URL.Path)
		assert.Equal(t, "Key k", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"request_id": "req-1"})
	}))

	id, err := client.Submit(context.Background(), domain.JobKindVideo, []byte(`{"prompt":"waves","duration_seconds":5}`))
	require.NoError(t, err)
	require.Equal(t, "req-1", id)
	require.Equal(t, "waves", body["prompt"])
	require.Equal(t, "5", body["duration"])
}

func TestSubmitRejectedOnClientError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad input"}`, http.StatusUnprocessableEntity)
	}))
	_, err := client.Submit(context.Background(), domain.JobKindImage, []byte(`{"prompt":"x"}`))
	require.True(t, errors.Is(err, domain.ErrProviderRejected), "got %v", err)
}

func TestPollLifecycle(t *testing.T) {
	var phase atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + testModel + "/requests/req-1/status":
			status := []string{"IN_QUEUE", "IN_PROGRESS", "COMPLETED"}[phase.Load()]
			_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
		case "/" + testModel + "/requests/req-1":
			_ = json.NewEncoder(w).Encode(map[string]any{"video": map[string]any{"url": "https://cdn/v.mp4"}})
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()
	res, err := client.Poll(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, providers.StatusQueued, res.Status)

	phase.Store(1)
	res, err = client.Poll(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, providers.StatusRunning, res.Status)

	phase.Store(2)
	res, err = client.Poll(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, providers.StatusReady, res.Status)
	require.Equal(t, []string{"https://cdn/v.mp4"}, res.URLs)
}

func TestPollCompletedWithErrorFails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "COMPLETED", "error": "nsfw content"})
	}))
	res, err := client.Poll(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, providers.StatusFailed, res.Status)
	require.Equal(t, "nsfw content", res.Reason)
}

func TestPollServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := client.Poll(context.Background(), "req-1")
	require.True(t, providers.IsTransient(err), "got %v", err)
}
