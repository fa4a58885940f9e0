package synthetic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genledger/internal/domain"
	"genledger/internal/providers"
)

func TestAdapterLifecycle(t *testing.T) {
	a := New(Options{ArtifactBaseURL: "http://local/artifacts/", PollsUntilRunning: 1, PollsUntilReady: 3})
	ctx := context.Background()
	id, err := a.Submit(ctx, domain.JobKindImage, []byte(`{"prompt":"x"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []providers.Status{providers.StatusRunning, providers.StatusRunning, providers.StatusReady}
	for i, status := range want {
		res, err := a.Poll(ctx, id)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if res.Status != status {
			t.Fatalf("poll %d status = %s, want %s", i, res.Status, status)
		}
		if status == providers.StatusReady {
			if len(res.URLs) != 1 || !strings.HasPrefix(res.URLs[0], "http://local/artifacts/"+id) {
				t.Fatalf("urls = %v", res.URLs)
			}
		}
	}
}

func TestAdapterFailPrompt(t *testing.T) {
	a := New(Options{FailPrompt: "explode"})
	ctx := context.Background()
	id, _ := a.Submit(ctx, domain.JobKindVideo, []byte(`{"prompt":"please explode"}`))
	res, err := a.Poll(ctx, id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != providers.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
}

func TestHandlerServesKnownArtifacts(t *testing.T) {
	a := New(Options{})
	id, _ := a.Submit(context.Background(), domain.JobKindImage, nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/" + id + ".png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d content-type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, err = http.Get(srv.URL + "/unknown.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown artifact status = %d", resp.StatusCode)
	}
}
