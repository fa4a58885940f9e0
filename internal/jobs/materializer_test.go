package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genledger/internal/domain"
	"genledger/internal/storage"
)

func TestMaterializeWritesDeterministicKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip":
			w.Header().Set("Content-Type", "video/mp4")
		case "/still.webp":
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		_, _ = w.Write([]byte("bytes of " + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	m := NewMaterializer(fs, zerolog.Nop(), MaterializerOptions{BaseURL: "http://localhost:8080/static/", HTTPClient: srv.Client()})

	job := &domain.Job{ID: "job-1", Kind: domain.JobKindVideo}
	outputs, err := m.Materialize(context.Background(), job, []string{srv.URL + "/clip", srv.URL + "/still.webp"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"http://localhost:8080/static/generated/video/job-1/0.mp4",
		"http://localhost:8080/static/generated/video/job-1/1.webp",
	}, outputs)
	data, err := os.ReadFile(filepath.Join(dir, "generated", "video", "job-1", "0.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "bytes of /clip", string(data))
}

func TestMaterializeRejectsHostOutsideAllowlist(t *testing.T) {
	store := &countingStore{}
	m := NewMaterializer(store, zerolog.Nop(), MaterializerOptions{Allowlist: []string{"dashscope-result.oss.aliyuncs.com"}})

	_, err := m.Materialize(context.Background(), &domain.Job{ID: "j", Kind: domain.JobKindImage}, []string{"https://evil.example.com/a.png"})

	require.ErrorIs(t, err, domain.ErrMaterialization)
	assert.Empty(t, store.snapshot())
}

func TestMaterializeEnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	store := &countingStore{}
	m := NewMaterializer(store, zerolog.Nop(), MaterializerOptions{MaxBytes: 32, HTTPClient: srv.Client()})

	_, err := m.Materialize(context.Background(), &domain.Job{ID: "j", Kind: domain.JobKindImage}, []string{srv.URL + "/big.png"})

	require.ErrorIs(t, err, domain.ErrMaterialization)
	assert.Empty(t, store.snapshot())
}

func TestHostAllowedMatchesSubdomains(t *testing.T) {
	m := &Materializer{allowlist: []string{"fal.media"}}

	assert.True(t, m.hostAllowed("fal.media"))
	assert.True(t, m.hostAllowed("v3.FAL.media"))
	assert.False(t, m.hostAllowed("notfal.media"))
}
