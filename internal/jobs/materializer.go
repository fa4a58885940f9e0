package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/observability"
)

// ObjectStore persists artifact bytes under a key. storage.FileStore implements it.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

const defaultMaxArtifactBytes = 256 << 20

// Materializer copies provider-hosted artifacts into durable storage.
type Materializer struct {
	store     ObjectStore
	client    *http.Client
	baseURL   string
	maxBytes  int64
	allowlist []string
	logger    infra.Logger
	metrics   *observability.Metrics
}

type MaterializerOptions struct {
	// BaseURL prefixes every storage key in the returned durable URLs.
	BaseURL string
	// MaxBytes caps a single download; zero means 256 MiB.
	MaxBytes int64
	// Allowlist limits source hosts. A host matches an entry equal to it or any
	// subdomain of it. Empty allows every host.
	Allowlist  []string
	HTTPClient *http.Client
	Metrics    *observability.Metrics
}

func NewMaterializer(store ObjectStore, logger infra.Logger, opts MaterializerOptions) *Materializer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxArtifactBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Materializer{
		store:     store,
		client:    opts.HTTPClient,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		maxBytes:  opts.MaxBytes,
		allowlist: opts.Allowlist,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Materialize downloads every url in order and returns the durable URLs. Either
// every artifact is stored or an error matching ErrMaterialization is returned.
// Keys are deterministic so a later attempt overwrites partial output.
func (m *Materializer) Materialize(ctx context.Context, job *domain.Job, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no artifact urls", domain.ErrMaterialization)
	}
	outputs := make([]string, 0, len(urls))
	for i, raw := range urls {
		data, contentType, err := m.download(ctx, raw)
		if err != nil {
			m.metrics.Artifact("download_failed")
			return nil, fmt.Errorf("%w: artifact %d: %w", domain.ErrMaterialization, i, err)
		}
		key := ArtifactKey(job.Kind, job.ID, i, extensionFor(job.Kind, contentType, raw))
		if _, err := m.store.Write(ctx, key, data); err != nil {
			m.metrics.Artifact("store_failed")
			return nil, fmt.Errorf("%w: store artifact %d: %w", domain.ErrMaterialization, i, err)
		}
		m.metrics.Artifact("stored")
		outputs = append(outputs, m.baseURL+"/"+key)
	}
	m.logger.Info().Str("job_id", job.ID).Int("artifacts", len(outputs)).Msg("materializer: stored artifacts")
	return outputs, nil
}

// ArtifactKey is the storage key of the index-th artifact of a job.
func ArtifactKey(kind domain.JobKind, jobID string, index int, ext string) string {
	return fmt.Sprintf("generated/%s/%s/%d%s", kind, jobID, index, ext)
}

func (m *Materializer) download(ctx context.Context, raw string) ([]byte, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !m.hostAllowed(u.Hostname()) {
		return nil, "", fmt.Errorf("host %q is not allowlisted", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	if resp.ContentLength > m.maxBytes {
		return nil, "", errTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > m.maxBytes {
		return nil, "", errTooLarge
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty artifact")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var errTooLarge = errors.New("artifact exceeds size limit")

func (m *Materializer) hostAllowed(host string) bool {
	if len(m.allowlist) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range m.allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

var extByContentType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

func extensionFor(kind domain.JobKind, contentType, raw string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByContentType[mediaType]; ok {
			return ext
		}
	}
	if u, err := url.Parse(raw); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		for _, known := range extByContentType {
			if ext == known {
				return ext
			}
		}
	}
	if kind == domain.JobKindVideo {
		return ".mp4"
	}
	return ".png"
}
