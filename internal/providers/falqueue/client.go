// Package falqueue talks to a fal.ai style queue API: submit returns a
// request id, status and result are read from per-request endpoints.
package falqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genledger/internal/domain"
	"genledger/internal/domain/jsoncfg"
	"genledger/internal/infra"
	"genledger/internal/providers"
)

const Name = "falqueue"

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type submitRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Duration       string `json:"duration,omitempty"`
	Seed           int    `json:"seed,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	NumImages      int    `json:"num_images,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type resultResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
	Detail any `json:"detail"`
}

func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://queue.fal.run"
	}
	model := strings.Trim(strings.TrimSpace(opts.Model), "/")
	if model == "" {
		return nil, errors.New("falqueue: model is required")
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string {
	return Name
}

// Submit enqueues one request on the configured model.
func (c *Client) Submit(ctx context.Context, kind domain.JobKind, payload []byte) (string, error) {
	if c.apiKey == "" {
		return "", providers.Rejected(Name, "api key is required")
	}
	params := jsoncfg.DecodeParams(payload)
	if params.Prompt == "" {
		return "", providers.Rejected(Name, "prompt is required")
	}
	req := submitRequest{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		AspectRatio:    params.AspectRatio,
		Seed:           params.Seed,
	}
	switch kind {
	case domain.JobKindVideo:
		if params.DurationSeconds > 0 {
			req.Duration = fmt.Sprintf("%d", params.DurationSeconds)
		}
		if len(params.References) > 0 {
			req.ImageURL = params.References[0]
		}
	case domain.JobKindImage:
		req.NumImages = 1
	default:
		return "", providers.Rejected(Name, fmt.Sprintf("unsupported kind %q", kind))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("falqueue: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("falqueue: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var decoded submitResponse
	if err := c.do(httpReq, &decoded); err != nil {
		return "", err
	}
	if decoded.RequestID == "" {
		return "", providers.Unavailable(Name, errors.New("empty request id"))
	}
	c.logger.Debug().Str("model", c.model).Str("request_id", decoded.RequestID).Msg("falqueue: request queued")
	return decoded.RequestID, nil
}

// Poll reads the request status and, once completed, its result.
func (c *Client) Poll(ctx context.Context, requestID string) (providers.PollResult, error) {
	base := c.baseURL + "/" + c.model + "/requests/" + url.PathEscape(requestID)

	var status statusResponse
	if err := c.get(ctx, base+"/status", &status); err != nil {
		return providers.PollResult{}, err
	}
	switch strings.ToUpper(status.Status) {
	case "IN_QUEUE":
		return providers.PollResult{Status: providers.StatusQueued}, nil
	case "IN_PROGRESS":
		return providers.PollResult{Status: providers.StatusRunning}, nil
	case "COMPLETED":
	default:
		return providers.PollResult{Status: providers.StatusQueued}, nil
	}
	if status.Error != "" {
		return providers.PollResult{Status: providers.StatusFailed, Reason: status.Error}, nil
	}

	var result resultResponse
	if err := c.get(ctx, base, &result); err != nil {
		if errors.Is(err, domain.ErrProviderRejected) {
			return providers.PollResult{Status: providers.StatusFailed, Reason: err.Error()}, nil
		}
		return providers.PollResult{}, err
	}
	var urls []string
	for _, img := range result.Images {
		if u := strings.TrimSpace(img.URL); u != "" {
			urls = append(urls, u)
		}
	}
	if u := strings.TrimSpace(result.Video.URL); u != "" {
		urls = append(urls, u)
	}
	return providers.PollResult{Status: providers.StatusReady, URLs: urls}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("falqueue: build request: %w", err)
	}
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Unavailable(Name, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.Unavailable(Name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return providers.ClassifyStatus(Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return providers.Unavailable(Name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ providers.Adapter = (*Client)(nil)
