package qwen

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

// Name is the provider prefix stored in job refs.
const Name = "qwen"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

// Options configures the DashScope client.
type Options struct {
	APIKey         string
	BaseURL        string
	ImageModel     string
	VideoModel     string
	PromptExtend   bool
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client submits DashScope asynchronous tasks and polls them by task id.
type Client struct {
	apiKey       string
	baseURL      string
	imageModel   string
	videoModel   string
	promptExtend bool
	watermark    bool
	httpClient   *http.Client
	logger       *infra.Logger
}

type taskRequest struct {
	Model      string     `json:"model"`
	Input      taskInput  `json:"input"`
	Parameters taskParams `json:"parameters"`
}

type taskInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	RefImageURL    string `json:"ref_img,omitempty"`
}

type taskParams struct {
	Size         string `json:"size,omitempty"`
	N            int    `json:"n,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	Seed         *int   `json:"seed,omitempty"`
	PromptExtend *bool  `json:"prompt_extend,omitempty"`
	Watermark    *bool  `json:"watermark,omitempty"`
}

type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
		VideoURL string `json:"video_url"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
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
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = "wanx2.1-t2i-turbo"
	}
	videoModel := strings.TrimSpace(opts.VideoModel)
	if videoModel == "" {
		videoModel = "wanx2.1-t2v-turbo"
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
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		imageModel:   imageModel,
		videoModel:   videoModel,
		promptExtend: opts.PromptExtend,
		watermark:    opts.Watermark,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

func (c *Client) Name() string {
	return Name
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit creates one asynchronous task producing a single artifact and returns its task id.
func (c *Client) Submit(ctx context.Context, kind domain.JobKind, payload []byte) (string, error) {
	if !c.HasCredentials() {
		return "", providers.Rejected(Name, ErrMissingAPIKey.Error())
	}
	params := jsoncfg.DecodeParams(payload)
	if params.Prompt == "" {
		return "", providers.Rejected(Name, "prompt is required")
	}

	req := taskRequest{
		Input: taskInput{Prompt: params.Prompt, NegativePrompt: params.NegativePrompt},
	}
	var endpoint string
	switch kind {
	case domain.JobKindImage:
		req.Model = c.imageModel
		req.Parameters = taskParams{Size: params.Size(), N: 1}
		endpoint = c.baseURL + "/services/aigc/text2image/image-synthesis"
	case domain.JobKindVideo:
		req.Model = c.videoModel
		req.Parameters = taskParams{Size: params.Size(), Duration: params.DurationSeconds}
		if len(params.References) > 0 {
			req.Input.RefImageURL = params.References[0]
		}
		endpoint = c.baseURL + "/services/aigc/video-generation/video-synthesis"
	default:
		return "", providers.Rejected(Name, fmt.Sprintf("unsupported kind %q", kind))
	}
	if params.Seed > 0 {
		seed := params.Seed
		req.Parameters.Seed = &seed
	}
	if extend := c.promptExtend; extend {
		req.Parameters.PromptExtend = &extend
	}
	watermark := c.watermark
	req.Parameters.Watermark = &watermark

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("qwen: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-DashScope-Async", "enable")

	decoded, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	if decoded.Output.TaskID == "" {
		return "", providers.Unavailable(Name, errors.New("empty task id"))
	}
	c.logger.Debug().
		Str("model", req.Model).
		Str("task_id", decoded.Output.TaskID).
		Str("request_id", decoded.RequestID).
		Msg("qwen: task submitted")
	return decoded.Output.TaskID, nil
}

// Poll reads the task status. It never mutates provider state.
func (c *Client) Poll(ctx context.Context, taskID string) (providers.PollResult, error) {
	if !c.HasCredentials() {
		return providers.PollResult{}, providers.Rejected(Name, ErrMissingAPIKey.Error())
	}
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.PollResult{}, fmt.Errorf("qwen: build request: %w", err)
	}
	decoded, err := c.do(httpReq)
	if err != nil {
		return providers.PollResult{}, err
	}
	return toPollResult(decoded), nil
}

func (c *Client) do(req *http.Request) (*taskResponse, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.Unavailable(Name, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, providers.Unavailable(Name, fmt.Errorf("read response: %w", err))
	}

	var decoded taskResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(raw))
		if decodeErr == nil && decoded.Message != "" {
			detail = fmt.Sprintf("%s (%s)", decoded.Message, decoded.Code)
		}
		return nil, providers.ClassifyStatus(Name, resp.StatusCode, detail)
	}
	if decodeErr != nil {
		return nil, providers.Unavailable(Name, fmt.Errorf("decode response: %w", decodeErr))
	}
	if decoded.Code != "" {
		return nil, providers.Rejected(Name, fmt.Sprintf("%s (%s)", decoded.Message, decoded.Code))
	}
	return &decoded, nil
}

func toPollResult(resp *taskResponse) providers.PollResult {
	switch strings.ToUpper(resp.Output.TaskStatus) {
	case "PENDING":
		return providers.PollResult{Status: providers.StatusQueued}
	case "RUNNING":
		return providers.PollResult{Status: providers.StatusRunning}
	case "SUCCEEDED":
		var urls []string
		for _, r := range resp.Output.Results {
			if u := strings.TrimSpace(r.URL); u != "" {
				urls = append(urls, u)
			}
		}
		if u := strings.TrimSpace(resp.Output.VideoURL); u != "" {
			urls = append(urls, u)
		}
		return providers.PollResult{Status: providers.StatusReady, URLs: urls}
	case "FAILED", "CANCELED":
		reason := resp.Output.Message
		if reason == "" {
			reason = "task " + strings.ToLower(resp.Output.TaskStatus)
		}
		if resp.Output.Code != "" {
			reason = fmt.Sprintf("%s (%s)", reason, resp.Output.Code)
		}
		return providers.PollResult{Status: providers.StatusFailed, Reason: reason}
	default:
		// UNKNOWN is returned for expired task ids; keep observing until the
		// idle timeout decides.
		return providers.PollResult{Status: providers.StatusQueued}
	}
}

var _ providers.Adapter = (*Client)(nil)
