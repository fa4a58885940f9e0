// Package synthetic is a local provider for development and tests. Requests
// become ready after a fixed number of polls and point at URLs served by the
// adapter's own file handler.
package synthetic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"genledger/internal/domain"
	"genledger/internal/providers"
)

const Name = "synthetic"

// Options tunes the simulated lifecycle.
type Options struct {
	// ArtifactBaseURL prefixes the transient URLs returned when ready.
	ArtifactBaseURL string
	// PollsUntilRunning and PollsUntilReady count Poll calls per request.
	PollsUntilRunning int
	PollsUntilReady   int
	// FailPrompt marks any request whose prompt contains it as failed.
	FailPrompt string
}

type request struct {
	kind   domain.JobKind
	polls  int
	failed bool
}

type Adapter struct {
	opts Options

	mu       sync.Mutex
	requests map[string]*request
	submits  int
}

func New(opts Options) *Adapter {
	if opts.PollsUntilReady <= 0 {
		opts.PollsUntilReady = 2
	}
	if opts.PollsUntilRunning <= 0 || opts.PollsUntilRunning > opts.PollsUntilReady {
		opts.PollsUntilRunning = 1
	}
	opts.ArtifactBaseURL = strings.TrimRight(opts.ArtifactBaseURL, "/")
	return &Adapter{opts: opts, requests: make(map[string]*request)}
}

func (a *Adapter) Name() string {
	return Name
}

func (a *Adapter) Submit(_ context.Context, kind domain.JobKind, payload []byte) (string, error) {
	id := uuid.NewString()
	failed := a.opts.FailPrompt != "" && strings.Contains(string(payload), a.opts.FailPrompt)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests[id] = &request{kind: kind, failed: failed}
	a.submits++
	return id, nil
}

func (a *Adapter) Poll(_ context.Context, requestID string) (providers.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[requestID]
	if !ok {
		return providers.PollResult{}, providers.Rejected(Name, "unknown request "+requestID)
	}
	req.polls++
	switch {
	case req.failed && req.polls >= a.opts.PollsUntilRunning:
		return providers.PollResult{Status: providers.StatusFailed, Reason: "synthetic failure"}, nil
	case req.polls >= a.opts.PollsUntilReady:
		return providers.PollResult{Status: providers.StatusReady, URLs: []string{a.artifactURL(requestID, req.kind)}}, nil
	case req.polls >= a.opts.PollsUntilRunning:
		return providers.PollResult{Status: providers.StatusRunning}, nil
	default:
		return providers.PollResult{Status: providers.StatusQueued}, nil
	}
}

// Submits reports how many requests were accepted.
func (a *Adapter) Submits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

func (a *Adapter) artifactURL(requestID string, kind domain.JobKind) string {
	ext := ".png"
	if kind == domain.JobKindVideo {
		ext = ".mp4"
	}
	return fmt.Sprintf("%s/%s%s", a.opts.ArtifactBaseURL, requestID, ext)
}

var _ providers.Adapter = (*Adapter)(nil)
