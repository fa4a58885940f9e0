// Package providers normalizes external generation queues behind one Adapter
// contract and routes job kinds to a default provider.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"genledger/internal/domain"
)

// Status is the normalized state of one provider request.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
)

// PollResult is what an adapter observed for one request. URLs are set only for
// READY and may still be empty when the provider lags its own readiness flag.
type PollResult struct {
	Status Status
	URLs   []string
	Reason string
}

// Adapter is a single external generation service. Poll must be side-effect free.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, kind domain.JobKind, payload []byte) (string, error)
	Poll(ctx context.Context, requestID string) (PollResult, error)
}

// Submitter and Poller are the subsets the job engine depends on.
type Submitter interface {
	Submit(ctx context.Context, kind domain.JobKind, payload []byte) (domain.ProviderRef, error)
}

type Poller interface {
	Poll(ctx context.Context, ref domain.ProviderRef) (PollResult, error)
}

// Registry maps provider names to adapters and job kinds to their default provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	kinds    map[domain.JobKind]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		kinds:    make(map[domain.JobKind]string),
	}
}

// Register adds an adapter under its Name. Names must not contain a colon
// because refs are split at the first one.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("providers: invalid adapter name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// Route makes provider the default for kind.
func (r *Registry) Route(kind domain.JobKind, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[provider]; !ok {
		return fmt.Errorf("providers: unknown provider %q for kind %s", provider, kind)
	}
	r.kinds[kind] = provider
	return nil
}

// Supports reports whether a provider is routed for kind.
func (r *Registry) Supports(kind domain.JobKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// ProviderFor returns the provider routed for kind, or "" when none is.
func (r *Registry) ProviderFor(kind domain.JobKind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[kind]
}

// Kinds lists routed kinds in a stable order.
func (r *Registry) Kinds() []domain.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.JobKind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrProviderRejected, name)
	}
	return a, nil
}

// Submit dispatches one sub-item to the kind's default provider.
func (r *Registry) Submit(ctx context.Context, kind domain.JobKind, payload []byte) (domain.ProviderRef, error) {
	r.mu.RLock()
	name, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return domain.ProviderRef{}, domain.Validationf("unsupported job kind %q", kind)
	}
	a, err := r.lookup(name)
	if err != nil {
		return domain.ProviderRef{}, err
	}
	requestID, err := a.Submit(ctx, kind, payload)
	if err != nil {
		return domain.ProviderRef{}, err
	}
	if requestID == "" {
		return domain.ProviderRef{}, fmt.Errorf("%w: %s returned empty request id", domain.ErrProviderUnavailable, name)
	}
	return domain.ProviderRef{Provider: name, RequestID: requestID}, nil
}

// Poll reads the status of ref from the adapter that issued it.
func (r *Registry) Poll(ctx context.Context, ref domain.ProviderRef) (PollResult, error) {
	a, err := r.lookup(ref.Provider)
	if err != nil {
		return PollResult{}, err
	}
	return a.Poll(ctx, ref.RequestID)
}

var (
	_ Submitter = (*Registry)(nil)
	_ Poller    = (*Registry)(nil)
)
