package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// JobState enumerates job lifecycle states.
type JobState string

const (
	JobStateDraft          JobState = "DRAFT"
	JobStatePending        JobState = "PENDING"
	JobStateInQueue        JobState = "IN_QUEUE"
	JobStateInProgress     JobState = "IN_PROGRESS"
	JobStateArtifactsReady JobState = "ARTIFACTS_READY"
	JobStateCompleted      JobState = "COMPLETED"
	JobStateFailed         JobState = "FAILED"
)

// Terminal reports whether no automatic transition may leave the state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Open reports whether the poller should still observe jobs in this state.
func (s JobState) Open() bool {
	switch s {
	case JobStatePending, JobStateInQueue, JobStateInProgress, JobStateArtifactsReady:
		return true
	default:
		return false
	}
}

// Pollable reports whether the job still waits on its provider.
func (s JobState) Pollable() bool {
	return s == JobStatePending || s == JobStateInQueue || s == JobStateInProgress
}

// rank orders the non-terminal states so transitions can be checked for monotonicity.
func (s JobState) rank() int {
	switch s {
	case JobStateDraft:
		return 0
	case JobStatePending:
		return 1
	case JobStateInQueue:
		return 2
	case JobStateInProgress:
		return 3
	case JobStateArtifactsReady:
		return 4
	case JobStateCompleted, JobStateFailed:
		return 5
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the state machine
// monotonic. Reviving a FAILED job is only done by Retry and is not covered here.
func (s JobState) CanAdvanceTo(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == JobStateFailed {
		return true
	}
	return next.rank() > s.rank()
}

// ProviderRef identifies one unit of work at an external generation service.
type ProviderRef struct {
	Provider  string
	RequestID string
}

// String encodes the ref as "{provider}:{requestId}".
func (r ProviderRef) String() string {
	return r.Provider + ":" + r.RequestID
}

// IsZero reports whether the ref has not been assigned.
func (r ProviderRef) IsZero() bool {
	return r.Provider == "" && r.RequestID == ""
}

// ParseProviderRef decodes a "{provider}:{requestId}" string. Provider names never
// contain a colon so the split happens at the first one; request ids may contain more.
func ParseProviderRef(raw string) (ProviderRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProviderRef{}, nil
	}
	provider, requestID, ok := strings.Cut(raw, ":")
	if !ok || provider == "" || requestID == "" {
		return ProviderRef{}, fmt.Errorf("%w: malformed provider ref %q", ErrValidation, raw)
	}
	return ProviderRef{Provider: provider, RequestID: requestID}, nil
}

// EncodeProviderRefs renders refs for the single text[] column. Unassigned slots are
// stored as empty strings so indexes stay aligned with sub-items.
func EncodeProviderRefs(refs []ProviderRef) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		if ref.IsZero() {
			continue
		}
		out[i] = ref.String()
	}
	return out
}

// DecodeProviderRefs is the inverse of EncodeProviderRefs.
func DecodeProviderRefs(raw []string) ([]ProviderRef, error) {
	out := make([]ProviderRef, len(raw))
	for i, item := range raw {
		ref, err := ParseProviderRef(item)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

// Job encapsulates the lifecycle of a batch of image/video generations.
type Job struct {
	ID             string
	OwnerID        string
	Kind           JobKind
	State          JobState
	Params         []byte
	ProviderRefs   []ProviderRef
	RequestedCount int
	TransientURLs  []string
	Outputs        []string
	ErrorReason    string
	CreditsCharged int64
	IdleCycles     int
	// ProgressAt is when the job last entered a new state. The idle timeout
	// counts from here.
	ProgressAt     time.Time
	ClaimedBy      string
	ClaimedAt      *time.Time
	SettledAt      *time.Time
	ArchivedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Settled reports whether the settled guard has been claimed for the job.
func (j *Job) Settled() bool {
	return j.SettledAt != nil
}

// Archived reports whether the job was refunded and archived.
func (j *Job) Archived() bool {
	return j.ArchivedAt != nil
}

// MissingRefs returns the indexes of sub-items that have no provider ref yet.
func (j *Job) MissingRefs() []int {
	var missing []int
	for i := 0; i < j.RequestedCount; i++ {
		if i >= len(j.ProviderRefs) || j.ProviderRefs[i].IsZero() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clone returns a deep copy so callers can mutate slices without aliasing store state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = append([]byte(nil), j.Params...)
	c.ProviderRefs = append([]ProviderRef(nil), j.ProviderRefs...)
	c.TransientURLs = append([]string(nil), j.TransientURLs...)
	c.Outputs = append([]string(nil), j.Outputs...)
	c.ClaimedAt = copyTime(j.ClaimedAt)
	c.SettledAt = copyTime(j.SettledAt)
	c.ArchivedAt = copyTime(j.ArchivedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

