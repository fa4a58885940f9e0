package domain

import (
	"errors"
	"testing"
)

func TestParseProviderRef(t *testing.T) {
	cases := []struct {
		raw     string
		want    ProviderRef
		wantErr bool
	}{
		{raw: "qwen:task-1", want: ProviderRef{Provider: "qwen", RequestID: "task-1"}},
		{raw: "falqueue:fal-ai/flux:abc", want: ProviderRef{Provider: "falqueue", RequestID: "fal-ai/flux:abc"}},
		{raw: "", want: ProviderRef{}},
		{raw: "qwen:", wantErr: true},
		{raw: ":abc", wantErr: true},
		{raw: "no-separator", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseProviderRef(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ParseProviderRef(%q) err = %v, want validation error", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseProviderRef(%q) unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseProviderRef(%q) = %#v, want %#v", tc.raw, got, tc.want)
		}
	}
}

func TestProviderRefsRoundTripKeepsEmptySlots(t *testing.T) {
	refs := []ProviderRef{{Provider: "qwen", RequestID: "a"}, {}, {Provider: "synthetic", RequestID: "c"}}
	encoded := EncodeProviderRefs(refs)
	if encoded[1] != "" {
		t.Fatalf("empty slot encoded as %q", encoded[1])
	}
	decoded, err := DecodeProviderRefs(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range refs {
		if decoded[i] != refs[i] {
			t.Fatalf("ref[%d] = %#v, want %#v", i, decoded[i], refs[i])
		}
	}
}

func TestJobStateCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateInQueue, JobStateInProgress, true},
		{JobStatePending, JobStateArtifactsReady, true},
		{JobStateInProgress, JobStateInQueue, false},
		{JobStateArtifactsReady, JobStateCompleted, true},
		{JobStateArtifactsReady, JobStateFailed, true},
		{JobStateCompleted, JobStateFailed, false},
		{JobStateFailed, JobStateInQueue, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobMissingRefs(t *testing.T) {
	job := &Job{
		RequestedCount: 5,
		ProviderRefs:   []ProviderRef{{Provider: "qwen", RequestID: "1"}, {}, {Provider: "qwen", RequestID: "3"}},
	}
	got := job.MissingRefs()
	want := []int{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("missing = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("missing = %v, want %v", got, want)
		}
	}
}
