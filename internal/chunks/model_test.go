package chunks

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusReady, true},
		{StatusReady, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusDraft, true},
		{StatusDraft, StatusQueued, false},
		{StatusQueued, StatusCompleted, false},
		{StatusCompleted, StatusDraft, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusReady, StatusReady, false},
		{StatusFailed, StatusReady, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCheckTransitionReturnsTypedError(t *testing.T) {
	err := CheckTransition("c1", StatusCompleted, StatusQueued)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var typed *InvalidTransitionError
	if !errors.As(err, &typed) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if typed.From != StatusCompleted || typed.To != StatusQueued || typed.ChunkID != "c1" {
		t.Fatalf("unexpected error fields: %+v", typed)
	}
}

func TestCountWords(t *testing.T) {
	if got := CountWords("  uno due\n\ttre  "); got != 3 {
		t.Fatalf("expected 3 words, got %d", got)
	}
	if got := CountWords(""); got != 0 {
		t.Fatalf("expected 0 words, got %d", got)
	}
}
