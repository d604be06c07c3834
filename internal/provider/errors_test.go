package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{errors.New("connection reset by peer"), KindTransient},
		{errors.New("429 Too Many Requests: rate limit exceeded"), KindTransient},
		{errors.New("503 Service Unavailable"), KindTransient},
		{errors.New("overloaded_error: try again"), KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{errors.New("prompt is too long: 250000 tokens > maximum context"), KindOverflow},
		{errors.New("input length exceeds context window"), KindOverflow},
		{errors.New("401 Unauthorized: invalid api key"), KindAuth},
		{errors.New("something else entirely"), KindFatal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%q) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestKindOfRespectsWrappedKind(t *testing.T) {
	base := NewError(KindOverflow, errors.New("custom provider overflow"))
	wrapped := fmt.Errorf("request failed: %w", base)
	if got := KindOf(wrapped); got != KindOverflow {
		t.Errorf("KindOf(wrapped) = %d, want overflow", got)
	}
	if KindOf(nil) != KindFatal {
		t.Error("KindOf(nil) must be fatal")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry("anthropic/claude-3-5-haiku-20241022")
	if _, err := r.Get("anthropic"); err == nil {
		t.Error("empty registry resolved a provider")
	}
	if _, err := r.DefaultModel(); err == nil {
		t.Error("empty registry produced a default model")
	}
}
