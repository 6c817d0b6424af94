package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	llmmock "github.com/chatspeak/chatspeak/pkg/provider/llm/mock"
	severitymock "github.com/chatspeak/chatspeak/pkg/provider/severity/mock"
	sttmock "github.com/chatspeak/chatspeak/pkg/provider/stt/mock"
)

func TestChain_PrimarySucceeds(t *testing.T) {
	c := NewChain("primary-value", "primary", ChainConfig{})
	c.Add("fallback", "fallback-value")

	got, err := Run(c, func(v string) (string, error) {
		return v, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "primary-value" {
		t.Errorf("result = %q, want primary's", got)
	}
}

func TestChain_FallsBackOnFailure(t *testing.T) {
	c := NewChain("bad", "primary", ChainConfig{})
	c.Add("fallback", "good")

	got, err := Run(c, func(v string) (string, error) {
		if v == "bad" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "good" {
		t.Errorf("result = %q, want fallback's", got)
	}
}

func TestChain_AllFailed(t *testing.T) {
	c := NewChain("a", "primary", ChainConfig{})
	c.Add("fallback", "b")

	_, err := Run(c, func(string) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}

func TestChain_OpenBreakerSkipsEntry(t *testing.T) {
	cfg := ChainConfig{Breaker: BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}}
	c := NewChain("bad", "primary", cfg)
	c.Add("fallback", "good")

	// Trip the primary's breaker.
	if _, err := Run(c, func(v string) (string, error) {
		if v == "bad" {
			return "", errTest
		}
		return v, nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := 0
	got, err := Run(c, func(v string) (string, error) {
		calls++
		return v, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "good" || calls != 1 {
		t.Errorf("got %q after %d calls, want fallback only", got, calls)
	}
}

func TestLLMChain_Failover(t *testing.T) {
	primary := &llmmock.Provider{Err: errTest}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback reply"}}

	chain := NewLLMChain(primary, "primary", ChainConfig{})
	chain.AddFallback("backup", backup)

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "fallback reply" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), backup.CallCount())
	}
}

func TestSTTChain_Failover(t *testing.T) {
	primary := &sttmock.Transcriber{Err: errTest}
	backup := &sttmock.Transcriber{Transcript: "sun"}

	chain := NewSTTChain(primary, "primary", ChainConfig{})
	chain.AddFallback("backup", backup)

	got, err := chain.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got != "sun" {
		t.Errorf("transcript = %q, want sun", got)
	}
}

func TestGuardedClassifier_FailsFastWhenOpen(t *testing.T) {
	inner := &severitymock.Classifier{Err: errTest}
	g := NewGuardedClassifier(inner, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.Infer(ctx, "u1", []byte("audio")); err == nil {
			t.Fatal("expected error from failing classifier")
		}
	}

	_, err := g.Infer(ctx, "u1", []byte("audio"))
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	if inner.CallCount() != 2 {
		t.Errorf("inner calls = %d, want 2 (third rejected by breaker)", inner.CallCount())
	}
}
