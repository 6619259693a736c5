package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
)

type providerFunc func(ctx context.Context, req ModelRequest) (ModelResponse, error)

func (f providerFunc) Call(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	return f(ctx, req)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		ThrottleBase:        time.Millisecond,
		ThrottleMax:         2 * time.Millisecond,
		MaxThrottleAttempts: 100,
		MaxOverflowRetries:  5,
	}
}

func TestRetryPolicy_OverflowRetriesAreBounded(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var budgets []int
	p := providerFunc(func(_ context.Context, req ModelRequest) (ModelResponse, error) {
		mu.Lock()
		budgets = append(budgets, req.MaxOutputTokens)
		mu.Unlock()
		return ModelResponse{StopReason: StopMaxTokens}, nil
	})
	budget := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 1000, MaxOutputTokens: 10000}, false, 0)

	_, err := fastPolicy().Call(context.Background(), discardLogger(), p, ModelRequest{Model: "m"}, budget)
	if !errors.Is(err, ErrOutputOverflow) {
		t.Fatalf("err=%v, want ErrOutputOverflow", err)
	}
	want := []int{1000, 2000, 4000, 8000, 10000, 10000}
	if len(budgets) != len(want) {
		t.Fatalf("calls=%d, want %d (%v)", len(budgets), len(want), budgets)
	}
	for i := range want {
		if budgets[i] != want[i] {
			t.Fatalf("budgets=%v, want %v", budgets, want)
		}
	}
}

func TestRetryPolicy_OverflowThenSuccessKeepsWidenedBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	p := providerFunc(func(_ context.Context, req ModelRequest) (ModelResponse, error) {
		calls++
		if calls == 1 {
			return ModelResponse{StopReason: StopMaxTokens}, nil
		}
		return ModelResponse{StopReason: StopEndTurn, Content: []conversation.ContentBlock{conversation.TextBlock{Text: "ok"}}}, nil
	})
	budget := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 1000, MaxOutputTokens: 10000}, false, 0)
	resp, err := fastPolicy().Call(context.Background(), discardLogger(), p, ModelRequest{Model: "m"}, budget)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.StopReason != StopEndTurn || calls != 2 {
		t.Fatalf("stop=%q calls=%d", resp.StopReason, calls)
	}
	if got := budget.maxOutputTokens(); got != 2000 {
		t.Fatalf("maxOutputTokens=%d, want 2000 for the rest of the turn", got)
	}
}

func TestRetryPolicy_ThrottleIsRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	p := providerFunc(func(_ context.Context, _ ModelRequest) (ModelResponse, error) {
		calls++
		if calls < 3 {
			return ModelResponse{}, &ProviderError{Provider: "fake", StatusCode: 429, Message: "rate_limit_error"}
		}
		return ModelResponse{StopReason: StopEndTurn}, nil
	})
	budget := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 100, MaxOutputTokens: 1000}, false, 0)
	if _, err := fastPolicy().Call(context.Background(), discardLogger(), p, ModelRequest{}, budget); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	if budget.overflows != 0 {
		t.Fatalf("throttling must not count as overflow")
	}
}

func TestRetryPolicy_ThrottleAttemptsExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	p := providerFunc(func(_ context.Context, _ ModelRequest) (ModelResponse, error) {
		calls++
		return ModelResponse{}, &ProviderError{Provider: "fake", StatusCode: 529, Message: "overloaded_error"}
	})
	policy := fastPolicy()
	policy.MaxThrottleAttempts = 4
	budget := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 100, MaxOutputTokens: 1000}, false, 0)
	_, err := policy.Call(context.Background(), discardLogger(), p, ModelRequest{}, budget)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 529 {
		t.Fatalf("err=%v, want the provider error", err)
	}
	if calls != 4 {
		t.Fatalf("calls=%d, want 4", calls)
	}
}

func TestRetryPolicy_FatalErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	for _, fatal := range []error{
		&ProviderError{Provider: "fake", StatusCode: 400, Message: "invalid_request_error"},
		errors.New("nil pointer in request builder"),
		context.Canceled,
	} {
		calls := 0
		p := providerFunc(func(_ context.Context, _ ModelRequest) (ModelResponse, error) {
			calls++
			return ModelResponse{}, fatal
		})
		budget := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 100, MaxOutputTokens: 1000}, false, 0)
		if _, err := fastPolicy().Call(context.Background(), discardLogger(), p, ModelRequest{}, budget); err == nil {
			t.Fatalf("%v: expected error", fatal)
		}
		if calls != 1 {
			t.Fatalf("%v: calls=%d, want 1", fatal, calls)
		}
	}
}

func TestClassifyAttempt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		resp   ModelResponse
		err    error
		kind   attemptKind
		reason retryReason
	}{
		{"ok", ModelResponse{StopReason: StopEndTurn}, nil, attemptOK, ""},
		{"tool use", ModelResponse{StopReason: StopToolUse}, nil, attemptOK, ""},
		{"overflow", ModelResponse{StopReason: StopMaxTokens}, nil, attemptRetryable, reasonOverflow},
		{"429", ModelResponse{}, &ProviderError{StatusCode: 429}, attemptRetryable, reasonThrottle},
		{"503", ModelResponse{}, &ProviderError{StatusCode: 503}, attemptRetryable, reasonThrottle},
		{"overloaded body", ModelResponse{}, &ProviderError{StatusCode: 500, Message: `{"type":"overloaded_error"}`}, attemptRetryable, reasonThrottle},
		{"400", ModelResponse{}, &ProviderError{StatusCode: 400}, attemptFatal, ""},
		{"deadline", ModelResponse{}, context.DeadlineExceeded, attemptFatal, ""},
	}
	for _, tc := range cases {
		got := classifyAttempt(tc.resp, tc.err)
		if got.kind != tc.kind || got.reason != tc.reason {
			t.Fatalf("%s: kind=%v reason=%q, want %v %q", tc.name, got.kind, got.reason, tc.kind, tc.reason)
		}
	}
}

func TestOutputBudget_Thinking(t *testing.T) {
	t.Parallel()

	model := config.AIProviderModel{BaseOutputTokens: 8192, MaxOutputTokens: 64000, SupportsThinking: true}
	b := newOutputBudget(model, true, 4096)
	if got := b.thinkingTokens(); got != 4096 {
		t.Fatalf("thinking=%d, want 4096", got)
	}
	b.overflows = 2
	if got := b.thinkingTokens(); got != 16384 {
		t.Fatalf("thinking=%d, want 16384", got)
	}
	b.overflows = 5
	if out, th := b.maxOutputTokens(), b.thinkingTokens(); th >= out || th < minThinkingBudgetTokens {
		t.Fatalf("thinking=%d out=%d, want 1024 <= thinking < out", th, out)
	}

	if got := newOutputBudget(model, false, 4096).thinkingTokens(); got != 0 {
		t.Fatalf("thinking without keyword=%d, want 0", got)
	}
	model.SupportsThinking = false
	if got := newOutputBudget(model, true, 4096).thinkingTokens(); got != 0 {
		t.Fatalf("thinking on unsupported model=%d, want 0", got)
	}
	small := config.AIProviderModel{BaseOutputTokens: 1024, MaxOutputTokens: 1024, SupportsThinking: true}
	if got := newOutputBudget(small, true, 512).thinkingTokens(); got != 0 {
		t.Fatalf("thinking=%d, want 0 when it cannot fit under the output budget", got)
	}
	tiny := newOutputBudget(config.AIProviderModel{BaseOutputTokens: 8192, MaxOutputTokens: 64000, SupportsThinking: true}, true, 100)
	if got := tiny.thinkingTokens(); got != minThinkingBudgetTokens {
		t.Fatalf("thinking=%d, want floor %d", got, minThinkingBudgetTokens)
	}
}
