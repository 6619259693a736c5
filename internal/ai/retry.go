package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/config"
	"github.com/sethvargo/go-retry"
)

const minThinkingBudgetTokens = 1024

type attemptKind int

const (
	attemptOK attemptKind = iota
	attemptRetryable
	attemptFatal
)

type retryReason string

const (
	reasonThrottle retryReason = "throttle"
	reasonOverflow retryReason = "overflow"
)

// attempt is the tagged result of one model call.
type attempt struct {
	kind   attemptKind
	reason retryReason
	resp   ModelResponse
	err    error
}

// classifyAttempt is the only place that inspects errors to decide retry flow.
func classifyAttempt(resp ModelResponse, err error) attempt {
	switch {
	case err != nil && isThrottle(err):
		return attempt{kind: attemptRetryable, reason: reasonThrottle, err: err}
	case err != nil:
		return attempt{kind: attemptFatal, err: err}
	case resp.StopReason == StopMaxTokens:
		return attempt{kind: attemptRetryable, reason: reasonOverflow, resp: resp}
	default:
		return attempt{kind: attemptOK, resp: resp}
	}
}

// RetryPolicy wraps model calls with throttling backoff and output budget doubling.
type RetryPolicy struct {
	ThrottleBase        time.Duration
	ThrottleMax         time.Duration
	MaxThrottleAttempts int
	MaxOverflowRetries  int
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		ThrottleBase:        cfg.ThrottleBase,
		ThrottleMax:         cfg.ThrottleMax,
		MaxThrottleAttempts: cfg.MaxThrottleAttempts,
		MaxOverflowRetries:  cfg.MaxOverflowRetries,
	}
}

// outputBudget tracks overflow retries for one turn. The counter survives across model calls of
// the same turn, so later calls start with the widened budget.
type outputBudget struct {
	overflows int

	baseOutput int
	maxOutput  int

	thinking     bool
	thinkingBase int
}

func newOutputBudget(model config.AIProviderModel, thinking bool, thinkingBase int) *outputBudget {
	return &outputBudget{
		baseOutput:   model.BaseOutputTokens,
		maxOutput:    model.MaxOutputTokens,
		thinking:     thinking && model.SupportsThinking,
		thinkingBase: thinkingBase,
	}
}

func (b *outputBudget) maxOutputTokens() int {
	v := shiftCapped(b.baseOutput, b.overflows, b.maxOutput)
	if v <= 0 {
		return b.maxOutput
	}
	return v
}

// thinkingTokens is zero when thinking is off. Otherwise it is at least 1024 and strictly less than
// the output budget; zero again when that is impossible.
func (b *outputBudget) thinkingTokens() int {
	if !b.thinking {
		return 0
	}
	limit := b.maxOutputTokens() - 1
	v := shiftCapped(b.thinkingBase, b.overflows, limit)
	if v < minThinkingBudgetTokens {
		v = minThinkingBudgetTokens
	}
	if v > limit {
		return 0
	}
	return v
}

func shiftCapped(base int, shift int, limit int) int {
	v := base
	for i := 0; i < shift && (limit <= 0 || v < limit); i++ {
		v <<= 1
	}
	if limit > 0 && v > limit {
		v = limit
	}
	return v
}

// Call invokes provider until it produces a response that is neither throttled nor truncated.
func (p RetryPolicy) Call(ctx context.Context, log *slog.Logger, provider Provider, req ModelRequest, budget *outputBudget) (ModelResponse, error) {
	if log == nil {
		log = slog.Default()
	}
	for {
		req.MaxOutputTokens = budget.maxOutputTokens()
		req.ThinkingBudgetTokens = budget.thinkingTokens()

		a := p.callWithBackoff(ctx, log, provider, req)
		switch a.kind {
		case attemptOK:
			return a.resp, nil
		case attemptFatal:
			return ModelResponse{}, a.err
		}

		// Throttling is absorbed by callWithBackoff; only overflow reaches here.
		budget.overflows++
		if budget.overflows > p.MaxOverflowRetries {
			return ModelResponse{}, fmt.Errorf("%w: gave up after %d retries", ErrOutputOverflow, p.MaxOverflowRetries)
		}
		log.Info("model output truncated; widening output budget",
			"attempt", budget.overflows,
			"max_output_tokens", budget.maxOutputTokens(),
			"thinking_budget_tokens", budget.thinkingTokens(),
		)
	}
}

func (p RetryPolicy) callWithBackoff(ctx context.Context, log *slog.Logger, provider Provider, req ModelRequest) attempt {
	base := p.ThrottleBase
	if base <= 0 {
		base = time.Second
	}
	maxAttempts := p.MaxThrottleAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := retry.NewExponential(base)
	if p.ThrottleMax > 0 {
		b = retry.WithCappedDuration(p.ThrottleMax, b)
	}
	b = retry.WithMaxRetries(uint64(maxAttempts-1), b)

	var last attempt
	n := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		n++
		last = classifyAttempt(provider.Call(ctx, req))
		switch {
		case last.kind == attemptRetryable && last.reason == reasonThrottle:
			log.Warn("model call throttled", "attempt", n, "error", last.err)
			return retry.RetryableError(last.err)
		case last.kind == attemptFatal:
			return last.err
		default:
			return nil
		}
	})
	if err != nil {
		return attempt{kind: attemptFatal, err: err}
	}
	return last
}
