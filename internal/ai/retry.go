package ai

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy retries an operation for failures matching ShouldRetry, with
// exponential backoff between attempts. It exists as a value so the live
// orchestrator (single retry on malformed output) and the batch translation
// tool (more attempts, longer backoff) share one tested mechanism.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	ShouldRetry func(error) bool
}

// TextStepPolicy is the live-session policy: one retry, only for
// malformed_ai_response, short backoff to keep turn latency down.
func TextStepPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: 250 * time.Millisecond, ShouldRetry: Retryable}
}

// BatchPolicy is the offline policy used by the translation tool, where
// latency is cheap and transient provider errors are worth riding out.
func BatchPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Backoff:     2 * time.Second,
		ShouldRetry: func(err error) bool {
			code := CodeOf(err)
			return code == CodeAIError || code == CodeMalformedResponse
		},
	}
}

// Do runs f until it succeeds, exhausts the attempt budget, or fails with a
// non-retryable error. Classification of the returned error is preserved
// through any retry wrapping.
func (p RetryPolicy) Do(ctx context.Context, f func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if p.ShouldRetry != nil && p.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
