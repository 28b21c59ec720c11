package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
)

const (
	defaultInitialDelay      = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultBackoffMultiplier = 2.0
)

// runWithRetry drives one action through its retry policy. Attempts count
// from 1 and include the first try; max_attempts=1 means no retry at all.
// retry_when / stop_when are condition templates evaluated against
// {attempt, success, error, data} after every attempt; stop_when wins over
// retry_when, and context cancellation wins over everything.
func runWithRetry(ctx context.Context, spec *playbook.RetrySpec, renderer *render.Renderer, log *logger.Logger, attemptFn func(attempt int) (any, error)) (any, int, error) {
	maxAttempts := 1
	if spec != nil && spec.MaxAttempts > 0 {
		maxAttempts = spec.MaxAttempts
	}
	for attempt := 1; ; attempt++ {
		result, err := attemptFn(attempt)

		rScope := map[string]any{
			"attempt": attempt,
			"success": err == nil,
			"data":    result,
			"error":   "",
		}
		if err != nil {
			rScope["error"] = err.Error()
		}

		if err == nil {
			// a retry_when can force re-attempts on a "successful" result
			// (e.g. an HTTP 200 carrying a retryable body)
			if spec != nil && spec.RetryWhen != "" && attempt < maxAttempts {
				again, evalErr := renderer.RenderBool(ctx, spec.RetryWhen, rScope)
				if evalErr != nil {
					log.Warn("retry_when evaluation failed", "error", evalErr)
					return result, attempt, nil
				}
				if again {
					if !sleepBackoff(ctx, spec, attempt) {
						return result, attempt, nil
					}
					continue
				}
			}
			return result, attempt, nil
		}

		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if spec != nil && spec.StopWhen != "" {
			stop, evalErr := renderer.RenderBool(ctx, spec.StopWhen, rScope)
			if evalErr != nil {
				log.Warn("stop_when evaluation failed", "error", evalErr)
				return nil, attempt, err
			}
			if stop {
				return nil, attempt, err
			}
		}
		if attempt >= maxAttempts {
			return nil, attempt, err
		}
		if spec != nil && spec.RetryWhen != "" {
			again, evalErr := renderer.RenderBool(ctx, spec.RetryWhen, rScope)
			if evalErr != nil {
				log.Warn("retry_when evaluation failed", "error", evalErr)
				return nil, attempt, err
			}
			if !again {
				return nil, attempt, err
			}
		}
		if !sleepBackoff(ctx, spec, attempt) {
			return nil, attempt, ctx.Err()
		}
	}
}

// sleepBackoff waits the full-jitter backoff delay for the given attempt.
// Returns false if the context was cancelled while waiting.
func sleepBackoff(ctx context.Context, spec *playbook.RetrySpec, attempt int) bool {
	delay := backoffDelay(spec, attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes the full-jitter delay: uniform in [0, base) where
// base is initial * multiplier^(attempt-1) clipped to max_delay.
func backoffDelay(spec *playbook.RetrySpec, attempt int) time.Duration {
	initial := defaultInitialDelay
	maxDelay := defaultMaxDelay
	multiplier := defaultBackoffMultiplier
	if spec != nil {
		if spec.InitialDelayMS > 0 {
			initial = time.Duration(spec.InitialDelayMS) * time.Millisecond
		}
		if spec.MaxDelayMS > 0 {
			maxDelay = time.Duration(spec.MaxDelayMS) * time.Millisecond
		}
		if spec.BackoffMultiplier > 0 {
			multiplier = spec.BackoffMultiplier
		}
	}
	base := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}
