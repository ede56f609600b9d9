package breadbot

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

// RetryPolicy bounds how many times, and how often, name generation is
// attempted for a single member.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultRetryMaxAttempts,
		InitialInterval: DefaultRetryInitialInterval,
		MaxInterval:     DefaultRetryMaxInterval,
		Multiplier:      DefaultRetryMultiplier,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(maxAttempts-1)),
		ctx,
	)
}

// GenerationExhaustedError is returned when every attempt allowed by
// the RetryPolicy failed. Err is the last attempt's error.
type GenerationExhaustedError struct {
	Attempts int
	Err      error
}

func (e *GenerationExhaustedError) Error() string {
	return fmt.Sprintf(
		"name generation failed after %d attempt(s): %s",
		e.Attempts,
		e.Err,
	)
}

func (e *GenerationExhaustedError) Unwrap() error {
	return e.Err
}

// generateWithRetry calls gen until it succeeds or the policy is
// exhausted. It returns the generated name and the number of attempts
// made. If ctx is cancelled, ctx.Err() is returned without further
// attempts.
func generateWithRetry(
	ctx context.Context,
	gen NameGenerator,
	policy RetryPolicy,
	logger *slog.Logger,
	displayName string,
) (string, int, error) {
	attempts := 0
	operation := func() (string, error) {
		attempts++
		name, err := gen.GenerateName(ctx, displayName)
		if err != nil && ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return name, err
	}
	notify := func(err error, next time.Duration) {
		logger.WarnContext(
			ctx,
			"name generation failed, retrying",
			"display_name", displayName,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"next_attempt_in", next,
			tint.Err(err),
		)
	}

	name, err := backoff.RetryNotifyWithData(operation, policy.backOff(ctx), notify)
	if err == nil {
		return name, attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", attempts, ctxErr
	}
	logger.ErrorContext(
		ctx,
		"name generation failed",
		"display_name", displayName,
		"attempts", attempts,
		tint.Err(err),
	)
	return "", attempts, &GenerationExhaustedError{Attempts: attempts, Err: err}
}
