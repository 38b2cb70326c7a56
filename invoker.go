package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// InvokerConfig tunes how the invoker executes activity calls.
type InvokerConfig struct {
	// Timeout bounds a single call attempt. Zero means no deadline.
	Timeout time.Duration
	// MaxAttempts caps how many times a transient failure is retried before
	// being surfaced to the engine. Values below 1 are treated as 1.
	MaxAttempts int
	// RetryPause is the wait between attempts.
	RetryPause time.Duration
}

// Invoker executes one activity call and reports exactly one outcome for it.
//
// Delivery is at-least-once: transient transport failures may be retried
// transparently, but the caller receives a single result or a single failure
// per logical call, never both and never two different outcomes. Business
// failures are final on the first attempt.
type Invoker struct {
	registry *Registry
	config   InvokerConfig
	logger   zerolog.Logger
}

// NewInvoker creates a new Invoker over the given activity registry.
func NewInvoker(registry *Registry, config InvokerConfig, logger zerolog.Logger) *Invoker {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Invoker{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Invoke executes the named activity and resolves every possible outcome into
// either a result payload or a Failure. It never returns both.
func (iv *Invoker) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, *Failure) {
	activity, ok := iv.registry.Get(name)
	if !ok {
		return nil, &Failure{
			Kind:    FailureBusiness,
			Message: fmt.Sprintf("activity not registered: %s", name),
		}
	}

	var failure *Failure
	for attempt := 1; attempt <= iv.config.MaxAttempts; attempt++ {
		result, err := iv.attempt(ctx, activity, input)
		if err == nil {
			return result, nil
		}

		failure = iv.classify(name, err)
		if failure.Kind != FailureTransient {
			return nil, failure
		}

		iv.logger.Warn().
			Str("activity", name).
			Int("attempt", attempt).
			Str("error", failure.Message).
			Msg("transient activity failure")

		if attempt < iv.config.MaxAttempts && iv.config.RetryPause > 0 {
			select {
			case <-time.After(iv.config.RetryPause):
			case <-ctx.Done():
				return nil, NewTransientFailure(ctx.Err())
			}
		}
	}

	return nil, failure
}

// attempt runs a single bounded call.
func (iv *Invoker) attempt(ctx context.Context, activity Activity, input json.RawMessage) (json.RawMessage, error) {
	if iv.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, iv.config.Timeout)
		defer cancel()
	}
	return activity.Execute(ctx, input)
}

// classify maps an activity error onto the failure taxonomy. Activities
// signal domain rejections by returning a *Failure; anything else is assumed
// to be a transport problem and therefore retryable.
func (iv *Invoker) classify(name string, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutFailure(name)
	}
	return AsFailure(err)
}
