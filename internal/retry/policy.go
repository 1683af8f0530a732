package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

const (
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxInterval     = 30 * time.Second
	DefaultAttempts        = 3
)

// Policy retries connection-class failures with exponential backoff. Auth and
// validation failures are returned on the first occurrence.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	Attempts        int
	Log             logr.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		MaxInterval:     DefaultMaxInterval,
		Attempts:        DefaultAttempts,
		Log:             logr.Discard(),
	}
}

// WithAttempts returns a copy bounded to n attempts.
func (p Policy) WithAttempts(n int) Policy {
	p.Attempts = n
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxInterval
	}
	b.RandomizationFactor = 0
	return b
}

// Do runs op until it succeeds, fails permanently, or runs out of attempts.
// Any returned error is a *Error.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	log := p.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		switch Classify(err) {
		case ClassAuth, ClassValidation:
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.V(1).Info("retrying", "class", Classify(err).String(), "wait", wait, "error", err.Error())
		}),
	)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return result, &Error{Class: ClassConnection, Err: ctxErr}
	}
	return result, Wrap(err)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
