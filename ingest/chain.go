package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Step is one strategy of an ordered fallback chain. It reports ok=false to
// let the next step try; an error is logged and also falls through, unless
// it was wrapped with Abort.
type Step[I, O any] struct {
	Name string
	Run  func(ctx context.Context, in I) (O, bool, error)
}

// FirstSuccess runs steps in order and returns the first successful result
// with the name of the step that produced it. ErrNoMatch when none did.
func FirstSuccess[I, O any](ctx context.Context, in I, steps ...Step[I, O]) (O, string, error) {
	var zero O
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		out, ok, err := step.Run(ctx, in)
		var abort *abortError
		if errors.As(err, &abort) {
			return zero, step.Name, abort.err
		}
		if err != nil {
			zap.L().Debug("ingest: strategy failed", zap.String("step", step.Name), zap.Error(err))
			continue
		}
		if ok {
			return out, step.Name, nil
		}
	}
	return zero, "", ErrNoMatch
}

type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }

func (e *abortError) Unwrap() error { return e.err }

// Abort marks a step failure that must stop the chain, e.g. the database
// being unavailable, so the caller can retry instead of treating it as a miss.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}
