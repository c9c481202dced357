package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constStep(name, out string, ok bool, err error, calls *[]string) Step[int, string] {
	return Step[int, string]{Name: name, Run: func(context.Context, int) (string, bool, error) {
		*calls = append(*calls, name)
		return out, ok, err
	}}
}

func TestFirstSuccessStopsAtFirstMatch(t *testing.T) {
	var calls []string
	out, name, err := FirstSuccess(context.Background(), 0,
		constStep("a", "", false, nil, &calls),
		constStep("b", "B", true, nil, &calls),
		constStep("c", "C", true, nil, &calls),
	)
	require.NoError(t, err)
	assert.Equal(t, "B", out)
	assert.Equal(t, "b", name)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestFirstSuccessErrorsFallThrough(t *testing.T) {
	var calls []string
	out, name, err := FirstSuccess(context.Background(), 0,
		constStep("a", "ignored", true, errors.New("boom"), &calls),
		constStep("b", "B", true, nil, &calls),
	)
	require.NoError(t, err)
	assert.Equal(t, "B", out)
	assert.Equal(t, "b", name)
}

func TestFirstSuccessNoMatch(t *testing.T) {
	var calls []string
	_, _, err := FirstSuccess(context.Background(), 0,
		constStep("a", "", false, nil, &calls),
	)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestFirstSuccessHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	_, _, err := FirstSuccess(ctx, 0, constStep("a", "A", true, nil, &calls))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestFirstSuccessAbortStopsChain(t *testing.T) {
	var calls []string
	cause := errors.New("db down")
	_, name, err := FirstSuccess(context.Background(), 0,
		constStep("a", "", false, Abort(cause), &calls),
		constStep("b", "B", true, nil, &calls),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, "a", name)
	assert.Equal(t, []string{"a"}, calls)
}
