package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v int) Operation[int] {
	return func(context.Context) (int, error) { return v, nil }
}

func TestParallel_PreservesOrder(t *testing.T) {
	e := NewExecutor()
	steps := []Step[int]{
		{Name: "slow", Op: func(context.Context) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 1, nil
		}},
		{Name: "fast", Op: constant(2)},
		{Name: "medium", Op: func(context.Context) (int, error) {
			time.Sleep(5 * time.Millisecond)
			return 3, nil
		}},
	}

	got, err := Parallel(context.Background(), e, steps)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestParallel_Empty(t *testing.T) {
	got, err := Parallel[int](context.Background(), NewExecutor(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParallel_FirstErrorWins(t *testing.T) {
	e := NewExecutor()
	boom := errors.New("boom")
	release := make(chan struct{})
	defer close(release)

	steps := []Step[int]{
		{Name: "blocked", Op: func(context.Context) (int, error) {
			<-release
			return 1, nil
		}},
		{Name: "fails", Op: func(context.Context) (int, error) {
			return 0, NewFatalError(boom)
		}},
	}

	got, err := Parallel(context.Background(), e, steps)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, got, "does not wait for the blocked step")
}

func TestParallel_RecordsEveryStep(t *testing.T) {
	e, _, rec := newTestExecutor()
	steps := []Step[int]{
		{Name: "a", Op: constant(1), Options: Options{WorkflowID: "wf"}},
		{Name: "b", Op: constant(2), Options: Options{WorkflowID: "wf"}},
	}

	_, err := Parallel(context.Background(), e, steps)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, m := range rec.all() {
		names[m.Name] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, names)
}

func TestParallel_SiblingsKeepRunning(t *testing.T) {
	e := NewExecutor()
	sibling := make(chan error, 1)
	release := make(chan struct{})

	steps := []Step[int]{
		{Name: "sibling", Op: func(ctx context.Context) (int, error) {
			<-release
			sibling <- ctx.Err()
			return 1, nil
		}},
		{Name: "fails", Op: func(context.Context) (int, error) {
			return 0, NewFatalError(errors.New("boom"))
		}},
	}

	_, err := Parallel(context.Background(), e, steps)
	require.Error(t, err)

	close(release)
	select {
	case ctxErr := <-sibling:
		assert.NoError(t, ctxErr, "sibling context is not cancelled")
	case <-time.After(time.Second):
		t.Fatal("sibling never finished")
	}
}
