package step

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Step is one named operation for Parallel.
type Step[T any] struct {
	Name    string
	Op      Operation[T]
	Options Options
}

// Parallel runs every step concurrently through Run and returns the values in
// input order. On the first failure it returns that error and nil results
// without waiting for the remaining steps; their metrics are still recorded
// when they finish. In-flight siblings keep ctx and are not cancelled.
func Parallel[T any](ctx context.Context, e *Executor, steps []Step[T]) ([]T, error) {
	if len(steps) == 0 {
		return []T{}, nil
	}

	var g errgroup.Group
	results := make([]T, len(steps))
	firstErr := make(chan error, 1)

	for i, s := range steps {
		g.Go(func() error {
			res, err := Run(ctx, e, s.Name, s.Op, s.Options)
			if err != nil {
				select {
				case firstErr <- err:
				default:
				}
				return err
			}
			results[i] = res.Value
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-firstErr:
		return nil, err
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}
