package dispatch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrWorkerPanic marks an outcome whose worker panicked.
var ErrWorkerPanic = errors.New("worker panicked")

// Outcome is the terminal result of one item.
type Outcome[T, R any] struct {
	Index  int
	Item   T
	Result R
	Err    error
}

// RunBounded runs worker over items with at most window invocations in flight.
// Items are admitted in order, and a new item is admitted only when a slot
// frees. A failing or panicking worker does not affect its siblings.
//
// onDone, when set, is called once per item from the calling goroutine, one
// outcome at a time, in completion order. Callers can mutate shared state
// from it without locking. Once ctx is done, items not yet admitted complete
// with ctx's error without invoking worker.
//
// RunBounded returns after every item has an outcome.
func RunBounded[T, R any](
	ctx context.Context,
	items []T,
	window int,
	worker func(context.Context, T) (R, error),
	onDone func(Outcome[T, R]),
) []Outcome[T, R] {
	if window < 1 {
		window = 1
	}
	results := make(chan Outcome[T, R], len(items))

	go func() {
		var g errgroup.Group
		g.SetLimit(window)
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				results <- Outcome[T, R]{Index: i, Item: item, Err: err}
				continue
			}
			g.Go(func() error {
				results <- runOne(ctx, i, item, worker)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	outcomes := make([]Outcome[T, R], 0, len(items))
	for o := range results {
		if onDone != nil {
			onDone(o)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func runOne[T, R any](ctx context.Context, i int, item T, worker func(context.Context, T) (R, error)) (out Outcome[T, R]) {
	out.Index = i
	out.Item = item
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	out.Result, out.Err = worker(ctx, item)
	return out
}
