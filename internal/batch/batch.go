package batch

import (
	"context"
	"fmt"
	"sync"
)

// Item is one unit of work. The ID keys the result; callers must not assume
// input/output alignment.
type Item[P any] struct {
	ID      string
	Payload P
}

// Result is the outcome for exactly one item. Err is non-nil for failure
// outcomes, including recovered panics.
type Result[R any] struct {
	ID    string
	Value R
	Err   error
}

// Options tunes a single batch run. The runner owns no persistent state.
type Options struct {
	// Workers bounds concurrency. Values below 1 are treated as 1.
	Workers int
	// OnProgress, when set, is called after every completed item with the
	// completed count and the total. Advisory only.
	OnProgress func(completed, total int)
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return 1
	}
	return o.Workers
}

// Run maps work over items with a shared-state worker pool and returns one
// result per item in completion order. The work function runs concurrently;
// any state it captures must be read-only or internally synchronized.
func Run[P, R any](ctx context.Context, items []Item[P], opts Options, work func(ctx context.Context, item Item[P]) (R, error)) []Result[R] {
	results, _ := runPool(ctx, items, opts, func(context.Context) (struct{}, error) { return struct{}{}, nil },
		func(ctx context.Context, _ struct{}, item Item[P]) (R, error) {
			return work(ctx, item)
		})
	return results
}

// RunIsolated maps work over items with an isolated-worker pool: each worker
// builds its own private state W via newWorker and never shares it. A
// newWorker failure is a fatal setup error and aborts the whole batch before
// any item is dispatched.
func RunIsolated[W, P, R any](
	ctx context.Context,
	items []Item[P],
	opts Options,
	newWorker func(ctx context.Context) (W, error),
	work func(ctx context.Context, w W, item Item[P]) (R, error),
) ([]Result[R], error) {
	return runPool(ctx, items, opts, newWorker, work)
}

func runPool[W, P, R any](
	ctx context.Context,
	items []Item[P],
	opts Options,
	newWorker func(ctx context.Context) (W, error),
	work func(ctx context.Context, w W, item Item[P]) (R, error),
) ([]Result[R], error) {
	workerCount := opts.workers()
	if workerCount > len(items) {
		workerCount = len(items)
	}
	if len(items) == 0 {
		return nil, nil
	}

	// Worker states are constructed up front so a failing factory aborts
	// before any item runs.
	states := make([]W, workerCount)
	for i := range states {
		w, err := newWorker(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to set up worker %d: %w", i, err)
		}
		states[i] = w
	}

	itemChan := make(chan Item[P])
	resultChan := make(chan Result[R])

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(w W) {
			defer wg.Done()
			for item := range itemChan {
				value, err := runOne(ctx, w, item, work)
				resultChan <- Result[R]{ID: item.ID, Value: value, Err: err}
			}
		}(states[i])
	}

	go func() {
		for _, item := range items {
			itemChan <- item
		}
		close(itemChan)
		wg.Wait()
		close(resultChan)
	}()

	results := make([]Result[R], 0, len(items))
	for result := range resultChan {
		results = append(results, result)
		if opts.OnProgress != nil {
			opts.OnProgress(len(results), len(items))
		}
	}
	return results, nil
}

// runOne executes work for a single item with the per-item fault boundary:
// a panic inside the work function becomes a failure outcome and never
// reaches the pool.
func runOne[W, P, R any](ctx context.Context, w W, item Item[P], work func(ctx context.Context, w W, item Item[P]) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work function panicked on item %s: %v", item.ID, r)
		}
	}()
	return work(ctx, w, item)
}
