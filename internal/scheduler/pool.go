package scheduler

import (
	"context"
	"errors"
	"sync"
)

// forEachLimit runs fn over items with at most workers in flight and joins
// every error. Items not yet started when ctx ends are skipped.
func forEachLimit[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}
	var (
		mu  sync.Mutex
		err error
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, workers)
	for _, item := range items {
		select {
		case <-ctx.Done():
			wg.Wait()
			return errors.Join(err, ctx.Err())
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			if e := fn(ctx, item); e != nil {
				mu.Lock()
				err = errors.Join(err, e)
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()
	return err
}
