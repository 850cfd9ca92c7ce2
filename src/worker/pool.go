package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many per-region jobs of one run are in flight.
type Pool struct {
	size int
}

// New creates a pool. Size defaults to NumCPU when size<=0.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Map runs fn for every element of in with at most p.Size() calls in flight
// and returns the results in input order, whatever order they complete in.
// fn must report failures in its result; Map never stops early except that
// jobs not yet started are skipped once ctx is done, leaving their zero value.
func Map[T, R any](ctx context.Context, p *Pool, in []T, fn func(ctx context.Context, i int, v T) R) []R {
	out := make([]R, len(in))
	if len(in) == 0 {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i, v := range in {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out[i] = fn(gctx, i, v)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
