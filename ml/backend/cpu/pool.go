// pool.go - bounded fork-join worker pool for the coarse data-parallel
// regions spec §5 describes. GroupedAttention and SGEMMAttention use it for
// panel packing over (B,H_kv) and for prefill tiles; the incremental kernel
// runs serially and does not use it. Grounded on golang.org/x/sync/errgroup + semaphore,
// both declared teacher dependencies.
package cpu

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type workerPool struct {
	size int
	sem  *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

// ForEach runs fn(i) for i in [0, n) across the pool's bounded concurrency,
// returning the first error encountered (if any). Iterations are assumed
// independent, per spec §5's "no inter-iteration dependencies".
func (p *workerPool) ForEach(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return fn(i)
		})
	}
	return g.Wait()
}

// ForEach2D runs fn(i,j) over the rectangular domain [0,ni)x[0,nj), flattened
// into a single fork-join region (used for the (B,H_kv) panel-packing region).
func (p *workerPool) ForEach2D(ni, nj int, fn func(i, j int) error) error {
	return p.ForEach(ni*nj, func(k int) error {
		return fn(k/nj, k%nj)
	})
}

// ForEach3D runs fn(i,j,k) over [0,ni)x[0,nj)x[0,nk), used for the
// (B,H_q,ceil(q_len/m_block)) prefill tile region.
func (p *workerPool) ForEach3D(ni, nj, nk int, fn func(i, j, k int) error) error {
	return p.ForEach(ni*nj*nk, func(idx int) error {
		i := idx / (nj * nk)
		rem := idx % (nj * nk)
		return fn(i, rem/nk, rem%nk)
	})
}
