// bench.go - the "bench" subcommand: times prefill and incremental kernels
// across the shapes an operator would sanity-check before shipping a config
// change, printing a small table the way the teacher's own benchmark tools
// (cmd/vision-benchmark) print PrintResults-style output.
package main

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/7blacky7/attnengine/attention"
	"github.com/7blacky7/attnengine/envconfig"
	"github.com/7blacky7/attnengine/kvcache"
	"github.com/7blacky7/attnengine/ml"
	_ "github.com/7blacky7/attnengine/ml/backend/cpu"
)

func newBenchCmd() *cobra.Command {
	var (
		batch      int
		headsQ     int
		headsKV    int
		headDim    int
		prefillLen int
		steps      int
		threads    int
		quantize   bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time prefill and incremental attention for a given shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(benchOptions{
				batch:      batch,
				headsQ:     headsQ,
				headsKV:    headsKV,
				headDim:    headDim,
				prefillLen: prefillLen,
				steps:      steps,
				threads:    threads,
				quantize:   quantize,
			})
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 1, "batch size")
	cmd.Flags().IntVar(&headsQ, "heads-q", 32, "number of query heads")
	cmd.Flags().IntVar(&headsKV, "heads-kv", 8, "number of key/value heads")
	cmd.Flags().IntVar(&headDim, "head-dim", 128, "per-head dimension")
	cmd.Flags().IntVar(&prefillLen, "prefill-len", 512, "prefill sequence length")
	cmd.Flags().IntVar(&steps, "steps", 32, "number of incremental decode steps to time")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker pool size (0 = auto)")
	cmd.Flags().BoolVar(&quantize, "quantize", false, "use int8 KV-cache storage")

	return cmd
}

type benchOptions struct {
	batch, headsQ, headsKV, headDim, prefillLen, steps, threads int
	quantize                                                    bool
}

func runBench(opts benchOptions) error {
	backend, err := ml.NewBackend("cpu", ml.BackendParams{AllocMemory: true, NumThreads: opts.threads})
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer backend.Close()

	ctx := backend.NewContext()
	defer ctx.Close()

	cache := kvcache.NewCausalCache()
	precision := ml.DTypeF32
	if opts.quantize {
		precision = ml.DTypeI8
	}
	cache.SetConfig(ml.CacheConfig{CachePadding: 32, MaskDType: ml.DTypeF32, KVCachePrecision: precision})
	cache.Init(backend, ml.DTypeF32, opts.batch, opts.prefillLen)

	cfg := attention.Config{IsCausal: true, FuseConcat: true, KVCachePrecision: precision, ForceSGEMM: envconfig.ForceSGEMM()}

	q := randomTensor(ctx, opts.batch, opts.headsQ, opts.prefillLen, opts.headDim)
	k := randomTensor(ctx, opts.batch, opts.headsKV, opts.prefillLen, opts.headDim)
	v := randomTensor(ctx, opts.batch, opts.headsKV, opts.prefillLen, opts.headDim)

	start := time.Now()
	if _, err := attention.Dispatch(ctx, backend, cfg, q, k, v, nil, cache, nil); err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	prefillElapsed := time.Since(start)

	var decodeElapsed time.Duration
	for i := 0; i < opts.steps; i++ {
		qStep := randomTensor(ctx, opts.batch, opts.headsQ, 1, opts.headDim)
		kStep := randomTensor(ctx, opts.batch, opts.headsKV, 1, opts.headDim)
		vStep := randomTensor(ctx, opts.batch, opts.headsKV, 1, opts.headDim)

		stepStart := time.Now()
		if _, err := attention.Dispatch(ctx, backend, cfg, qStep, kStep, vStep, nil, cache, nil); err != nil {
			return fmt.Errorf("decode step %d: %w", i, err)
		}
		decodeElapsed += time.Since(stepStart)
	}

	fmt.Printf("shape: batch=%d heads_q=%d heads_kv=%d head_dim=%d prefill_len=%d threads=%d quantize=%v\n",
		opts.batch, opts.headsQ, opts.headsKV, opts.headDim, opts.prefillLen, backend.NumThreads(), opts.quantize)
	fmt.Printf("prefill:  %v (%.2f tok/s)\n", prefillElapsed, float64(opts.prefillLen)/prefillElapsed.Seconds())
	if opts.steps > 0 {
		avg := decodeElapsed / time.Duration(opts.steps)
		fmt.Printf("decode:   %v/step over %d steps (%.2f tok/s)\n", avg, opts.steps, 1/avg.Seconds())
	}
	return nil
}

// randomTensor fills a tensor with a fixed pseudo-random sequence (no
// math/rand seeding by design, so bench output stays free of nondeterminism
// caveats across runs at a given shape).
func randomTensor(ctx ml.Context, b, h, n, s int) ml.Tensor {
	vals := make([]float32, b*h*n*s)
	for i := range vals {
		vals[i] = float32(math.Sin(float64(i) * 0.017))
	}
	return ctx.FromFloats(vals, b, h, n, s)
}
