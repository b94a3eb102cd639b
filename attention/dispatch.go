// dispatch.go - C7, the dispatcher: applies permute_axes, absorbs
// fused-concat into the KV-cache, selects a KernelStrategy, and materializes
// boolean masks into additive form. Implements spec §4.7's five numbered
// steps and selection table verbatim.
package attention

import (
	"fmt"
	"math"

	"github.com/7blacky7/attnengine/kvcache"
	"github.com/7blacky7/attnengine/ml"
	"github.com/7blacky7/attnengine/ml/backend/cpu"
)

// Mask carries either an additive float mask or a boolean byte mask (spec
// §3's mask variants), plus ALiBi bias. At most one of Additive/Boolean is
// set; Alibi may be combined with either.
type Mask struct {
	Additive ml.Tensor // broadcastable to [B,H,q_len,kv_len]
	Boolean  ml.Tensor // same shape, byte-valued
	Alibi    ml.Tensor // additive bias, same broadcast rule
}

// Dispatch is the compute entry point of spec §6.
func Dispatch(ctx ml.Context, backend ml.Backend, cfg Config, q, k, v ml.Tensor, mask *Mask, cache *kvcache.Causal, beamIdx []int32) (ml.Tensor, error) {
	if len(q.Shape()) != 4 || len(k.Shape()) != 4 || len(v.Shape()) != 4 {
		return nil, fmt.Errorf("%w: query/key/value must be rank 4", ErrPreconditionFailure)
	}

	// Step 1: apply permute_axes by stride permutation (never by copy).
	perm := cfg.PermuteAxes
	if perm == [4]int{0, 0, 0, 0} {
		perm = DefaultPermuteAxes()
	}
	q = q.Permute(ctx, perm[0], perm[1], perm[2], perm[3])
	k = k.Permute(ctx, perm[0], perm[1], perm[2], perm[3])
	v = v.Permute(ctx, perm[0], perm[1], perm[2], perm[3])

	b, hq, qLen, s := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	hkv := k.Dim(1)

	if hq%hkv != 0 {
		return nil, fmt.Errorf("%w: H_q=%d not a multiple of H_kv=%d", ErrPreconditionFailure, hq, hkv)
	}

	// An empty query axis has nothing to attend: return an empty output
	// without touching the cache or the kernels.
	if qLen == 0 {
		return maybeTranspose(ctx, ctx.Input().Zeros(ml.DTypeF32, b, hq, 0, s), cfg), nil
	}

	scale := cfg.Scale
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(s))
	}

	l0 := 0
	if cache != nil {
		l0 = cache.Length()
	}

	// Step 2: fused-concat absorption.
	if cfg.FuseConcat {
		if cache == nil {
			return nil, fmt.Errorf("%w: fuse_concat requires a KV-cache", ErrPreconditionFailure)
		}
		if err := cache.Append(ctx, k, v, beamIdx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheInconsistency, err)
		}
		l0 = cache.Length() - qLen
	}

	if qLen > 1 && (cfg.IsCausal || cfg.FuseCausalAttn) && cache != nil && l0 > 0 && !cfg.FuseConcat {
		// spec §9 open question: prefill + auto-causal + non-empty cache is
		// explicitly out-of-domain. A fused-concat multi-token append with a
		// warm cache is a different, well-defined case and routes to the
		// incremental kernel below instead.
		return nil, fmt.Errorf("%w: prefill with auto-causal and non-empty cache is out of domain", ErrPreconditionFailure)
	}

	// Step 5: materialize a boolean mask into additive form up front so the
	// kernels only ever see additive masks or nil.
	additiveMask, err := materializeMask(ctx, mask, b, hq, qLen, l0+qLen, cfg)
	if err != nil {
		return nil, err
	}

	// Step 3: route by q_len / fused-concat, per the use_one_token rule.
	l1 := L1(qLen)
	if l1 == 1 || (cfg.FuseConcat && l0 > 0) {
		return dispatchIncremental(ctx, backend, cfg, q, k, v, additiveMask, cache, scale)
	}

	// Step 4: sub-strategy selection for prefill.
	strategy := selectPrefillStrategy(cfg, hq, hkv, q.DType())
	if strategy == StrategyBlockPanel && !cpu.SupportsBF16Path() {
		return nil, fmt.Errorf("%w: bf16 BRGEMM path requested without CPU support", ErrPreconditionFailure)
	}
	if strategy == StrategySGEMM && !cpu.SupportsSGEMM() {
		return nil, fmt.Errorf("%w: sgemm path requested without CPU support", ErrBackendUnavailable)
	}

	return dispatchPrefill(ctx, backend, cfg, strategy, q, k, v, additiveMask, scale)
}

func selectPrefillStrategy(cfg Config, hq, hkv int, dtype ml.DType) KernelStrategy {
	if cfg.ForceSGEMM || dtype == ml.DTypeF32 {
		return StrategySGEMM
	}
	if hq == hkv {
		return StrategyFullMatmul
	}
	return StrategyBlockPanel
}

// materializeMask implements step 5: boolean -> additive conversion, ALiBi
// combination, and implicit-causal / fuse-causal handling via n_causal at
// the kernel level (the mask itself stays nil in those cases; n_causal
// truncation is applied inside SoftmaxRow).
func materializeMask(ctx ml.Context, mask *Mask, b, h, qLen, kvLen int, cfg Config) (ml.Tensor, error) {
	if mask == nil {
		return nil, nil
	}
	for _, m := range []ml.Tensor{mask.Additive, mask.Boolean, mask.Alibi} {
		if m != nil && len(m.Shape()) > 4 {
			return nil, fmt.Errorf("%w: mask rank %d > 4", ErrPreconditionFailure, len(m.Shape()))
		}
	}

	var out ml.Tensor
	switch {
	case mask.Additive != nil:
		out = mask.Additive
	case mask.Boolean != nil:
		raw := mask.Boolean.Bytes()
		dst := make([]float32, len(raw))
		cpu.BoolMaskToAdditive(raw, cfg.MaskPolarity, dst)
		out = ctx.Input().FromFloats(dst, mask.Boolean.Shape()...)
	}

	if mask.Alibi != nil {
		if out == nil {
			return mask.Alibi, nil
		}
		return out.Add(ctx, mask.Alibi), nil
	}
	return out, nil
}
