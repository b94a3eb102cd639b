// prefill.go - C4, the prefill kernel: full-matmul (H_q==H_kv), block-panel
// BRGEMM (grouped-query / large q_len), and FP32 SGEMM sub-strategies, per
// spec §4.4.
package attention

import (
	"fmt"

	"github.com/7blacky7/attnengine/ml"
	"github.com/7blacky7/attnengine/ml/backend/cpu"
)

func dispatchPrefill(ctx ml.Context, backend ml.Backend, cfg Config, strategy KernelStrategy, q, k, v, mask ml.Tensor, scale float64) (ml.Tensor, error) {
	cpuBackend, ok := backend.(*cpu.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: prefill requires the cpu backend", ErrBackendUnavailable)
	}

	qLen, kvLen := q.Dim(2), k.Dim(2)
	nCausal := causalBound(cfg, qLen, kvLen)

	switch strategy {
	case StrategyFullMatmul:
		// (a) Full-matmul: Q*K^T -> C2 per row -> weights*V, exactly the
		// sequence ml.ScaledDotProductAttention's doc comment describes.
		sdpa, ok := backend.(ml.ScaledDotProductAttention)
		if !ok {
			return nil, fmt.Errorf("%w: backend has no fused SDPA", ErrBackendUnavailable)
		}
		if maskNeedsCausalTruncation(cfg) {
			mask = applyAutoCausalMask(ctx, mask, qLen, kvLen)
		}
		out := sdpa.ScaledDotProductAttention(ctx, q, k, v, mask, scale, false)
		return maybeTranspose(ctx, out, cfg), nil

	case StrategyBlockPanel:
		// (b) Block-panel BRGEMM: pack K/V per (b,h_kv), tile q_len, run QK
		// BRGEMM -> C2 -> WV BRGEMM per tile.
		out := cpuBackend.GroupedAttention(ctx, q, k, v, mask, scale, mBlockSize(qLen), func(b, hq, m int) int {
			return nCausal(m)
		})
		return maybeTranspose(ctx, out, cfg), nil

	case StrategySGEMM:
		// (c) FP32 SGEMM fallback (C1.3): same query tiling as the
		// block-panel path, scored directly against the raw K/V rather than
		// packed panels, per §4.4's closing paragraph.
		out := cpuBackend.SGEMMAttention(ctx, q, k, v, mask, scale, mBlockSize(qLen), func(b, hq, m int) int {
			return nCausal(m)
		})
		return maybeTranspose(ctx, out, cfg), nil

	default:
		return nil, fmt.Errorf("%w: unknown prefill strategy %v", ErrPreconditionFailure, strategy)
	}
}

// mBlockSize picks the BRGEMM query tile size (spec §4.4(b) step 2), capped
// at qLen.
func mBlockSize(qLen int) int {
	const natural = 32
	if qLen < natural {
		return qLen
	}
	return natural
}

// causalBound returns a function n_causal(m) per spec's auto-causal rule:
// position m attends to [0, kv_len - q_len + m].
func causalBound(cfg Config, qLen, kvLen int) func(m int) int {
	if !cfg.IsCausal && !cfg.FuseCausalAttn {
		return func(m int) int { return kvLen }
	}
	return func(m int) int {
		bound := kvLen - qLen + m + 1
		if bound > kvLen {
			bound = kvLen
		}
		if bound < 0 {
			bound = 0
		}
		return bound
	}
}

func maskNeedsCausalTruncation(cfg Config) bool {
	return cfg.IsCausal && !cfg.FuseCausalAttn
}

// applyAutoCausalMask builds an explicit upper-triangular additive mask
// equivalent to is_causal=true (spec P7: causal mask equivalence), since the
// fused ml.ScaledDotProductAttention path takes an explicit mask rather than
// an n_causal parameter.
func applyAutoCausalMask(ctx ml.Context, existing ml.Tensor, qLen, kvLen int) ml.Tensor {
	causal := make([]float32, qLen*kvLen)
	for m := 0; m < qLen; m++ {
		bound := kvLen - qLen + m + 1
		for n := 0; n < kvLen; n++ {
			if n >= bound {
				causal[m*kvLen+n] = negInf
			}
		}
	}
	causalMask := ctx.Input().FromFloats(causal, 1, 1, qLen, kvLen)
	if existing == nil {
		return causalMask
	}
	return existing.Add(ctx, causalMask)
}

const negInf = float32(-1e30)

func maybeTranspose(ctx ml.Context, out ml.Tensor, cfg Config) ml.Tensor {
	if !cfg.OutputBLHxS {
		return out
	}
	b, h, qLen, s := out.Dim(0), out.Dim(1), out.Dim(2), out.Dim(3)
	return out.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx, b, qLen, h*s)
}
