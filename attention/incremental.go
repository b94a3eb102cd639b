// incremental.go - C5, the incremental (single- or few-token) kernel: reads
// KV-cache history through the beam-table indirection instead of a physical
// gather, dequantizing U8-coded rows on the fly. Implements spec §4.5's five
// numbered steps. Grounded on OpenVINO's MHASingleToken
// (original_source/src/plugins/intel_cpu/src/nodes/scaled_attn.cpp) for the
// running weighted-sum shape and the running-max/-sum online-softmax
// bookkeeping it uses to avoid materializing the full score row per head;
// this port keeps the two-pass (materialize row, then SoftmaxRow) form
// instead, since the row length here (L0+L1, decode-time) is small enough
// that OpenVINO's online variant buys nothing but complexity.
package attention

import (
	"fmt"

	"github.com/7blacky7/attnengine/kvcache"
	"github.com/7blacky7/attnengine/ml"
	"github.com/7blacky7/attnengine/ml/backend/cpu"
)

func dispatchIncremental(ctx ml.Context, backend ml.Backend, cfg Config, q, k, v, mask ml.Tensor, cache *kvcache.Causal, scale float64) (ml.Tensor, error) {
	b, hq, qLen, s := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)

	if cache == nil {
		return dispatchIncrementalNoCache(ctx, backend, cfg, q, k, v, mask, scale)
	}

	hkv := cache.NumKVHeads()
	if hkv == 0 || hq%hkv != 0 {
		return nil, fmt.Errorf("%w: incremental kernel requires a populated cache matching q's head layout", ErrPreconditionFailure)
	}
	group := hq / hkv
	capacity := cache.Capacity()
	length := cache.Length()

	pastK, pastV, _, _ := cache.Views(ctx)
	beamTable := cache.BeamTable()
	codesK, codesV, szK, szV, quantized := cache.Quantized()

	var pastKVals, pastVVals []float32
	if !quantized {
		pastKVals = pastK.Floats()
		pastVVals = pastV.Floats()
	}

	qVals := q.Floats()
	var maskVals []float32
	if mask != nil {
		maskVals = maskBroadcastTo(mask, []int{b, hq, qLen, length})
	}

	out := ctx.Input().Zeros(ml.DTypeF32, b, hq, qLen, s)
	outVals := out.Floats()

	scores := make([]float32, length)
	weights := make([]float32, length)
	kRow := make([]float32, s)
	vRow := make([]float32, s)

	// l0 is the pre-append history length: length already includes this
	// call's qLen newly-appended rows (Append ran in Dispatch before this
	// kernel is invoked). A fused-concat multi-token call puts row m at
	// absolute position l0+m, which must only see t < l0+m+1; a true q_len==1
	// decode has l0 == length-1, so nCausalFor collapses to length there,
	// matching the prior behavior exactly.
	l0 := length - qLen
	causal := cfg.IsCausal || cfg.FuseCausalAttn
	nCausalFor := func(m int) int {
		if !causal {
			return length
		}
		bound := l0 + m + 1
		if bound > length {
			bound = length
		}
		return bound
	}

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			for g := 0; g < group; g++ {
				hqIdx := hi*group + g

				for m := 0; m < qLen; m++ {
					qRow := qVals[((bi*hq+hqIdx)*qLen+m)*s : ((bi*hq+hqIdx)*qLen+m+1)*s]

					// Step 1: indirect read through beam_table for every kv
					// position instead of physically gathering the cache.
					for t := 0; t < length; t++ {
						lane := int(beamTable[bi*capacity+t])
						base := (lane*hkv+hi)*capacity + t

						if quantized {
							// Step 2: on-the-fly U8 dequant, one row at a time.
							code := codesK[base*s : base*s+s]
							params := szK[base]
							for i, c := range code {
								kRow[i] = ml.Dequantize(c, params)
							}
						} else {
							copy(kRow, pastKVals[base*s:base*s+s])
						}

						var dot float32
						for i := 0; i < s; i++ {
							dot += qRow[i] * kRow[i]
						}
						scores[t] = dot
					}

					var maskRow []float32
					if maskVals != nil {
						off := ((bi*hq+hqIdx)*qLen + m) * length
						maskRow = maskVals[off : off+length]
					}

					// Step 3: numerically stable softmax over the L0 (+L1)
					// history, truncated per row when causal so a
					// multi-token fused-concat call can't see later rows in
					// its own batch.
					cpu.SoftmaxRow(scores, weights, cpu.SoftmaxOpts{
						DScale:  float32(scale),
						AddMask: maskRow,
						NCausal: nCausalFor(m),
						KVLen:   length,
					})

					outRow := outVals[((bi*hq+hqIdx)*qLen+m)*s : ((bi*hq+hqIdx)*qLen+m+1)*s]
					for i := range outRow {
						outRow[i] = 0
					}

					// Step 4: weighted accumulate over V, dequantizing each
					// row the same way as K.
					for t := 0; t < length; t++ {
						w := weights[t]
						if w == 0 {
							continue
						}
						lane := int(beamTable[bi*capacity+t])
						base := (lane*hkv+hi)*capacity + t

						if quantized {
							code := codesV[base*s : base*s+s]
							params := szV[base]
							for i, c := range code {
								vRow[i] = ml.Dequantize(c, params)
							}
						} else {
							copy(vRow, pastVVals[base*s:base*s+s])
						}

						for i := 0; i < s; i++ {
							outRow[i] += w * vRow[i]
						}
					}
				}
			}
		}
	}

	// Step 5: write the accumulated output back into a contiguous tensor.
	out.FromFloats(outVals)
	return maybeTranspose(ctx, out, cfg), nil
}

// dispatchIncrementalNoCache handles the q_len==1-without-a-cache case:
// scoring the single current-step query directly against the caller-supplied
// k/v (e.g. a first decode step before any cache exists). No beam
// indirection applies since there is no prior history to reorder. Equal head
// counts go through the backend's fused SDPA; grouped-query inputs
// (H_q > H_kv) go through the SGEMM prefill path, which maps each query
// head onto its shared KV head.
func dispatchIncrementalNoCache(ctx ml.Context, backend ml.Backend, cfg Config, q, k, v, mask ml.Tensor, scale float64) (ml.Tensor, error) {
	if q.Dim(1) != k.Dim(1) {
		return dispatchPrefill(ctx, backend, cfg, StrategySGEMM, q, k, v, mask, scale)
	}
	sdpa, ok := backend.(ml.ScaledDotProductAttention)
	if !ok {
		return nil, fmt.Errorf("%w: backend has no fused SDPA", ErrBackendUnavailable)
	}
	out := sdpa.ScaledDotProductAttention(ctx, q, k, v, mask, scale, false)
	return maybeTranspose(ctx, out, cfg), nil
}

// maskBroadcastTo reads mask's values broadcast to targetShape. The cpu
// tensor already implements numpy-style trailing-dim broadcast internally
// for Add; here the dispatcher needs the raw broadcast values directly
// since it indexes per-row rather than going through Tensor.Add.
func maskBroadcastTo(mask ml.Tensor, targetShape []int) []float32 {
	shape := mask.Shape()
	src := mask.Floats()
	if len(shape) != len(targetShape) {
		if len(src) == numelInts(targetShape) {
			return src
		}
		panic("attention: mask rank mismatch")
	}

	out := make([]float32, numelInts(targetShape))
	idx := make([]int, len(targetShape))
	strides := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}
	for i := range out {
		srcOff := 0
		for d := range idx {
			srcIdx := idx[d]
			if shape[d] == 1 {
				srcIdx = 0
			}
			srcOff += srcIdx * strides[d]
		}
		out[i] = src[srcOff]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < targetShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

func numelInts(shape []int) int {
	n := 1
	for _, v := range shape {
		n *= v
	}
	return n
}
