// softmax.go - C2, the fused masked-softmax primitive: scale, ALiBi,
// additive mask, boolean causal mask with polarity, auto-causal truncation,
// numerically stable softmax. Follows spec §4.2's numbered steps in order;
// the weights are always written as FP32, with no down-cast to another
// dtype.
package cpu

import (
	"math"

	"github.com/7blacky7/attnengine/ml"
)

// SoftmaxOpts carries the optional per-row inputs to SoftmaxRow.
type SoftmaxOpts struct {
	DScale     float32
	Alibi      []float32 // per-n bias, len == KVLen, nil if unused
	AddMask    []float32 // per-n additive mask, len == KVLen, nil if unused
	CausalBool []byte    // per-n boolean byte, len == KVLen, nil if unused
	Polarity   ml.MaskPolarity
	NCausal    int // positions n >= NCausal are forced to -inf
	KVLen      int
}

// SoftmaxRow writes softmax(in) into out following spec §4.2. in and out
// may alias. This is the C2 primitive, exported so attention's prefill and
// incremental kernels (C4/C5) can invoke it per (b,h,m) row without this
// package exposing its internal tensor representation.
func SoftmaxRow(in, out []float32, opts SoftmaxOpts) {
	n := opts.KVLen
	scratch := make([]float32, n)

	for i := 0; i < n; i++ {
		x := in[i] * opts.DScale

		if opts.Alibi != nil {
			x += opts.Alibi[i]
		}
		if opts.AddMask != nil {
			x += opts.AddMask[i]
		}
		if opts.CausalBool != nil {
			zero := opts.CausalBool[i] == 0
			suppress := zero != (opts.Polarity != ml.SelectNegInfAtZero)
			if suppress {
				x = float32(math.Inf(-1))
			}
		}
		if i >= opts.NCausal {
			x = float32(math.Inf(-1))
		}

		scratch[i] = x
	}

	max := float32(math.Inf(-1))
	for _, v := range scratch {
		if v > max {
			max = v
		}
	}

	if math.IsInf(float64(max), -1) {
		// Every position suppressed (B3: all-masked row) -> zeros, not NaN.
		for i := range out[:n] {
			out[i] = 0
		}
		return
	}

	var sum float32
	for i := 0; i < n; i++ {
		e := float32(math.Exp(float64(scratch[i] - max)))
		scratch[i] = e
		sum += e
	}
	for i := 0; i < n; i++ {
		out[i] = scratch[i] / sum
	}
}

// BoolMaskToAdditive materializes a boolean byte mask into an FP32 additive
// mask (true -> 0, false -> -inf per the given polarity), used by the
// dispatcher (C7 step 5) when a caller supplies a boolean mask instead of an
// additive one.
func BoolMaskToAdditive(mask []byte, polarity ml.MaskPolarity, dst []float32) {
	for i, m := range mask {
		zero := m == 0
		suppress := zero != (polarity != ml.SelectNegInfAtZero)
		if suppress {
			dst[i] = float32(math.Inf(-1))
		} else {
			dst[i] = 0
		}
	}
}
