// bf16_test.go - drives the bf16 sub-strategies (StrategyFullMatmul,
// StrategyBlockPanel) that spec §4.7's selection table requires but every
// other test leaves unreachable, since ctx.FromFloats and cmd/sdpabench's
// randomTensor both hardcode ml.DTypeF32.
package attention

import (
	"errors"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/require"

	"github.com/7blacky7/attnengine/ml"
	"github.com/7blacky7/attnengine/ml/backend/cpu"
)

// roundTripBF16 rounds vals to bf16 precision and back, so a naive FP32
// reference computed from the same rounded inputs can be compared against
// the bf16-dispatched result at a tight tolerance.
func roundTripBF16(vals []float32) []float32 {
	return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(vals))
}

func bf16Tensor(ctx ml.Context, vals []float32, shape ...int) ml.Tensor {
	t := ctx.Empty(ml.DTypeBF16, shape...)
	t.FromBytes(bfloat16.EncodeFloat32(vals))
	return t
}

// TestBF16FullMatmulMatchesNaiveReference drives StrategyFullMatmul
// (H_q==H_kv, bf16), which is otherwise never selected since every other
// fixture in this package is FP32.
func TestBF16FullMatmulMatchesNaiveReference(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, h, qLen, kvLen, s := 1, 2, 4, 4, 8
	qVals := roundTripBF16(seqFloats(b*h*qLen*s, 1))
	kVals := roundTripBF16(seqFloats(b*h*kvLen*s, 1))
	vVals := roundTripBF16(seqFloats(b*h*kvLen*s, 1))

	q := bf16Tensor(ctx, qVals, b, h, qLen, s)
	k := bf16Tensor(ctx, kVals, b, h, kvLen, s)
	v := bf16Tensor(ctx, vVals, b, h, kvLen, s)

	out, err := Dispatch(ctx, backend, Config{IsCausal: true}, q, k, v, nil, nil, nil)
	require.NoError(t, err)

	want := naiveReference(t, ctx.FromFloats(qVals, b, h, qLen, s), ctx.FromFloats(kVals, b, h, kvLen, s), ctx.FromFloats(vVals, b, h, kvLen, s), true)
	diff := maxAbsDiffFloats(out.Floats(), want)
	require.LessOrEqual(t, diff, 5e-4, "max abs diff %v exceeds tolerance", diff)
}

// TestBF16BlockPanelMatchesBroadcastReference drives StrategyBlockPanel
// (H_q>H_kv, bf16), gated on cpu.SupportsBF16Path the same way Dispatch
// gates it; skips rather than fails on a host without a bf16-class ISA.
func TestBF16BlockPanelMatchesBroadcastReference(t *testing.T) {
	if !cpu.SupportsBF16Path() {
		t.Skip("host has no bf16-capable ISA (AVX2/ASIMD)")
	}

	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, hq, hkv, qLen, kvLen, s := 1, 4, 2, 4, 4, 8
	qVals := roundTripBF16(seqFloats(b*hq*qLen*s, 1))
	kVals := roundTripBF16(seqFloats(b*hkv*kvLen*s, 1))
	vVals := roundTripBF16(seqFloats(b*hkv*kvLen*s, 1))

	q := bf16Tensor(ctx, qVals, b, hq, qLen, s)
	k := bf16Tensor(ctx, kVals, b, hkv, kvLen, s)
	v := bf16Tensor(ctx, vVals, b, hkv, kvLen, s)

	got, err := Dispatch(ctx, backend, Config{IsCausal: true}, q, k, v, nil, nil, nil)
	if errors.Is(err, ErrBackendUnavailable) {
		t.Skip("bf16 block-panel path unavailable on this host")
	}
	require.NoError(t, err)

	group := hq / hkv
	broadcastK := make([]float32, b*hq*kvLen*s)
	broadcastV := make([]float32, b*hq*kvLen*s)
	for bi := 0; bi < b; bi++ {
		for hqi := 0; hqi < hq; hqi++ {
			hkvi := hqi / group
			copy(broadcastK[(bi*hq+hqi)*kvLen*s:(bi*hq+hqi+1)*kvLen*s], kVals[(bi*hkv+hkvi)*kvLen*s:(bi*hkv+hkvi+1)*kvLen*s])
			copy(broadcastV[(bi*hq+hqi)*kvLen*s:(bi*hq+hqi+1)*kvLen*s], vVals[(bi*hkv+hkvi)*kvLen*s:(bi*hkv+hkvi+1)*kvLen*s])
		}
	}
	want := naiveReference(t, ctx.FromFloats(qVals, b, hq, qLen, s), ctx.FromFloats(broadcastK, b, hq, kvLen, s), ctx.FromFloats(broadcastV, b, hq, kvLen, s), true)
	diff := maxAbsDiffFloats(got.Floats(), want)
	require.LessOrEqual(t, diff, 5e-4, "max abs diff %v exceeds tolerance", diff)
}
