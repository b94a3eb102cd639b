// scenarios_test.go - S1-S6, the worked scenarios from spec §"Scenarios",
// checked with testify/require.
package attention

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/7blacky7/attnengine/kvcache"
	"github.com/7blacky7/attnengine/ml"
	_ "github.com/7blacky7/attnengine/ml/backend/cpu"
)

// S1: B=1,H=1,q_len=2,kv_len=2,S=1, Q=[[1],[2]], K=[[1],[1]], V=[[1],[3]],
// causal on; expected O=[[1],[2]] (row 0 sees only t=0; row 1 sees both with
// equal weights, i.e. the mean of V).
func TestScenarioHandComputedCausal(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	q := ctx.FromFloats([]float32{1, 2}, 1, 1, 2, 1)
	k := ctx.FromFloats([]float32{1, 1}, 1, 1, 2, 1)
	v := ctx.FromFloats([]float32{1, 3}, 1, 1, 2, 1)

	out, err := Dispatch(ctx, backend, Config{IsCausal: true}, q, k, v, nil, nil, nil)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{1, 2}, out.Floats(), 1e-5)
}

// S2: grouped-query attention matches a reference that broadcasts K/V
// across H_q/H_kv.
func TestScenarioGroupedQueryMatchesBroadcastReference(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, hq, hkv, qLen, kvLen, s := 2, 2, 1, 1, 4, 4
	qVals := seqFloats(b*hq*qLen*s, 1)
	kVals := seqFloats(b*hkv*kvLen*s, 1)
	vVals := seqFloats(b*hkv*kvLen*s, 1)

	q := ctx.FromFloats(qVals, b, hq, qLen, s)
	k := ctx.FromFloats(kVals, b, hkv, kvLen, s)
	v := ctx.FromFloats(vVals, b, hkv, kvLen, s)

	got, err := Dispatch(ctx, backend, Config{}, q, k, v, nil, nil, nil)
	require.NoError(t, err)

	// broadcast K/V across the group ratio and compute with plain H_q==H_kv
	// full attention as the reference.
	broadcastK := make([]float32, b*hq*kvLen*s)
	broadcastV := make([]float32, b*hq*kvLen*s)
	group := hq / hkv
	for bi := 0; bi < b; bi++ {
		for hqi := 0; hqi < hq; hqi++ {
			hkvi := hqi / group
			copy(broadcastK[(bi*hq+hqi)*kvLen*s:(bi*hq+hqi+1)*kvLen*s], kVals[(bi*hkv+hkvi)*kvLen*s:(bi*hkv+hkvi+1)*kvLen*s])
			copy(broadcastV[(bi*hq+hqi)*kvLen*s:(bi*hq+hqi+1)*kvLen*s], vVals[(bi*hkv+hkvi)*kvLen*s:(bi*hkv+hkvi+1)*kvLen*s])
		}
	}
	bK := ctx.FromFloats(broadcastK, b, hq, kvLen, s)
	bV := ctx.FromFloats(broadcastV, b, hq, kvLen, s)
	want := naiveReference(t, q, bK, bV, false)

	diff := maxAbsDiffFloats(got.Floats(), want)
	require.LessOrEqual(t, diff, 5e-4)
}

// S3: incremental generation of 16 tokens with cache, B=2, compared against
// a single q_len=16 prefill.
func TestScenarioIncrementalMatchesPrefillOverSequence(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, hq, hkv, s, n := 2, 2, 2, 4, 16
	qVals := seqFloats(b*hq*n*s, 1)
	kVals := seqFloats(b*hkv*n*s, 1)
	vVals := seqFloats(b*hkv*n*s, 1)

	q := ctx.FromFloats(qVals, b, hq, n, s)
	k := ctx.FromFloats(kVals, b, hkv, n, s)
	v := ctx.FromFloats(vVals, b, hkv, n, s)
	prefill, err := Dispatch(ctx, backend, Config{IsCausal: true}, q, k, v, nil, nil, nil)
	require.NoError(t, err)

	cfg := Config{IsCausal: true, FuseConcat: true}

	// Run the sequence incrementally through a cache, placing each step's
	// [B,H,1,S] output into the same [B,H,N,S] layout prefill produced.
	cache := kvcache.NewCausalCache()
	cache.SetConfig(ml.CacheConfig{CachePadding: 8, MaskDType: ml.DTypeF32})
	cache.Init(backend, ml.DTypeF32, b, n)
	layout := make([]float32, b*hq*n*s)
	for i := 0; i < n; i++ {
		qi := ctx.FromFloats(sliceStep(qVals, b, hq, s, n, i), b, hq, 1, s)
		ki := ctx.FromFloats(sliceStep(kVals, b, hkv, s, n, i), b, hkv, 1, s)
		vi := ctx.FromFloats(sliceStep(vVals, b, hkv, s, n, i), b, hkv, 1, s)
		out, err := Dispatch(ctx, backend, cfg, qi, ki, vi, nil, cache, nil)
		require.NoError(t, err)
		stepVals := out.Floats()
		for bi := 0; bi < b; bi++ {
			for hi := 0; hi < hq; hi++ {
				dst := ((bi*hq+hi)*n + i) * s
				src := (bi*hq + hi) * s
				copy(layout[dst:dst+s], stepVals[src:src+s])
			}
		}
	}

	diff := maxAbsDiffFloats(prefill.Floats(), layout)
	require.LessOrEqual(t, diff, 1e-3)
}

func sliceStep(vals []float32, b, h, s, n, step int) []float32 {
	out := make([]float32, b*h*s)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			src := ((bi*h+hi)*n + step) * s
			dst := (bi*h + hi) * s
			copy(out[dst:dst+s], vals[src:src+s])
		}
	}
	return out
}

// S4: beam expansion from B=1 to B=4, then a step with beam_idx=[3,2,1,0];
// history read matches prior b=3,2,1,0.
func TestScenarioBeamExpansionThenPermute(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	cache := kvcache.NewCausalCache()
	cache.SetConfig(ml.CacheConfig{CachePadding: 4, MaskDType: ml.DTypeF32})
	cache.Init(backend, ml.DTypeF32, 1, 4)

	k0 := ctx.FromFloats([]float32{7}, 1, 1, 1, 1)
	v0 := ctx.FromFloats([]float32{7}, 1, 1, 1, 1)
	require.NoError(t, cache.Append(ctx, k0, v0, nil))

	// expand to batch 4, all lanes derived from lane 0's history
	k1 := ctx.FromFloats([]float32{10, 20, 30, 40}, 4, 1, 1, 1)
	v1 := ctx.FromFloats([]float32{10, 20, 30, 40}, 4, 1, 1, 1)
	require.NoError(t, cache.Append(ctx, k1, v1, []int32{0, 0, 0, 0}))

	k2 := ctx.FromFloats([]float32{100, 200, 300, 400}, 4, 1, 1, 1)
	v2 := ctx.FromFloats([]float32{100, 200, 300, 400}, 4, 1, 1, 1)
	require.NoError(t, cache.Append(ctx, k2, v2, []int32{3, 2, 1, 0}))

	beamTable := cache.BeamTable()
	capacity := cache.Capacity()
	// after the permute, lane 0 at t=1 (the second step) should read from
	// whichever lane held index 3's history at that point.
	require.EqualValues(t, 3, beamTable[0*capacity+1])
	require.EqualValues(t, 2, beamTable[1*capacity+1])
	require.EqualValues(t, 1, beamTable[2*capacity+1])
	require.EqualValues(t, 0, beamTable[3*capacity+1])
}

// S5: U8 cache prefill+incremental stays close to an FP32 reference.
func TestScenarioU8CacheClosesToFP32(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, hq, hkv, s, prefillLen, decodeLen := 1, 2, 1, 8, 8, 4
	total := prefillLen + decodeLen

	qVals := seqFloats(b*hq*total*s, 2)
	kVals := seqFloats(b*hkv*total*s, 2)
	vVals := seqFloats(b*hkv*total*s, 2)

	fp32Cache := kvcache.NewCausalCache()
	fp32Cache.SetConfig(ml.CacheConfig{CachePadding: 8, MaskDType: ml.DTypeF32})
	fp32Cache.Init(backend, ml.DTypeF32, b, total)

	u8Cache := kvcache.NewCausalCache()
	u8Cache.SetConfig(ml.CacheConfig{CachePadding: 8, MaskDType: ml.DTypeF32, KVCachePrecision: ml.DTypeI8})
	u8Cache.Init(backend, ml.DTypeF32, b, total)

	cfg := Config{IsCausal: true, FuseConcat: true}

	prefillQ := ctx.FromFloats(qVals[:b*hq*prefillLen*s], b, hq, prefillLen, s)
	prefillK := ctx.FromFloats(kVals[:b*hkv*prefillLen*s], b, hkv, prefillLen, s)
	prefillV := ctx.FromFloats(vVals[:b*hkv*prefillLen*s], b, hkv, prefillLen, s)

	_, err := Dispatch(ctx, backend, cfg, prefillQ, prefillK, prefillV, nil, fp32Cache, nil)
	require.NoError(t, err)
	_, err = Dispatch(ctx, backend, cfg, prefillQ, prefillK, prefillV, nil, u8Cache, nil)
	require.NoError(t, err)

	var fp32Last, u8Last ml.Tensor
	for i := prefillLen; i < total; i++ {
		qi := ctx.FromFloats(sliceStep(qVals, b, hq, s, total, i), b, hq, 1, s)
		ki := ctx.FromFloats(sliceStep(kVals, b, hkv, s, total, i), b, hkv, 1, s)
		vi := ctx.FromFloats(sliceStep(vVals, b, hkv, s, total, i), b, hkv, 1, s)

		fp32Last, err = Dispatch(ctx, backend, cfg, qi, ki, vi, nil, fp32Cache, nil)
		require.NoError(t, err)
		u8Last, err = Dispatch(ctx, backend, cfg, qi, ki, vi, nil, u8Cache, nil)
		require.NoError(t, err)
	}

	require.GreaterOrEqual(t, cosineSimilarity(fp32Last.Floats(), u8Last.Floats()), 0.999)
}

// S7: a multi-token fused-concat append onto a warm cache truncates
// causally per row (row m of the new batch sits at absolute position
// l0+m), not against the whole appended batch.
func TestScenarioMultiTokenFusedConcatCausalTruncation(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, hq, hkv, s, l0, l1 := 1, 2, 2, 4, 5, 3
	n := l0 + l1
	qVals := seqFloats(b*hq*n*s, 1)
	kVals := seqFloats(b*hkv*n*s, 1)
	vVals := seqFloats(b*hkv*n*s, 1)

	cache := kvcache.NewCausalCache()
	cache.SetConfig(ml.CacheConfig{CachePadding: 4, MaskDType: ml.DTypeF32})
	cache.Init(backend, ml.DTypeF32, b, n)

	cfg := Config{IsCausal: true, FuseConcat: true}

	prefixQ := ctx.FromFloats(sliceRange(qVals, b, hq, s, n, 0, l0), b, hq, l0, s)
	prefixK := ctx.FromFloats(sliceRange(kVals, b, hkv, s, n, 0, l0), b, hkv, l0, s)
	prefixV := ctx.FromFloats(sliceRange(vVals, b, hkv, s, n, 0, l0), b, hkv, l0, s)
	_, err := Dispatch(ctx, backend, cfg, prefixQ, prefixK, prefixV, nil, cache, nil)
	require.NoError(t, err)

	batchQ := ctx.FromFloats(sliceRange(qVals, b, hq, s, n, l0, l1), b, hq, l1, s)
	batchK := ctx.FromFloats(sliceRange(kVals, b, hkv, s, n, l0, l1), b, hkv, l1, s)
	batchV := ctx.FromFloats(sliceRange(vVals, b, hkv, s, n, l0, l1), b, hkv, l1, s)
	got, err := Dispatch(ctx, backend, cfg, batchQ, batchK, batchV, nil, cache, nil)
	require.NoError(t, err)

	// reference: the same l1 queries against the full n-length K/V, causally
	// truncated at each row's absolute position (naiveReference's bound
	// formula, kvLen-qLen+m+1, reduces to l0+m+1 when kvLen==n and qLen==l1).
	qRef := ctx.FromFloats(sliceRange(qVals, b, hq, s, n, l0, l1), b, hq, l1, s)
	kRef := ctx.FromFloats(kVals, b, hkv, n, s)
	vRef := ctx.FromFloats(vVals, b, hkv, n, s)
	want := naiveReference(t, qRef, kRef, vRef, true)

	diff := maxAbsDiffFloats(got.Floats(), want)
	require.LessOrEqual(t, diff, 5e-4)
}

func sliceRange(vals []float32, b, h, s, n, start, count int) []float32 {
	out := make([]float32, b*h*count*s)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			src := ((bi*h+hi)*n + start) * s
			dst := (bi*h + hi) * count * s
			copy(out[dst:dst+count*s], vals[src:src+count*s])
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// S6: a boolean mask with select_nfltmax_at_0=true masking half of kv
// positions matches an explicit additive -inf mask.
func TestScenarioBooleanMaskMatchesAdditiveMask(t *testing.T) {
	backend := newTestBackend(t)
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	b, h, qLen, kvLen, s := 1, 1, 1, 4, 4
	qVals := seqFloats(b*h*qLen*s, 1)
	kVals := seqFloats(b*h*kvLen*s, 1)
	vVals := seqFloats(b*h*kvLen*s, 1)

	q := ctx.FromFloats(qVals, b, h, qLen, s)
	k := ctx.FromFloats(kVals, b, h, kvLen, s)
	v := ctx.FromFloats(vVals, b, h, kvLen, s)

	boolMask := ctx.Empty(ml.DTypeI8, 1, 1, qLen, kvLen)
	boolMask.FromBytes([]byte{1, 0, 1, 0})
	viaBool, err := Dispatch(ctx, backend, Config{MaskPolarity: ml.SelectNegInfAtZero}, q, k, v, &Mask{Boolean: boolMask}, nil, nil)
	require.NoError(t, err)

	additive := ctx.FromFloats([]float32{0, float32(math.Inf(-1)), 0, float32(math.Inf(-1))}, 1, 1, qLen, kvLen)
	viaAdditive, err := Dispatch(ctx, backend, Config{}, q, k, v, &Mask{Additive: additive}, nil, nil)
	require.NoError(t, err)

	require.InDeltaSlice(t, viaAdditive.Floats(), viaBool.Floats(), 1e-5)
}
