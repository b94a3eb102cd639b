// causal_test.go - structural checks on the append state machine and beam
// table using go-cmp, per the ambient-stack test-tooling decision (state
// diffing reads better as a cmp.Diff than a field-by-field require chain).
package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/7blacky7/attnengine/ml"
	_ "github.com/7blacky7/attnengine/ml/backend/cpu"
)

func newTestCache(t *testing.T, batch, capacity int) (*Causal, ml.Backend, ml.Context) {
	t.Helper()
	backend, err := ml.NewBackend("cpu", ml.BackendParams{AllocMemory: true})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	t.Cleanup(backend.Close)

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)

	c := NewCausalCache()
	c.SetConfig(ml.CacheConfig{CachePadding: 4, MaskDType: ml.DTypeF32})
	c.Init(backend, ml.DTypeF32, batch, capacity)
	return c, backend, ctx
}

func TestCausalAppendGrowsBeamTableIdentically(t *testing.T) {
	c, _, ctx := newTestCache(t, 2, 2)

	k := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 1, 2)
	v := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 1, 2)
	if err := c.Append(ctx, k, v, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	btK := c.BeamTable()
	capacity := c.Capacity()
	want := []int32{0, 1}
	got := []int32{btK[0*capacity+0], btK[1*capacity+0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("beam table mismatch (-want +got):\n%s", diff)
	}
}

func TestCausalResetZeroesLength(t *testing.T) {
	c, _, ctx := newTestCache(t, 1, 4)

	k := ctx.FromFloats([]float32{1}, 1, 1, 1, 1)
	v := ctx.FromFloats([]float32{1}, 1, 1, 1, 1)
	if err := c.Append(ctx, k, v, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if c.Length() != 1 {
		t.Fatalf("expected length 1, got %d", c.Length())
	}

	c.Reset()
	if c.Length() != 0 {
		t.Fatalf("expected length 0 after reset, got %d", c.Length())
	}

	// a fresh append after reset must reinitialize the beam table to
	// identity rather than reordering against stale history.
	k2 := ctx.FromFloats([]float32{9}, 1, 1, 1, 1)
	v2 := ctx.FromFloats([]float32{9}, 1, 1, 1, 1)
	if err := c.Append(ctx, k2, v2, []int32{0}); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	pastK, _, _, length := c.Views(ctx)
	if length != 1 {
		t.Fatalf("expected length 1, got %d", length)
	}
	if got := pastK.Floats()[0]; got != 9 {
		t.Fatalf("expected reset cache to hold only the post-reset value, got %v", got)
	}
}

func TestCausalBeamExpansionGathersHistory(t *testing.T) {
	c, _, ctx := newTestCache(t, 1, 4)

	k0 := ctx.FromFloats([]float32{5}, 1, 1, 1, 1)
	v0 := ctx.FromFloats([]float32{5}, 1, 1, 1, 1)
	if err := c.Append(ctx, k0, v0, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	k1 := ctx.FromFloats([]float32{1, 2, 3}, 3, 1, 1, 1)
	v1 := ctx.FromFloats([]float32{1, 2, 3}, 3, 1, 1, 1)
	if err := c.Append(ctx, k1, v1, []int32{0, 0, 0}); err != nil {
		t.Fatalf("beam expansion append: %v", err)
	}

	if c.Batch() != 3 {
		t.Fatalf("expected batch 3 after expansion, got %d", c.Batch())
	}
	pastK, _, _, length := c.Views(ctx)
	if length != 2 {
		t.Fatalf("expected length 2, got %d", length)
	}
	capacity := c.Capacity()
	kVals := pastK.Floats()
	for lane := 0; lane < 3; lane++ {
		if got := kVals[lane*capacity]; got != 5 {
			t.Fatalf("lane %d: expected gathered history 5, got %v", lane, got)
		}
	}
}

func TestCausalQuantizedRoundTripsThroughAppend(t *testing.T) {
	backend, err := ml.NewBackend("cpu", ml.BackendParams{AllocMemory: true})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	defer backend.Close()
	ctx := backend.NewContext()
	defer ctx.Close()

	c := NewCausalCache()
	c.SetConfig(ml.CacheConfig{CachePadding: 4, MaskDType: ml.DTypeF32, KVCachePrecision: ml.DTypeI8})
	c.Init(backend, ml.DTypeF32, 1, 4)

	k := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 1, 1, 4)
	v := ctx.FromFloats([]float32{-1, -2, -3, -4}, 1, 1, 1, 4)
	if err := c.Append(ctx, k, v, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	codesK, codesV, szK, szV, quantized := c.Quantized()
	if !quantized {
		t.Fatal("expected cache to be reported as quantized")
	}
	if len(codesK) == 0 || len(codesV) == 0 || len(szK) == 0 || len(szV) == 0 {
		t.Fatal("expected non-empty code/scale slabs")
	}
	for i := 0; i < 4; i++ {
		got := ml.Dequantize(codesK[i], szK[0])
		want := []float32{1, 2, 3, 4}[i]
		if diff := got - want; diff > szK[0].Scale/2+1e-3 || diff < -(szK[0].Scale/2+1e-3) {
			t.Fatalf("dequantized K[%d]: got %v want ~%v (scale %v)", i, got, want, szK[0].Scale)
		}
	}
}
