// beam.go - the beam-table append state machine (C6), grounded directly on
// OpenVINO's updateBeamTable / resetBeamTablePastkv / gatherConcatPastkv in
// original_source/src/plugins/intel_cpu/src/nodes/scaled_attn.cpp. No Go
// example in the retrieval pack implements server-side beam search, so this
// is a from-source-language translation of the algorithm shape into the
// teacher's cache idiom, not a copy of the original's naming or comments.
package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/7blacky7/attnengine/ml"
)

// Append implements spec §4.6's append state machine.
func (c *Causal) Append(ctx ml.Context, curK, curV ml.Tensor, beamIdx []int32) error {
	newBatch := curK.Dim(0)
	numKVHeads := curK.Dim(1)
	l1 := curK.Dim(2)
	headDim := curK.Dim(3)

	l, ok := c.layers[c.curLayer]
	if !ok {
		l = &layerState{}
		c.layers[c.curLayer] = l
		c.numKVHeads = numKVHeads
		c.headDim = headDim
		c.quantizeIfConfigured(l)
		c.allocateLayer(l)
		c.initIdentityBeamTable(l)
	}

	if beamIdx != nil {
		if err := c.validateBeamIdx(beamIdx); err != nil {
			return err
		}
	}

	if newBatch != c.batch {
		// Beam expansion: physically gather history, since storage is
		// indexed by literal batch lane and new lanes need another lane's
		// history duplicated into them.
		if err := c.resetBeamTablePastKV(l, beamIdx, newBatch, l1); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheInconsistency, err)
		}
	} else {
		if err := c.grow(l1); err != nil {
			return err
		}
		switch {
		case c.length == 0 || c.isReset:
			c.initIdentityBeamTable(l)
		case !identityPermutation(beamIdx, c.batch):
			c.reorderBeamTable(l, beamIdx)
		}
		c.appendIdentityStep(l, l1)
	}

	c.writeStep(l, curK, curV, l1)

	c.length += l1
	c.isReset = false

	if !equalInt32(l.beamTableK, l.beamTableV) {
		return fmt.Errorf("%w: beam_table_K and beam_table_V diverged", ErrCacheInconsistency)
	}

	return nil
}

// ErrCacheInconsistency mirrors spec §7's CacheInconsistency kind for the
// cache package's own internal checks (attention.ErrCacheInconsistency is
// the caller-facing sentinel wrapping errors that propagate up from here).
var ErrCacheInconsistency = fmt.Errorf("kvcache: cache inconsistency")

func (c *Causal) quantizeIfConfigured(l *layerState) {
	l.quantized = c.config.KVCachePrecision == ml.DTypeI8
}

func (c *Causal) allocateLayer(l *layerState) {
	if l.quantized {
		n := c.batch * c.numKVHeads * c.capacity * c.headDim
		l.codesK = make([]uint8, n)
		l.codesV = make([]uint8, n)
		l.scaleZPK = make([]ml.QuantParams, c.batch*c.numKVHeads*c.capacity)
		l.scaleZPV = make([]ml.QuantParams, c.batch*c.numKVHeads*c.capacity)
		return
	}
	ctx := c.layerCtx(c.curLayer)
	l.pastK = ctx.Zeros(c.dtype, c.batch, c.numKVHeads, c.capacity, c.headDim)
	l.pastV = ctx.Zeros(c.dtype, c.batch, c.numKVHeads, c.capacity, c.headDim)
}

// initIdentityBeamTable implements spec §4.6 beam-table-update step 1:
// beam_table[b,t] := b for all (b,t), used on an empty or just-reset cache.
func (c *Causal) initIdentityBeamTable(l *layerState) {
	l.beamTableK = make([]int32, c.batch*c.capacity)
	l.beamTableV = make([]int32, c.batch*c.capacity)
	for b := 0; b < c.batch; b++ {
		for t := 0; t < c.capacity; t++ {
			l.beamTableK[b*c.capacity+t] = int32(b)
			l.beamTableV[b*c.capacity+t] = int32(b)
		}
	}
}

// reorderBeamTable implements step 2: for each b, copy
// beam_table[b, 0..L0) := beam_table_prev[beam_idx[b], 0..L0). Both K and V
// tables receive identical content (invariant I3).
func (c *Causal) reorderBeamTable(l *layerState, beamIdx []int32) {
	prevK := append([]int32(nil), l.beamTableK...)
	for b := 0; b < c.batch; b++ {
		src := int(beamIdx[b])
		copy(l.beamTableK[b*c.capacity:b*c.capacity+c.length], prevK[src*c.capacity:src*c.capacity+c.length])
		copy(l.beamTableV[b*c.capacity:b*c.capacity+c.length], prevK[src*c.capacity:src*c.capacity+c.length])
	}
}

// appendIdentityStep implements step 3: beam_table[b, L0..L0+L1) := b.
func (c *Causal) appendIdentityStep(l *layerState, l1 int) {
	for b := 0; b < c.batch; b++ {
		for i := 0; i < l1; i++ {
			t := c.length + i
			l.beamTableK[b*c.capacity+t] = int32(b)
			l.beamTableV[b*c.capacity+t] = int32(b)
		}
	}
}

// resetBeamTablePastKV implements spec §4.6's beam-expansion branch,
// grounded on OpenVINO's resetBeamTablePastkv: allocate fresh buffers at
// capacity = 2*(L0+L1), gather old history rows
// past_{K,V}[beam_idx[b], h, t] into the new buffer for each new lane b,
// rebuild beam_table[b,t] = b (identity), then append the current step.
func (c *Causal) resetBeamTablePastKV(l *layerState, beamIdx []int32, newBatch, l1 int) error {
	newCapacity := roundUp(2*(c.length+l1), c.config.CachePadding)
	slog.Debug("kvcache: beam expansion", "id", c.id, "layer", c.curLayer, "old_batch", c.batch, "new_batch", newBatch, "new_capacity", newCapacity)

	oldBatch, oldCapacity := c.batch, c.capacity

	if l.quantized {
		newCodesK := make([]uint8, newBatch*c.numKVHeads*newCapacity*c.headDim)
		newCodesV := make([]uint8, newBatch*c.numKVHeads*newCapacity*c.headDim)
		newSZK := make([]ml.QuantParams, newBatch*c.numKVHeads*newCapacity)
		newSZV := make([]ml.QuantParams, newBatch*c.numKVHeads*newCapacity)
		for b := 0; b < newBatch; b++ {
			src := b
			if beamIdx != nil {
				src = int(beamIdx[b])
			}
			if src >= oldBatch {
				return fmt.Errorf("beam_idx[%d]=%d >= prior batch %d", b, src, oldBatch)
			}
			gatherQuantizedLane(l.codesK, newCodesK, l.scaleZPK, newSZK, src, b, c.numKVHeads, oldCapacity, newCapacity, c.headDim, c.length)
			gatherQuantizedLane(l.codesV, newCodesV, l.scaleZPV, newSZV, src, b, c.numKVHeads, oldCapacity, newCapacity, c.headDim, c.length)
		}
		l.codesK, l.codesV, l.scaleZPK, l.scaleZPV = newCodesK, newCodesV, newSZK, newSZV
	} else {
		ctx := c.layerCtx(c.curLayer)
		newK := ctx.Zeros(c.dtype, newBatch, c.numKVHeads, newCapacity, c.headDim)
		newV := ctx.Zeros(c.dtype, newBatch, c.numKVHeads, newCapacity, c.headDim)
		newKVals, oldKVals := newK.Floats(), l.pastK.Floats()
		newVVals, oldVVals := newV.Floats(), l.pastV.Floats()
		for b := 0; b < newBatch; b++ {
			src := b
			if beamIdx != nil {
				src = int(beamIdx[b])
			}
			if src >= oldBatch {
				return fmt.Errorf("beam_idx[%d]=%d >= prior batch %d", b, src, oldBatch)
			}
			gatherFloatLane(oldKVals, newKVals, src, b, c.numKVHeads, oldCapacity, newCapacity, c.headDim, c.length)
			gatherFloatLane(oldVVals, newVVals, src, b, c.numKVHeads, oldCapacity, newCapacity, c.headDim, c.length)
		}
		newK.FromFloats(newKVals)
		newV.FromFloats(newVVals)
		l.pastK, l.pastV = newK, newV
	}

	c.batch = newBatch
	c.capacity = newCapacity

	newBTK := make([]int32, newBatch*newCapacity)
	newBTV := make([]int32, newBatch*newCapacity)
	for b := 0; b < newBatch; b++ {
		for t := 0; t < newCapacity; t++ {
			newBTK[b*newCapacity+t] = int32(b)
			newBTV[b*newCapacity+t] = int32(b)
		}
	}
	l.beamTableK, l.beamTableV = newBTK, newBTV

	return nil
}

func gatherQuantizedLane(oldCodes, newCodes []uint8, oldSZ, newSZ []ml.QuantParams, srcLane, dstLane, heads, oldCap, newCap, headDim, length int) {
	for h := 0; h < heads; h++ {
		for t := 0; t < length; t++ {
			srcOff := ((srcLane*heads+h)*oldCap + t) * headDim
			dstOff := ((dstLane*heads+h)*newCap + t) * headDim
			if srcOff+headDim > len(oldCodes) {
				continue
			}
			copy(newCodes[dstOff:dstOff+headDim], oldCodes[srcOff:srcOff+headDim])
			newSZ[(dstLane*heads+h)*newCap+t] = oldSZ[(srcLane*heads+h)*oldCap+t]
		}
	}
}

func gatherFloatLane(old, new []float32, srcLane, dstLane, heads, oldCap, newCap, headDim, length int) {
	for h := 0; h < heads; h++ {
		for t := 0; t < length; t++ {
			srcOff := ((srcLane*heads+h)*oldCap + t) * headDim
			dstOff := ((dstLane*heads+h)*newCap + t) * headDim
			if srcOff+headDim > len(old) {
				continue
			}
			copy(new[dstOff:dstOff+headDim], old[srcOff:srcOff+headDim])
		}
	}
}

// writeStep implements the "Write policy" of spec §4.6: writes curK/curV
// into past_{K,V}[:, :, L0..L0+L1, :] directly, or quantizes into U8 +
// scale/zp tables.
func (c *Causal) writeStep(l *layerState, curK, curV ml.Tensor, l1 int) {
	if l.quantized {
		kVals, vVals := curK.Floats(), curV.Floats()
		for b := 0; b < c.batch; b++ {
			for h := 0; h < c.numKVHeads; h++ {
				for i := 0; i < l1; i++ {
					t := c.length + i
					kRow := kVals[((b*c.numKVHeads+h)*l1+i)*c.headDim : ((b*c.numKVHeads+h)*l1+i+1)*c.headDim]
					vRow := vVals[((b*c.numKVHeads+h)*l1+i)*c.headDim : ((b*c.numKVHeads+h)*l1+i+1)*c.headDim]
					dstK := l.codesK[((b*c.numKVHeads+h)*c.capacity+t)*c.headDim : ((b*c.numKVHeads+h)*c.capacity+t+1)*c.headDim]
					dstV := l.codesV[((b*c.numKVHeads+h)*c.capacity+t)*c.headDim : ((b*c.numKVHeads+h)*c.capacity+t+1)*c.headDim]
					kCodes, kParams := ml.Quantize(kRow)
					vCodes, vParams := ml.Quantize(vRow)
					copy(dstK, kCodes)
					copy(dstV, vCodes)
					l.scaleZPK[(b*c.numKVHeads+h)*c.capacity+t] = kParams
					l.scaleZPV[(b*c.numKVHeads+h)*c.capacity+t] = vParams
				}
			}
		}
		return
	}

	kVals, vVals := curK.Floats(), curV.Floats()
	pastKVals, pastVVals := l.pastK.Floats(), l.pastV.Floats()
	for b := 0; b < c.batch; b++ {
		for h := 0; h < c.numKVHeads; h++ {
			for i := 0; i < l1; i++ {
				t := c.length + i
				srcOff := ((b*c.numKVHeads+h)*l1 + i) * c.headDim
				dstOff := ((b*c.numKVHeads+h)*c.capacity + t) * c.headDim
				copy(pastKVals[dstOff:dstOff+c.headDim], kVals[srcOff:srcOff+c.headDim])
				copy(pastVVals[dstOff:dstOff+c.headDim], vVals[srcOff:srcOff+c.headDim])
			}
		}
	}
	l.pastK.FromFloats(pastKVals)
	l.pastV.FromFloats(pastVVals)
}

func (c *Causal) validateBeamIdx(beamIdx []int32) error {
	for _, b := range beamIdx {
		if int(b) >= c.batch && c.batch == len(beamIdx) {
			return fmt.Errorf("%w: beam_idx entry %d >= prior batch %d", ErrCacheInconsistency, b, c.batch)
		}
	}
	return nil
}

func identityPermutation(beamIdx []int32, batch int) bool {
	if beamIdx == nil {
		return true
	}
	for b := 0; b < batch && b < len(beamIdx); b++ {
		if int(beamIdx[b]) != b {
			return false
		}
	}
	return true
}

func equalInt32(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Views implements the state-management entry point of spec §6: read-only
// access to past_K, past_V, beam_table, and the current logical length.
// Strides are always derived from the live c.capacity, never cached, which
// resolves spec §9's open question about the U8 scale/zp stride surviving a
// reset-triggered reallocation.
func (c *Causal) Views(ctx ml.Context) (pastK, pastV ml.Tensor, beamTableK []int32, length int) {
	l, ok := c.layers[c.curLayer]
	if !ok {
		return nil, nil, nil, 0
	}
	return l.pastK, l.pastV, l.beamTableK, c.length
}

// BeamTable exposes the beam-table indirection for the incremental kernel's
// per-timestep indirect reads (spec §4.5 step 1), for whichever layer is
// currently selected via SetLayer.
func (c *Causal) BeamTable() []int32 {
	l, ok := c.layers[c.curLayer]
	if !ok {
		return nil
	}
	return l.beamTableK
}

// Quantized reports whether the current layer's KV storage is int8-coded,
// and if so returns the raw code slabs and scale/zp tables for the
// incremental kernel's on-the-fly dequant path.
func (c *Causal) Quantized() (codesK, codesV []uint8, scaleZPK, scaleZPV []ml.QuantParams, ok bool) {
	l, exists := c.layers[c.curLayer]
	if !exists || !l.quantized {
		return nil, nil, nil, nil, false
	}
	return l.codesK, l.codesV, l.scaleZPK, l.scaleZPV, true
}

func (c *Causal) Capacity() int    { return c.capacity }
func (c *Causal) Batch() int       { return c.batch }
func (c *Causal) NumKVHeads() int  { return c.numKVHeads }
func (c *Causal) HeadDim() int     { return c.headDim }
