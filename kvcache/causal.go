// causal.go - the KV-cache state struct, growth rule, and per-layer storage
// (C6). Grounded on the teacher's kvcache/constructors.go and
// kvcache/forward.go (cacheCell/cellRange shape, roundUp/roundDown,
// Init/SetConfig/Close lifecycle), generalized per spec §3/§4.6: adds the
// beam table and U8 scale/zp tables (kvcache/beam.go), and drops the
// teacher's SWA/chunked-attention fields since sparse/local windows are an
// explicit spec Non-goal (see DESIGN.md).
package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/7blacky7/attnengine/ml"
)

// layerState is the per-layer past-K/V storage plus its int8 side tables.
type layerState struct {
	ctx ml.Context

	// pastK/pastV hold [B, H_kv, capacity, S] logical content backed by a
	// tensor of that shape at the storage dtype (FP32/BF16/F16), or raw U8
	// codes when quantized.
	pastK, pastV ml.Tensor

	// u8 storage path: raw codes plus per-(b,h_kv,t) quant params.
	quantized  bool
	codesK     []uint8 // [B*H_kv*capacity*S]
	codesV     []uint8
	scaleZPK   []ml.QuantParams // [B*H_kv*capacity]
	scaleZPV   []ml.QuantParams

	// beamTableK/V: [B*capacity] int32, identical after every update per
	// invariant I3.
	beamTableK []int32
	beamTableV []int32
}

// Causal is the C6 KV-cache: per-sequence past-K/V storage with geometric
// growth, beam-reorder, reset, and optional int8 packing.
type Causal struct {
	id      uuid.UUID
	backend ml.Backend
	dtype   ml.DType
	config  *ml.CacheConfig

	batch    int // B, the number of parallel beams/sequences the cache is shaped for
	numKVHeads int
	headDim  int

	capacity int // current allocation, in timesteps
	length   int // L0, logical history length
	isReset  bool

	layers   map[int]*layerState
	curLayer int
}

// NewCausalCache constructs an empty Causal cache, mirroring the teacher's
// NewCausalCache(shiftFn) factory shape minus the RoPE shift callback
// (position shifting is a sequence-editing feature with no counterpart in
// spec.md's append/reset-only contract).
func NewCausalCache() *Causal {
	return &Causal{
		id:     uuid.New(),
		layers: make(map[int]*layerState),
	}
}

var _ Cache = (*Causal)(nil)

func (c *Causal) Init(backend ml.Backend, dtype ml.DType, maxBatch, initialCapacity int) {
	if c.config == nil {
		var cfg ml.CacheConfig
		if cc, ok := backend.(ml.BackendCacheConfig); ok {
			cfg = cc.CacheConfig()
		}
		c.config = &cfg
	}
	if c.config.CachePadding == 0 {
		c.config.CachePadding = 1
	}
	if c.config.MaskDType == ml.DTypeOther {
		c.config.MaskDType = ml.DTypeF32
	}

	c.backend = backend
	c.dtype = dtype
	c.batch = maxBatch
	c.capacity = roundUp(initialCapacity, c.config.CachePadding)
	c.length = 0
	c.isReset = true

	slog.Debug("kvcache: init", "id", c.id, "batch", maxBatch, "capacity", c.capacity, "dtype", dtype)
}

// SetConfig overrides the backend-provided config. Panics if already set,
// matching the teacher's own irreversibility guard in kvcache/constructors.go.
func (c *Causal) SetConfig(config ml.CacheConfig) {
	if c.config != nil {
		panic("kvcache: config cannot be changed after being previously set")
	}
	c.config = &config
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Close() {
	for _, l := range c.layers {
		if l.ctx != nil {
			l.ctx.Close()
		}
	}
}

// Reset marks the cache empty. Per invariant I5, readers must observe
// length == 0 before the next Append; the allocation itself may be reused.
func (c *Causal) Reset() {
	c.isReset = true
	c.length = 0
	slog.Debug("kvcache: reset", "id", c.id, "layer", c.curLayer)
}

func roundDown(length, pad int) int {
	if pad <= 0 {
		return length
	}
	return (length / pad) * pad
}

func roundUp(length, pad int) int {
	if pad <= 0 {
		return length
	}
	return ((length + pad - 1) / pad) * pad
}

// grow doubles capacity to at least length+l1 (spec I1's "capacity doubles
// on overflow"), copying live prefix content and rebuilding the layer's
// tensors and side tables. Called by Append before writing the new step.
func (c *Causal) grow(l1 int) error {
	needed := c.length + l1
	if needed <= c.capacity {
		return nil
	}

	newCapacity := roundUp(2*needed, c.config.CachePadding)
	slog.Debug("kvcache: growth", "id", c.id, "layer", c.curLayer, "old_capacity", c.capacity, "new_capacity", newCapacity)

	for layerIdx, l := range c.layers {
		if l == nil {
			continue
		}
		if err := c.growLayer(layerIdx, l, newCapacity); err != nil {
			return fmt.Errorf("%w: %v: %v", ErrCacheFull, errAllocation, err)
		}
	}

	c.capacity = newCapacity
	return nil
}

var errAllocation = fmt.Errorf("allocation failure")

func (c *Causal) growLayer(layerIdx int, l *layerState, newCapacity int) error {
	oldCapacity := c.capacity

	if l.quantized {
		newCodesK := make([]uint8, c.batch*c.numKVHeads*newCapacity*c.headDim)
		newCodesV := make([]uint8, c.batch*c.numKVHeads*newCapacity*c.headDim)
		newSZK := make([]ml.QuantParams, c.batch*c.numKVHeads*newCapacity)
		newSZV := make([]ml.QuantParams, c.batch*c.numKVHeads*newCapacity)
		copyRows3D(l.codesK, newCodesK, c.batch, c.numKVHeads, oldCapacity, newCapacity, c.headDim)
		copyRows3D(l.codesV, newCodesV, c.batch, c.numKVHeads, oldCapacity, newCapacity, c.headDim)
		copyRows2D(l.scaleZPK, newSZK, c.batch, c.numKVHeads, oldCapacity, newCapacity)
		copyRows2D(l.scaleZPV, newSZV, c.batch, c.numKVHeads, oldCapacity, newCapacity)
		l.codesK, l.codesV, l.scaleZPK, l.scaleZPV = newCodesK, newCodesV, newSZK, newSZV
	} else if l.pastK != nil {
		newK := c.layerCtx(layerIdx).Zeros(c.dtype, c.batch, c.numKVHeads, newCapacity, c.headDim)
		newV := c.layerCtx(layerIdx).Zeros(c.dtype, c.batch, c.numKVHeads, newCapacity, c.headDim)
		copyTensorRows(l.pastK, newK, c.batch, c.numKVHeads, oldCapacity, newCapacity, c.headDim)
		copyTensorRows(l.pastV, newV, c.batch, c.numKVHeads, oldCapacity, newCapacity, c.headDim)
		l.pastK, l.pastV = newK, newV
	}

	newBTK := make([]int32, c.batch*newCapacity)
	newBTV := make([]int32, c.batch*newCapacity)
	for b := 0; b < c.batch; b++ {
		copy(newBTK[b*newCapacity:b*newCapacity+oldCapacity], l.beamTableK[b*oldCapacity:b*oldCapacity+min(oldCapacity, len(l.beamTableK)-b*oldCapacity)])
		copy(newBTV[b*newCapacity:b*newCapacity+oldCapacity], l.beamTableV[b*oldCapacity:b*oldCapacity+min(oldCapacity, len(l.beamTableV)-b*oldCapacity)])
	}
	l.beamTableK, l.beamTableV = newBTK, newBTV

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func copyRows3D(src, dst []uint8, batch, heads, oldCap, newCap, rowLen int) {
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < oldCap; t++ {
				srcOff := ((b*heads+h)*oldCap + t) * rowLen
				dstOff := ((b*heads+h)*newCap + t) * rowLen
				if srcOff+rowLen > len(src) {
					continue
				}
				copy(dst[dstOff:dstOff+rowLen], src[srcOff:srcOff+rowLen])
			}
		}
	}
}

func copyRows2D(src, dst []ml.QuantParams, batch, heads, oldCap, newCap int) {
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < oldCap; t++ {
				srcOff := (b*heads+h)*oldCap + t
				dstOff := (b*heads+h)*newCap + t
				if srcOff >= len(src) {
					continue
				}
				dst[dstOff] = src[srcOff]
			}
		}
	}
}

func copyTensorRows(src, dst ml.Tensor, batch, heads, oldCap, newCap, headDim int) {
	srcVals := src.Floats()
	dstVals := dst.Floats()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < oldCap; t++ {
				srcOff := ((b*heads+h)*oldCap + t) * headDim
				dstOff := ((b*heads+h)*newCap + t) * headDim
				if srcOff+headDim > len(srcVals) {
					continue
				}
				copy(dstVals[dstOff:dstOff+headDim], srcVals[srcOff:srcOff+headDim])
			}
		}
	}
	dst.FromFloats(dstVals)
}

func (c *Causal) layerCtx(layer int) ml.Context {
	l := c.layers[layer]
	if l.ctx == nil {
		l.ctx = c.backend.NewContextSize(2).Layer(layer)
	}
	return l.ctx
}

// Length reports the current logical history length L0, used by
// attention.Dispatch's incremental-routing rule and the prefill+auto-causal
// out-of-domain guard.
func (c *Causal) Length() int { return c.length }
