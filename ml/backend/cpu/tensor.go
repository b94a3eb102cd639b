// tensor.go - dense, strided, row-major tensor backing the cpu backend.
//
// A tensor never claims ownership of memory handed to it via FromBytes for
// inputs; View/Permute reinterpret the existing buffer through new strides
// rather than copying, mirroring how the teacher's ggml-backed tensor wraps
// foreign C memory. Reshape copies the elements into a new contiguous
// buffer.
package cpu

import (
	"fmt"

	"github.com/7blacky7/attnengine/ml"
)

type tensor struct {
	ctx     *Context
	dtype   ml.DType
	shape   []int
	strides []int // in elements, not bytes
	offset  int   // in elements, relative to buf
	buf     []float32
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func newTensor(ctx *Context, dtype ml.DType, shape []int) *tensor {
	return &tensor{
		ctx:     ctx,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
		buf:     make([]float32, numel(shape)),
	}
}

func (t *tensor) Dim(n int) int    { return t.shape[n] }
func (t *tensor) Stride(n int) int { return t.strides[n] }
func (t *tensor) Shape() []int     { return append([]int(nil), t.shape...) }
func (t *tensor) DType() ml.DType  { return t.dtype }

func (t *tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}
	out := newTensor(t.ctx, dtype, t.shape)
	copy(out.buf, t.readContiguous())
	return out
}

// readContiguous materializes a contiguous copy of the tensor's logical
// float32 values, applying whatever strides/offset are currently in effect.
func (t *tensor) readContiguous() []float32 {
	out := make([]float32, numel(t.shape))
	idx := make([]int, len(t.shape))
	for i := range out {
		off := t.offset
		for d := range idx {
			off += idx[d] * t.strides[d]
		}
		out[i] = t.buf[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

func (t *tensor) Bytes() []byte {
	return fromFloat32(t.dtype, t.readContiguous())
}

func (t *tensor) Floats() []float32 {
	return t.readContiguous()
}

func (t *tensor) FromBytes(b []byte) {
	vals := toFloat32(t.dtype, b)
	t.writeContiguous(vals)
}

func (t *tensor) FromFloats(vals []float32) {
	t.writeContiguous(vals)
}

func (t *tensor) FromInts(vals []int32) {
	f := make([]float32, len(vals))
	for i, v := range vals {
		f[i] = float32(v)
	}
	t.writeContiguous(f)
}

func (t *tensor) writeContiguous(vals []float32) {
	if len(vals) != numel(t.shape) {
		panic(fmt.Sprintf("cpu: tensor write size mismatch: have %d want %d", len(vals), numel(t.shape)))
	}
	if t.offset == 0 && stridesAreContiguous(t.shape, t.strides) {
		copy(t.buf, vals)
		return
	}
	idx := make([]int, len(t.shape))
	for i := range vals {
		off := t.offset
		for d := range idx {
			off += idx[d] * t.strides[d]
		}
		t.buf[off] = vals[i]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
}

func stridesAreContiguous(shape, strides []int) bool {
	want := contiguousStrides(shape)
	for i := range want {
		if want[i] != strides[i] {
			return false
		}
	}
	return true
}

func (t *tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.elemwise(t2, func(a, b float32) float32 { return a + b }) }
func (t *tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.elemwise(t2, func(a, b float32) float32 { return a - b }) }
func (t *tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.elemwise(t2, func(a, b float32) float32 { return a * b }) }

func (t *tensor) elemwise(other ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	a := t.readContiguous()
	b := other.(*tensor).broadcastRead(t.shape)
	out := newTensor(t.ctx, t.dtype, t.shape)
	for i := range a {
		out.buf[i] = op(a[i], b[i])
	}
	return out
}

// broadcastRead reads t's values broadcast to targetShape (numpy-style
// trailing-dimension broadcast), used for mask/bias addition where the mask
// may be [1,1,q_len,kv_len] against scores [B,H,q_len,kv_len].
func (t *tensor) broadcastRead(targetShape []int) []float32 {
	if len(t.shape) == len(targetShape) {
		match := true
		for i := range t.shape {
			if t.shape[i] != targetShape[i] && t.shape[i] != 1 {
				match = false
				break
			}
		}
		if match {
			return t.broadcastTo(targetShape)
		}
	}
	src := t.readContiguous()
	if numel(t.shape) == numel(targetShape) {
		return src
	}
	panic("cpu: broadcast shape mismatch")
}

func (t *tensor) broadcastTo(targetShape []int) []float32 {
	src := t.readContiguous()
	out := make([]float32, numel(targetShape))
	idx := make([]int, len(targetShape))
	for i := range out {
		srcOff := 0
		acc := 1
		for d := len(targetShape) - 1; d >= 0; d-- {
			srcIdx := idx[d]
			if t.shape[d] == 1 {
				srcIdx = 0
			}
			srcOff += srcIdx * acc
			if t.shape[d] != 1 {
				acc *= t.shape[d]
			}
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

func (t *tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(t.ctx, t.dtype, t.shape)
	src := t.readContiguous()
	for i, v := range src {
		out.buf[i] = v * float32(s)
	}
	return out
}

func (t *tensor) Softmax(ctx ml.Context) ml.Tensor {
	rows := numel(t.shape[:len(t.shape)-1])
	kvLen := t.shape[len(t.shape)-1]
	src := t.readContiguous()
	out := newTensor(t.ctx, t.dtype, t.shape)
	for r := 0; r < rows; r++ {
		row := src[r*kvLen : (r+1)*kvLen]
		outRow := out.buf[r*kvLen : (r+1)*kvLen]
		SoftmaxRow(row, outRow, SoftmaxOpts{DScale: 1, NCausal: kvLen, KVLen: kvLen})
	}
	return out
}

func (t *tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != numel(t.shape) {
		panic("cpu: reshape size mismatch")
	}
	out := &tensor{ctx: t.ctx, dtype: t.dtype, buf: t.readContiguous(), shape: append([]int(nil), shape...)}
	out.strides = contiguousStrides(shape)
	return out
}

func (t *tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	strides := make([]int, len(shape)/2)
	dims := make([]int, len(shape)/2)
	for i := 0; i < len(shape); i += 2 {
		dims[i/2] = shape[i]
		strides[i/2] = shape[i+1]
	}
	return &tensor{ctx: t.ctx, dtype: t.dtype, buf: t.buf, offset: t.offset + offset, shape: dims, strides: strides}
}

func (t *tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	shape := make([]int, len(order))
	strides := make([]int, len(order))
	for i, d := range order {
		shape[i] = t.shape[d]
		strides[i] = t.strides[d]
	}
	return &tensor{ctx: t.ctx, dtype: t.dtype, buf: t.buf, offset: t.offset, shape: shape, strides: strides}
}

func (t *tensor) Contiguous(ctx ml.Context, shape ...int) ml.Tensor {
	targetShape := t.shape
	if len(shape) > 0 {
		targetShape = shape
	}
	out := newTensor(t.ctx, t.dtype, targetShape)
	copy(out.buf, t.readContiguous())
	return out
}

func (t *tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	other := t2.(*tensor)
	shape := append([]int(nil), t.shape...)
	shape[dim] += other.shape[dim]
	out := newTensor(t.ctx, t.dtype, shape)

	writeSlab := func(src *tensor, dimOffset int) {
		srcVals := src.readContiguous()
		idx := make([]int, len(src.shape))
		for i := range srcVals {
			dstIdx := append([]int(nil), idx...)
			dstIdx[dim] += dimOffset
			off := 0
			for d := range dstIdx {
				off += dstIdx[d] * out.strides[d]
			}
			out.buf[off] = srcVals[i]
			for d := len(idx) - 1; d >= 0; d-- {
				idx[d]++
				if idx[d] < src.shape[d] {
					break
				}
				idx[d] = 0
			}
		}
	}
	writeSlab(t, 0)
	writeSlab(other, t.shape[dim])
	return out
}

func (t *tensor) Rows(ctx ml.Context, idxs ml.Tensor) ml.Tensor {
	idxT := idxs.(*tensor)
	ids := idxT.readContiguous()
	rowLen := numel(t.shape[1:])
	out := newTensor(t.ctx, t.dtype, append([]int{len(ids)}, t.shape[1:]...))
	src := t.readContiguous()
	for i, id := range ids {
		copy(out.buf[i*rowLen:(i+1)*rowLen], src[int(id)*rowLen:(int(id)+1)*rowLen])
	}
	return out
}

func (t *tensor) SetRows(ctx ml.Context, src ml.Tensor, idxs ml.Tensor) ml.Tensor {
	srcT := src.(*tensor)
	idxT := idxs.(*tensor)
	ids := idxT.readContiguous()
	rowLen := numel(t.shape[1:])
	srcVals := srcT.readContiguous()
	for i, id := range ids {
		dst := int(id) * rowLen
		copy(t.buf[t.offset+dst:t.offset+dst+rowLen], srcVals[i*rowLen:(i+1)*rowLen])
	}
	return t
}

func (t *tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	other := t2.(*tensor)
	t.writeContiguous(other.readContiguous())
	return t
}

func (t *tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return generalMatmul(t.ctx, t, t2.(*tensor), false)
}

func (t *tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return generalMatmul(t.ctx, t, t2.(*tensor), true)
}
