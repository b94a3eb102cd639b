// context.go - the Context and Tensor interfaces, trimmed to what the
// attention path actually needs.
package ml

// Context represents an execution context for tensor allocation within a
// single forward pass or cache mutation.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromBytes(dtype DType, s []byte, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Forward schedules tensors for evaluation and returns the context for chaining.
	Forward(...Tensor) Context

	Close()

	// Input returns a context appropriate for creating tensors that are
	// inputs to a computation (positions, locations, masks).
	Input() Context

	// Layer returns a context appropriate for creating per-layer state
	// (used by the cache to scope key/value storage to one attention layer).
	Layer(int) Context
}

// Tensor represents a multi-dimensional array with the subset of operations
// the attention kernels and KV-cache require.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType
	Cast(ctx Context, dtype DType) Tensor

	Bytes() []byte
	Floats() []float32

	FromBytes([]byte)
	FromFloats([]float32)
	FromInts([]int32)

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context, shape ...int) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
	SetRows(ctx Context, src Tensor, idxs Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
}

// ScaledDotProductAttention implements a fused attention operation
// equivalent to the following, given query/key/value laid out as
// [B, H, q_len/kv_len, S] (see package attention for the canonical
// [B, H_q, q_len, S] contract this wraps):
//
//	qk := query.MulmatFullPrec(ctx, key) // [B, H, q_len, kv_len]
//	qk = qk.Scale(ctx, scale)
//	if mask != nil {
//		qk = qk.Add(ctx, mask)
//	}
//	qk = qk.Softmax(ctx)
//	vT := value.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx) // [B, H, S, kv_len]
//	return qk.Mulmat(ctx, vT) // [B, H, q_len, S]
//
// cacheConfigApplied indicates whether the optimizations requested through
// CacheConfig (padding, permuted V, mask dtype) have already been applied to
// key/value/mask by the caller, so the backend does not need to redo them.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, query, key, value, mask Tensor, scale float64, cacheConfigApplied bool) Tensor
}
