// tensor_nn.go - the cpu backend's ml.ScaledDotProductAttention
// implementation: the reference fused op described by the interface's own
// doc comment. attention.Dispatch's full-matmul strategy (C4a) and its
// q_len==1 no-cache path with equal head counts call this directly rather
// than reimplementing the same sequence.
package cpu

import "github.com/7blacky7/attnengine/ml"

func (b *Backend) ScaledDotProductAttention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64, cacheConfigApplied bool) ml.Tensor {
	q := query.(*tensor)
	k := key.(*tensor)
	v := value.(*tensor)

	// generalMatmul(a, b) contracts over each operand's trailing axis and
	// returns [a.rows, b.rows] (a * b^T), so Q*K^T needs Q and K passed in
	// that order — both have head_dim as their last axis, contracting over
	// it and yielding [qLen, kvLen].
	qk := q.MulmatFullPrec(ctx, k).(*tensor)
	qk = qk.Scale(ctx, scale).(*tensor)

	if mask != nil {
		qk = qk.Add(ctx, mask).(*tensor)
	}

	qk = qk.Softmax(ctx).(*tensor)

	// weights*V contracts over kv_len, which sits second-to-last in V
	// ([..., kvLen, S]) rather than last, so V is transposed into
	// [..., S, kvLen] first to match generalMatmul's trailing-axis contract.
	vT := v.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx).(*tensor)
	out := qk.Mulmat(ctx, vT).(*tensor)
	return out
}
