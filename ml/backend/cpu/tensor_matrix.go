// tensor_matrix.go - C1's general matmul and SGEMM entry points, backed by
// gonum.org/v1/gonum/mat. Both upconvert the inputs, multiply in gonum's
// float64 arithmetic and store the result as FP32 regardless of the input
// dtype ("Produces FP32 attention scores even when A/B are BF16/FP16",
// spec §4.1.1), then cast down only if the caller asked for a non-FP32
// result via Cast.
package cpu

import (
	"gonum.org/v1/gonum/mat"

	"github.com/7blacky7/attnengine/ml"
)

// generalMatmul computes t2^T-style attention matmuls the way ml.Tensor's
// Mulmat/MulmatFullPrec contract expects: result[i,j] = sum_k a[i,k]*b[j,k],
// i.e. b is implicitly transposed (this is the Q*K^T / W*V convention used
// throughout the attention kernels). fullPrec is accepted for interface
// symmetry with the teacher's Mulmat/MulmatFullPrec split; this backend
// computes the same way (float64 multiply, FP32 result) either way.
func generalMatmul(ctx *Context, a, b *tensor, fullPrec bool) ml.Tensor {
	rank := len(a.shape)
	batch := numel(a.shape[:rank-2])
	m, k := a.shape[rank-2], a.shape[rank-1]
	n := b.shape[len(b.shape)-2]

	key := primKey{
		dtype:       int(a.dtype),
		m:           m,
		n:           n,
		k:           k,
		lda:         a.strides[rank-2],
		ldb:         b.strides[len(b.shape)-2],
		bTransposed: true,
		fullPrec:    fullPrec,
	}
	ctx.backend.prims.getOrCreatePrimitive(key)

	outShape := append(append([]int(nil), a.shape[:rank-2]...), m, n)
	out := newTensor(ctx, ml.DTypeF32, outShape)

	aVals := a.readContiguous()
	bVals := b.readContiguous()

	for bi := 0; bi < batch; bi++ {
		am := mat.NewDense(m, k, toF64(aVals[bi*m*k:(bi+1)*m*k]))
		// b is [n,k]; we want a * b^T -> [m,n]
		bm := mat.NewDense(n, k, toF64(bVals[bi*n*k:(bi+1)*n*k]))
		var cm mat.Dense
		cm.Mul(am, bm.T())
		dst := out.buf[bi*m*n : (bi+1)*m*n]
		for i, v := range cm.RawMatrix().Data {
			dst[i] = float32(v)
		}
	}
	return out
}

func toF64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// sgemm is the FP32-only thin wrapper spec §4.1.3 calls for: 2D A[m,k] *
// B[k,n] (or B^T) -> C[m,n], with explicit leading dimensions.
func sgemm(a []float32, lda int, b []float32, ldb int, m, n, k int, bTransposed bool) []float32 {
	am := matFromLD(a, m, k, lda)
	var bm *mat.Dense
	if bTransposed {
		bm = matFromLD(b, n, k, ldb)
	} else {
		bm = matFromLD(b, k, n, ldb)
	}

	out := mat.NewDense(m, n, nil)
	if bTransposed {
		out.Mul(am, bm.T())
	} else {
		out.Mul(am, bm)
	}
	f64 := out.RawMatrix().Data
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

func matFromLD(data []float32, rows, cols, ld int) *mat.Dense {
	if ld == cols {
		f64 := make([]float64, rows*cols)
		for i, v := range data[:rows*cols] {
			f64[i] = float64(v)
		}
		return mat.NewDense(rows, cols, f64)
	}
	f64 := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			f64[i*cols+j] = float64(data[i*ld+j])
		}
	}
	return mat.NewDense(rows, cols, f64)
}
