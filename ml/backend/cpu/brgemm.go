// brgemm.go - packed block-panel GEMM emulation (C1.2).
//
// Real BRGEMM micro-kernels are architecture-specific assembly consumed
// through a narrow interface (spec §1's out-of-scope list); no Go library
// in the retrieval pack exposes one, so this models the same contract
// (pack once, execute many times against the packed panel) as a blocked
// dot-product loop. The packed layout is opaque outside this file, per
// spec §4.1(i) and §9's "packed-B opacity" note.
package cpu

// brgemmKernel is the cached object keyed by the 7-tuple
// (M,N,K,lda,ldb,ldc,bTransposed).
type brgemmKernel struct {
	key brgemmKey
}

func newBRGEMMKernel(key brgemmKey) *brgemmKernel {
	return &brgemmKernel{key: key}
}

func (k *brgemmKernel) ScratchASize() int { return k.key.m * k.key.k }
func (k *brgemmKernel) ScratchBSize() int { return k.key.k * k.key.n }
func (k *brgemmKernel) WspSize() int      { return k.key.m * k.key.n }

// PackB copies src (K x N, row-major with stride ldb, or its transpose)
// into an opaque packed representation. The packed slice is itself a plain
// row-major K x N buffer here — a real backend would block/interleave it
// for its ISA — but callers must treat it as opaque, never indexing into it
// directly outside this file.
func (k *brgemmKernel) PackB(src []float32, packed []float32) {
	kk, n := k.key.k, k.key.n
	if !k.key.bTransposed {
		for i := 0; i < kk; i++ {
			copy(packed[i*n:(i+1)*n], src[i*k.key.ldb:i*k.key.ldb+n])
		}
		return
	}
	// src is N x K (transposed): packed[i*n+j] = src[j*ldb+i]
	for i := 0; i < kk; i++ {
		for j := 0; j < n; j++ {
			packed[i*n+j] = src[j*k.key.ldb+i]
		}
	}
}

// Execute computes C[0:mCnt, 0:N] = A[0:mCnt, 0:K] * packedB, where mCnt may
// be less than the kernel's natural M (the "tail M-block" case spec §4.1(iii)
// calls out). scratchA and wsp are per-thread buffers sized by
// ScratchASize/WspSize, supplied by the caller so concurrent Execute calls
// with distinct scratch are safe per spec §4.1(ii).
func (k *brgemmKernel) Execute(mCnt int, a []float32, packedB []float32, c []float32, wsp []float32, scratchA []float32) {
	kk, n, ldc := k.key.k, k.key.n, k.key.ldc
	lda := k.key.lda

	copy(scratchA[:mCnt*kk], flattenLDA(a, mCnt, kk, lda))

	for i := 0; i < mCnt; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < kk; p++ {
				sum += scratchA[i*kk+p] * packedB[p*n+j]
			}
			c[i*ldc+j] = sum
		}
	}
}

func flattenLDA(a []float32, m, k, lda int) []float32 {
	if lda == k {
		return a[:m*k]
	}
	out := make([]float32, m*k)
	for i := 0; i < m; i++ {
		copy(out[i*k:(i+1)*k], a[i*lda:i*lda+k])
	}
	return out
}
