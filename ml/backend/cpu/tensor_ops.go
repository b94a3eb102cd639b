// tensor_ops.go - the prefill query-tiling paths that fan out over the
// (B, H_q, ceil(q_len/m_block)) region spec §5's parallel-region table
// names: block-panel BRGEMM (C4b, packing K/V once per (b,h_kv) and reusing
// the panel across every h_q/tile in that group) and the FP32 SGEMM
// fallback (C1.3), which skips packing and scores each tile against the raw
// K/V directly.
package cpu

import (
	"github.com/7blacky7/attnengine/ml"
)

// GroupedAttention computes attention for grouped/multi-query heads
// (H_q > H_kv) via packed BRGEMM panels, per spec §4.4(b). q is
// [B,H_q,qLen,S], k/v are [B,H_kv,kvLen,S]. mask, if non-nil, is additive
// and broadcastable to [B,H_q,qLen,kvLen]. nCausal(b,hq,m) returns the
// truncation point for row m (kv_len for non-causal, or the auto-causal
// bound). mBlockSize is the query-tile width; the (B,H_q,tile) region it
// carves out is the fork/join unit, per spec §5.
func (backend *Backend) GroupedAttention(ctxIface ml.Context, qIface, kIface, vIface, maskIface ml.Tensor, scale float64, mBlockSize int, nCausal func(b, hq, m int) int) ml.Tensor {
	ctx := ctxIface.(*Context)
	q, k, v := qIface.(*tensor), kIface.(*tensor), vIface.(*tensor)
	var mask *tensor
	if maskIface != nil {
		mask = maskIface.(*tensor)
	}

	b, hq, qLen, s := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	hkv, kvLen := k.shape[1], k.shape[2]
	group := hq / hkv

	qVals := q.readContiguous()
	kVals := k.readContiguous()
	vVals := v.readContiguous()
	var maskVals []float32
	if mask != nil {
		maskVals = mask.broadcastTo([]int{b, hq, qLen, kvLen})
	}

	out := newTensor(ctx, ml.DTypeF32, []int{b, hq, qLen, s})
	blockM := clampBlock(mBlockSize, qLen)

	kKey := brgemmKey{m: blockM, n: kvLen, k: s, lda: s, ldb: s, ldc: kvLen, bTransposed: true}
	kKernel := backend.prims.getOrCreateBRGEMM(kKey)
	vKey := brgemmKey{m: blockM, n: s, k: kvLen, lda: kvLen, ldb: s, ldc: s, bTransposed: false}
	vKernel := backend.prims.getOrCreateBRGEMM(vKey)

	// K/V panels only depend on (b, h_kv), so they're packed once, ahead of
	// the query-tile fan-out below, and shared read-only across every
	// h_q/tile that reuses the same group.
	packedK := make([][]float32, b*hkv)
	packedV := make([][]float32, b*hkv)
	if err := backend.pool.ForEach2D(b, hkv, func(bi, hi int) error {
		idx := bi*hkv + hi
		pk := make([]float32, kKernel.ScratchBSize())
		pv := make([]float32, vKernel.ScratchBSize())
		kPanel := kVals[idx*kvLen*s : (idx+1)*kvLen*s]
		vPanel := vVals[idx*kvLen*s : (idx+1)*kvLen*s]
		kKernel.PackB(kPanel, pk)
		vKernel.PackB(vPanel, pv)
		packedK[idx] = pk
		packedV[idx] = pv
		return nil
	}); err != nil {
		panic(err)
	}

	// The (B, H_q, ceil(q_len/m_block)) region spec §5 names: each tile is
	// packed against its group's already-packed panel and scored/written
	// independently, so it forks/joins as its own unit with its own scratch.
	numTiles := ceilDiv(qLen, blockM)
	err := backend.pool.ForEach3D(b, hq, numTiles, func(bi, hqIdx, tile int) error {
		hi := hqIdx / group
		m0 := tile * blockM
		mCnt := min(blockM, qLen-m0)
		if mCnt <= 0 {
			return nil
		}

		packedKPanel := packedK[bi*hkv+hi]
		packedVPanel := packedV[bi*hkv+hi]
		scratchA := make([]float32, max(kKernel.ScratchASize(), vKernel.ScratchASize()))
		wsp := make([]float32, max(kKernel.WspSize(), vKernel.WspSize()))
		scores := make([]float32, mCnt*kvLen)
		weights := make([]float32, mCnt*kvLen)

		qTile := qVals[(bi*hq+hqIdx)*qLen*s+m0*s : (bi*hq+hqIdx)*qLen*s+(m0+mCnt)*s]
		kKernel.Execute(mCnt, qTile, packedKPanel, scores, wsp, scratchA)

		for mi := 0; mi < mCnt; mi++ {
			m := m0 + mi
			row := scores[mi*kvLen : (mi+1)*kvLen]
			wrow := weights[mi*kvLen : (mi+1)*kvLen]
			var maskRow []float32
			if maskVals != nil {
				off := ((bi*hq+hqIdx)*qLen + m) * kvLen
				maskRow = maskVals[off : off+kvLen]
			}
			SoftmaxRow(row, wrow, SoftmaxOpts{
				DScale:  float32(scale),
				AddMask: maskRow,
				NCausal: nCausal(bi, hqIdx, m),
				KVLen:   kvLen,
			})
		}

		outTile := out.buf[(bi*hq+hqIdx)*qLen*s+m0*s : (bi*hq+hqIdx)*qLen*s+(m0+mCnt)*s]
		vKernel.Execute(mCnt, weights, packedVPanel, outTile, wsp, scratchA)
		return nil
	})
	if err != nil {
		panic(err)
	}

	return out
}

// SGEMMAttention computes prefill attention via the FP32-only SGEMM path
// (C1.3), spec §4.4's closing-paragraph fallback: the same (B, H_q, tile)
// query tiling as GroupedAttention, but each tile is scored directly against
// its group's raw K/V through plain sgemm calls rather than packed BRGEMM
// panels, since the SGEMM primitive has no pack/execute split.
func (backend *Backend) SGEMMAttention(ctxIface ml.Context, qIface, kIface, vIface, maskIface ml.Tensor, scale float64, mBlockSize int, nCausal func(b, hq, m int) int) ml.Tensor {
	ctx := ctxIface.(*Context)
	q, k, v := qIface.(*tensor), kIface.(*tensor), vIface.(*tensor)
	var mask *tensor
	if maskIface != nil {
		mask = maskIface.(*tensor)
	}

	b, hq, qLen, s := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	hkv, kvLen := k.shape[1], k.shape[2]
	group := hq / hkv

	qVals := q.readContiguous()
	kVals := k.readContiguous()
	vVals := v.readContiguous()
	var maskVals []float32
	if mask != nil {
		maskVals = mask.broadcastTo([]int{b, hq, qLen, kvLen})
	}

	out := newTensor(ctx, ml.DTypeF32, []int{b, hq, qLen, s})
	blockM := clampBlock(mBlockSize, qLen)
	numTiles := ceilDiv(qLen, blockM)

	err := backend.pool.ForEach3D(b, hq, numTiles, func(bi, hqIdx, tile int) error {
		hi := hqIdx / group
		m0 := tile * blockM
		mCnt := min(blockM, qLen-m0)
		if mCnt <= 0 {
			return nil
		}

		qTile := qVals[(bi*hq+hqIdx)*qLen*s+m0*s : (bi*hq+hqIdx)*qLen*s+(m0+mCnt)*s]
		kHead := kVals[(bi*hkv+hi)*kvLen*s : (bi*hkv+hi+1)*kvLen*s]
		vHead := vVals[(bi*hkv+hi)*kvLen*s : (bi*hkv+hi+1)*kvLen*s]

		// Q[mCnt,S] * K[kvLen,S]^T -> scores[mCnt,kvLen].
		scores := sgemm(qTile, s, kHead, s, mCnt, kvLen, s, true)
		weights := make([]float32, mCnt*kvLen)
		for mi := 0; mi < mCnt; mi++ {
			m := m0 + mi
			row := scores[mi*kvLen : (mi+1)*kvLen]
			wrow := weights[mi*kvLen : (mi+1)*kvLen]
			var maskRow []float32
			if maskVals != nil {
				off := ((bi*hq+hqIdx)*qLen + m) * kvLen
				maskRow = maskVals[off : off+kvLen]
			}
			SoftmaxRow(row, wrow, SoftmaxOpts{
				DScale:  float32(scale),
				AddMask: maskRow,
				NCausal: nCausal(bi, hqIdx, m),
				KVLen:   kvLen,
			})
		}

		// weights[mCnt,kvLen] * V[kvLen,S] -> out[mCnt,S].
		outTile := sgemm(weights, kvLen, vHead, s, mCnt, s, kvLen, false)
		copy(out.buf[(bi*hq+hqIdx)*qLen*s+m0*s:(bi*hq+hqIdx)*qLen*s+(m0+mCnt)*s], outTile)
		return nil
	})
	if err != nil {
		panic(err)
	}

	return out
}

// clampBlock caps a requested query-tile width to qLen, so a single tile
// covers the whole row when the caller's block size is larger.
func clampBlock(mBlockSize, qLen int) int {
	if mBlockSize <= 0 || mBlockSize > qLen {
		return qLen
	}
	return mBlockSize
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
