// cache.go - the KV-cache state-management contract (C6), trimmed to the
// operations spec §6 names: Append, Reset, Views, plus the lifecycle
// methods needed to drive them (Init, SetConfig, Close, SetLayer). Grounded
// on the sibling ollama-ollama/kvcache/cache.go contract, since the chosen
// teacher fork's own kvcache/cache.go was missing from the retrieval.
package kvcache

import (
	"errors"

	"github.com/7blacky7/attnengine/ml"
)

// ErrCacheFull is returned by Append when capacity cannot be grown to fit
// the requested current-step length (an AllocationFailure per spec §7).
var ErrCacheFull = errors.New("kvcache: could not grow cache to fit batch")

// Cache is the per-layer KV-cache state machine described by spec §4.6/§6.
type Cache interface {
	// Init allocates the cache for a given backend, storage dtype, and
	// worst-case batch/capacity.
	Init(backend ml.Backend, dtype ml.DType, maxBatch, initialCapacity int)

	// SetConfig overrides the backend-provided ml.CacheConfig. Panics if
	// already set, matching the teacher's own guard.
	SetConfig(config ml.CacheConfig)

	// SetLayer selects which attention layer subsequent Append/Views calls
	// address.
	SetLayer(layer int)

	// Append writes curK, curV (current-step K/V, [B,H_kv,L1,S]) into the
	// cache, first reordering existing history according to beamIdx (see
	// spec §4.6's append state machine). beamIdx may be nil to mean the
	// identity permutation.
	Append(ctx ml.Context, curK, curV ml.Tensor, beamIdx []int32) error

	// Reset marks the cache empty; the next Append may reuse the
	// allocation (spec I5).
	Reset()

	// Views returns the current layer's read-only past_K, past_V, and
	// beam_table_K view, plus the logical length L0.
	Views(ctx ml.Context) (pastK, pastV ml.Tensor, beamTableK []int32, length int)

	Close()
}
