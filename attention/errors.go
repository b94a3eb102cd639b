// errors.go - the four error kinds of spec §7. All are synchronous,
// reported by wrapping a sentinel with context via fmt.Errorf("%w: ...")
// and checked by callers with errors.Is, mirroring the teacher's
// kvcache.ErrKvCacheFull convention.
package attention

import "errors"

var (
	// ErrPreconditionFailure signals an unsupported shape/precision/config
	// combination (rank != 4, H_q % H_kv != 0, BF16 requested without CPU
	// support, mask rank > 4, or the out-of-domain prefill+auto-causal+
	// non-empty-cache combination).
	ErrPreconditionFailure = errors.New("attention: precondition failure")

	// ErrBackendUnavailable signals that no matmul backend registered at
	// build time matches the requested precision.
	ErrBackendUnavailable = errors.New("attention: backend unavailable")

	// ErrAllocationFailure signals that scratch or cache growth failed.
	ErrAllocationFailure = errors.New("attention: allocation failure")

	// ErrCacheInconsistency signals beam_idx[b] >= prior batch, or
	// reset-state flags disagreeing between the K and V caches.
	ErrCacheInconsistency = errors.New("attention: cache inconsistency")
)
