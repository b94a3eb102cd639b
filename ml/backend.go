// backend.go - the Backend interface and the registry compute backends
// register themselves under by name.
package ml

import "fmt"

// Backend represents a compute backend capable of executing tensor graphs
// and, optionally, a fused ScaledDotProductAttention kernel.
type Backend interface {
	Close()

	NewContext() Context
	NewContextSize(size int) Context

	// NumThreads reports the size of the fork-join worker pool this backend
	// schedules Compute work onto.
	NumThreads() int
}

// BackendCacheConfig should be implemented by backends that need special
// output from the KV-cache to meet specific kernel requirements. It is
// frequently implemented in conjunction with ScaledDotProductAttention.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// CacheConfig controls optimizations (mostly backend-specific) that
// transform the output of the cache to work better with specific kernels.
type CacheConfig struct {
	// CachePadding specifies the multiple the cache rounds its capacity up to
	// when it allocates or grows.
	CachePadding int

	// PermutedV is carried for backends that want v stored permuted; the
	// kvcache package does not read it and always stores v unpermuted.
	PermutedV bool

	// MaskDType specifies the data type for generated masks. If unset it
	// defaults to DTypeF32.
	MaskDType DType

	// KVCachePrecision selects the storage precision for past_K/past_V.
	// Only DTypeI8 changes storage (U8 codes with per-row scale/zero-point);
	// any other value stores at the dtype the cache was initialized with.
	KVCachePrecision DType
}

// BackendParams controls how a backend allocates and schedules execution.
type BackendParams struct {
	// AllocMemory causes the backend to allocate memory eagerly. If false,
	// this is only being used for discovering the required amount of memory.
	AllocMemory bool

	// NumThreads sets the size of the fork-join worker pool used for
	// data-parallel compute. A value <= 0 defaults to envconfig.NumThreads()
	// (ATTNENGINE_NUM_THREADS, else runtime.NumCPU()).
	NumThreads int
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function under name.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered: " + name)
	}
	backends[name] = f
}

// NewBackend creates a new backend instance registered under name.
func NewBackend(name string, params BackendParams) (Backend, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ml: unregistered backend %q", name)
	}
	return f(params)
}
