// backend.go - the pure-Go CPU compute backend.
//
// Registered under the name "cpu" so callers use it the way the teacher
// selects a backend by name via ml.NewBackend, without ever importing this
// package's concrete types directly.
package cpu

import (
	"github.com/7blacky7/attnengine/envconfig"
	"github.com/7blacky7/attnengine/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend is the process's single pure-Go attention compute backend. It
// owns the fork-join worker pool (pool.go), the structural primitive cache
// (primcache.go), and the KV-cache-shaping defaults exposed via
// ml.BackendCacheConfig.
type Backend struct {
	params    ml.BackendParams
	pool      *workerPool
	prims     *primCache
	cacheCfg  ml.CacheConfig
}

// New constructs a cpu Backend. It satisfies the factory signature expected
// by ml.RegisterBackend.
func New(params ml.BackendParams) (ml.Backend, error) {
	n := params.NumThreads
	if n <= 0 {
		n = envconfig.NumThreads()
	}
	return &Backend{
		params: params,
		pool:   newWorkerPool(n),
		prims:  newPrimCache(),
		cacheCfg: ml.CacheConfig{
			CachePadding:     32,
			PermutedV:        false,
			MaskDType:        ml.DTypeF32,
			KVCachePrecision: envconfig.DefaultKVCachePrecision(),
		},
	}, nil
}

func (b *Backend) Close() {}

func (b *Backend) NewContext() ml.Context {
	return &Context{backend: b, layer: -1}
}

func (b *Backend) NewContextSize(size int) ml.Context {
	return &Context{backend: b, layer: -1}
}

func (b *Backend) NumThreads() int {
	return b.pool.size
}

// CacheConfig implements ml.BackendCacheConfig.
func (b *Backend) CacheConfig() ml.CacheConfig {
	return b.cacheCfg
}
