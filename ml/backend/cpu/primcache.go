// primcache.go - the "engine-scoped concurrent map with single-writer
// semantics" spec §9 calls for: a structural-key cache of matmul primitive
// descriptors and packed BRGEMM panels, one per Backend (created in New),
// insert-once / read-many after prepare time.
package cpu

import (
	"sync"

	"github.com/emirpasic/gods/v2/maps/hashmap"
)

// primKey identifies a general-matmul primitive by dtype/dims/strides/
// transpose flags, per spec §4.1.1.
type primKey struct {
	dtype        int
	m, n, k      int
	lda, ldb     int
	aTransposed  bool
	bTransposed  bool
	fullPrec     bool
}

// brgemmKey is the 7-tuple key from spec §4.1.2.
type brgemmKey struct {
	m, n, k          int
	lda, ldb, ldc    int
	bTransposed      bool
}

type primCache struct {
	mu     sync.RWMutex
	prims  *hashmap.Map[primKey, *primitive]
	brgemm *hashmap.Map[brgemmKey, *brgemmKernel]
}

func newPrimCache() *primCache {
	return &primCache{
		prims:  hashmap.New[primKey, *primitive](),
		brgemm: hashmap.New[brgemmKey, *brgemmKernel](),
	}
}

// primitive is an opaque descriptor produced once per distinct primKey. The
// cpu backend's matmul is dimension-agnostic at call time, so the
// descriptor only records the shape it was built for; a real SIMD backend
// would instead cache a compiled micro-kernel here.
type primitive struct {
	key primKey
}

func (c *primCache) getOrCreatePrimitive(key primKey) *primitive {
	c.mu.RLock()
	if p, ok := c.prims.Get(key); ok {
		c.mu.RUnlock()
		return p
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.prims.Get(key); ok {
		return p
	}
	p := &primitive{key: key}
	c.prims.Put(key, p)
	return p
}

func (c *primCache) getOrCreateBRGEMM(key brgemmKey) *brgemmKernel {
	c.mu.RLock()
	if k, ok := c.brgemm.Get(key); ok {
		c.mu.RUnlock()
		return k
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.brgemm.Get(key); ok {
		return k
	}
	k := newBRGEMMKernel(key)
	c.brgemm.Put(key, k)
	return k
}
