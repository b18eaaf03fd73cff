// Package codecache bounds how many compiled WASM modules the Dispatch
// Processor keeps resident at once, evicting the least recently used
// CodeId when the cache is full.
//
// wasmvm.Engine already dedups identical instrumented bytecode at the
// process level through wazero's own CompilationCache; this package
// instead bounds how many *instantiable* wazero.CompiledModule handles a
// running node holds open simultaneously, so a node that has served many
// distinct CodeIds over its lifetime doesn't grow that set without limit.
//
// Grounded on pkg/cache/lru_cache.go's capacity-bound, least-recently-used
// eviction shape, rebuilt on hashicorp/golang-lru/v2 in place of that
// file's hand-rolled container/list ring: golang-lru's eviction callback
// is what lets an evicted entry's wazero resources be closed as it is
// pushed out, which the hand-rolled version had no hook for.
package codecache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// Cache is a CodeId-keyed, fixed-capacity store of compiled modules.
type Cache struct {
	inner *lru.Cache[ids.CodeId, wazero.CompiledModule]
}

// New builds a Cache holding at most capacity compiled modules. Capacity
// must be positive; callers pass a fixed configuration constant.
func New(capacity int) *Cache {
	inner, err := lru.NewWithEvict[ids.CodeId, wazero.CompiledModule](capacity, func(_ ids.CodeId, m wazero.CompiledModule) {
		_ = m.Close(context.Background())
	})
	if err != nil {
		panic(err)
	}
	return &Cache{inner: inner}
}

// Get returns the compiled module for id, if resident, marking it most
// recently used.
func (c *Cache) Get(id ids.CodeId) (wazero.CompiledModule, bool) {
	return c.inner.Get(id)
}

// Put inserts or replaces the compiled module for id, evicting the least
// recently used entry (closing its module) if the cache is at capacity.
func (c *Cache) Put(id ids.CodeId, m wazero.CompiledModule) {
	c.inner.Add(id, m)
}

// Remove evicts id, closing its module if present. Used when a CodeId's
// instrumented bytes are replaced or its code entry is dropped.
func (c *Cache) Remove(id ids.CodeId) {
	c.inner.Remove(id)
}

// Len reports the number of resident compiled modules.
func (c *Cache) Len() int {
	return c.inner.Len()
}
