package program

import (
	"fmt"
	"sync"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// SectionSizes records the byte sizes used for module-instantiation
// charging (spec §3 "InstantiatedSectionSizes").
type SectionSizes struct {
	CodeSection   uint32
	DataSection   uint32
	GlobalSection uint32
	TableSection  uint32
	ElementSection uint32
	TypeSection   uint32
}

// Exports summarizes which well-known entry points an instrumented
// module declares.
type Exports struct {
	HasInit         bool
	HasHandle       bool
	HasHandleReply  bool
	HasHandleSignal bool
}

// CodeMetadata is the third parallel map spec §3 names.
type CodeMetadata struct {
	ScheduleVersion uint32
	OriginalLength  uint32
	Exports         Exports
}

// codeEntry bundles the three parallel records that must exist together
// or not at all for a given CodeId (spec §3 invariant).
type codeEntry struct {
	Original     []byte
	Instrumented []byte
	Sections     SectionSizes
	Metadata     CodeMetadata
}

// ErrCodeNotFound indicates no code is stored under the given CodeId.
var ErrCodeNotFound = fmt.Errorf("code store: not found")

// CodeStore is the CodeId-keyed table backing OriginalCode,
// InstrumentedCode and CodeMetadata.
type CodeStore struct {
	mu   sync.RWMutex
	byId map[ids.CodeId]*codeEntry
}

func NewCodeStore() *CodeStore {
	return &CodeStore{byId: make(map[ids.CodeId]*codeEntry)}
}

// Put stores all three records for a CodeId atomically, satisfying the
// spec's all-or-nothing invariant by construction: there is no API to
// store fewer than three.
func (c *CodeStore) Put(id ids.CodeId, original, instrumented []byte, sections SectionSizes, meta CodeMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byId[id] = &codeEntry{
		Original:     original,
		Instrumented: instrumented,
		Sections:     sections,
		Metadata:     meta,
	}
}

// Has reports whether a CodeId is stored.
func (c *CodeStore) Has(id ids.CodeId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byId[id]
	return ok
}

// Original returns the uploaded bytes for a CodeId.
func (c *CodeStore) Original(id ids.CodeId) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byId[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, id)
	}
	return e.Original, nil
}

// Instrumented returns the metered bytes and instantiation section sizes
// for a CodeId.
func (c *CodeStore) Instrumented(id ids.CodeId) ([]byte, SectionSizes, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byId[id]
	if !ok {
		return nil, SectionSizes{}, fmt.Errorf("%w: %s", ErrCodeNotFound, id)
	}
	return e.Instrumented, e.Sections, nil
}

// Metadata returns the CodeMetadata for a CodeId.
func (c *CodeStore) Metadata(id ids.CodeId) (CodeMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byId[id]
	if !ok {
		return CodeMetadata{}, fmt.Errorf("%w: %s", ErrCodeNotFound, id)
	}
	return e.Metadata, nil
}

// Remove drops all three records for a CodeId.
func (c *CodeStore) Remove(id ids.CodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byId, id)
}
