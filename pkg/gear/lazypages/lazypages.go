// Package lazypages implements the per-execution page-access tracker of
// spec §4.C: pages start inaccessible, the first read or write charges
// the appropriate schedule cost and fetches persisted data on demand,
// and the dirty set is handed to the Journal at entry-point completion.
//
// wazero gives Go code direct access to the instance's linear memory
// buffer rather than OS-level page-fault trapping, so this manager
// intercepts host-call memory access at the Go call boundary instead of
// via SIGSEGV — the same charge-on-first-touch semantics, implemented at
// the layer wazero actually exposes. Grounded on
// pkg/contracts/engine/gas_meter.go's ConsumeGas-before-side-effect
// idiom, generalized into per-page read/write tracking.
package lazypages

import (
	"errors"
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
)

// Status mirrors spec §3's lazy-page-state status enum.
type Status int

const (
	Normal Status = iota
	GasLimitExceeded
	GasAllowanceExceeded
)

// PageSource loads a persisted page's bytes, or reports it has never
// been written (satisfied by *gearstore.Store).
type PageSource interface {
	ReadPage(infix uint32, page uint32) ([]byte, bool, error)
}

// Charger deducts gas for one access; calls into the gas tree node
// funding the currently executing dispatch.
type Charger interface {
	Charge(amount uint64) error
}

// Manager tracks page access for one executing instance. A fresh Manager
// is created per dispatch (spec §4.C: "runs single-threaded within one
// dispatch's execution").
type Manager struct {
	infix    uint32
	schedule *gearconfig.Schedule
	source   PageSource
	charger  Charger

	accessed map[uint32]struct{}
	written  map[uint32]struct{}
	dirty    map[uint32][]byte

	status Status
}

// New returns a Manager for one dispatch's execution against infix.
func New(infix uint32, schedule *gearconfig.Schedule, source PageSource, charger Charger) *Manager {
	return &Manager{
		infix:    infix,
		schedule: schedule,
		source:   source,
		charger:  charger,
		accessed: make(map[uint32]struct{}),
		written:  make(map[uint32]struct{}),
		dirty:    make(map[uint32][]byte),
	}
}

// Status reports the manager's current failure state, if any.
func (m *Manager) Status() Status { return m.status }

var ErrAlreadyFailed = fmt.Errorf("lazypages: manager already failed, access denied without charging")

// OnSignalRead handles a program's first read fault on page p (a real
// WASM memory access trapped by the host, as opposed to a host-call
// buffer read — see OnHostFuncRead). Returns the page's current bytes
// (loading from storage on first touch), or an error if charging fails.
func (m *Manager) OnSignalRead(p uint32) ([]byte, error) {
	if m.status != Normal {
		return nil, ErrAlreadyFailed
	}
	if _, ok := m.accessed[p]; ok {
		return m.dirty[p], nil // already paged in; no re-charge
	}
	if err := m.charge(m.schedule.SignalRead); err != nil {
		return nil, err
	}
	data, err := m.load(p)
	if err != nil {
		return nil, err
	}
	m.accessed[p] = struct{}{}
	return data, nil
}

// OnSignalWrite handles a program's first write fault on page p.
func (m *Manager) OnSignalWrite(p uint32) error {
	if m.status != Normal {
		return ErrAlreadyFailed
	}
	cost := m.schedule.SignalWrite
	if _, read := m.accessed[p]; read {
		cost = m.schedule.SignalWriteAfterRead
	}
	if _, written := m.written[p]; written {
		return nil // already paid for write access to this page
	}
	if err := m.charge(cost); err != nil {
		return err
	}
	if _, ok := m.dirty[p]; !ok {
		var data []byte
		if _, read := m.accessed[p]; read {
			// Already loaded (and charged) by the earlier read.
			stored, found, err := m.source.ReadPage(m.infix, p)
			if err != nil {
				return err
			}
			data = stored
			if !found {
				data = make([]byte, gearconfig.GearPageSize)
			}
		} else {
			var err error
			if data, err = m.load(p); err != nil {
				return err
			}
		}
		m.dirty[p] = data
	}
	m.written[p] = struct{}{}
	m.accessed[p] = struct{}{}
	return nil
}

// OnHostFuncRead charges a host call's read of linear memory using the
// host-access (not signal) cost variant, per spec §4.C point 3.
func (m *Manager) OnHostFuncRead(p uint32) ([]byte, error) {
	if m.status != Normal {
		return nil, ErrAlreadyFailed
	}
	if _, ok := m.accessed[p]; ok {
		return m.dirty[p], nil
	}
	if err := m.charge(m.schedule.HostFuncRead); err != nil {
		return nil, err
	}
	data, err := m.load(p)
	if err != nil {
		return nil, err
	}
	m.accessed[p] = struct{}{}
	return data, nil
}

// OnHostFuncWrite charges a host call's write of linear memory.
func (m *Manager) OnHostFuncWrite(p uint32, data []byte) error {
	if m.status != Normal {
		return ErrAlreadyFailed
	}
	cost := m.schedule.HostFuncWrite
	if _, read := m.accessed[p]; read {
		cost = m.schedule.HostFuncWriteAfterRead
	}
	if _, written := m.written[p]; !written {
		if err := m.charge(cost); err != nil {
			return err
		}
	}
	m.dirty[p] = data
	m.written[p] = struct{}{}
	m.accessed[p] = struct{}{}
	return nil
}

func (m *Manager) load(p uint32) ([]byte, error) {
	if err := m.charge(m.schedule.LoadPageStorageData); err != nil {
		return nil, err
	}
	data, found, err := m.source.ReadPage(m.infix, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return make([]byte, gearconfig.GearPageSize), nil
	}
	return data, nil
}

func (m *Manager) charge(amount uint64) error {
	if err := m.charger.Charge(amount); err != nil {
		m.status = classifyFailure(err)
		return err
	}
	return nil
}

func classifyFailure(err error) Status {
	if errors.Is(err, gastree.ErrInsufficientBalance) {
		return GasLimitExceeded
	}
	return GasAllowanceExceeded
}

// DirtyPages returns the set of pages written during this execution,
// handed to the Journal as UpdatePage notes at entry-point completion.
func (m *Manager) DirtyPages() map[uint32][]byte {
	out := make(map[uint32][]byte, len(m.dirty))
	for p, data := range m.dirty {
		out[p] = data
	}
	return out
}

// Accessed reports every page touched (read or written) this execution.
func (m *Manager) Accessed() map[uint32]struct{} {
	out := make(map[uint32]struct{}, len(m.accessed))
	for p := range m.accessed {
		out[p] = struct{}{}
	}
	return out
}
