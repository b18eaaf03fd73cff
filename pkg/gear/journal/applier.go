package journal

import (
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/program"
	"github.com/vara-network/vara-core/pkg/gear/queue"
)

// PageWriter persists a dirty page's bytes and is satisfied by the
// lazy-pages-backing store (pkg/gearstore).
type PageWriter interface {
	WritePage(infix uint32, page uint32, data []byte) error
}

// ValueLedger moves value between actors. The core's gas-tree tracks gas,
// not transferable balance, so this is a narrow seam a host embedding
// the runtime plugs its own balances module into; the demonstration CLI
// binds it to an in-memory map.
type ValueLedger interface {
	Transfer(from, to ids.ActorId, amount uint64) error
}

// Applier commits one dispatch's Journal to the Program Store, the
// MessageQueue/Waitlist/Mailbox/Stash, the Gas Tree and page storage, in
// the fixed order spec §4.H mandates regardless of emission order.
type Applier struct {
	Programs *program.Store
	Gas      *gastree.Tree
	Queue    *queue.MessageQueue
	Waitlist *queue.Waitlist
	Mailbox  *queue.Mailbox
	Stash    *queue.DispatchStash
	Pages    PageWriter
	Value    ValueLedger
}

// Apply commits every note in j, coalescing UpdatePage writes first and
// deferring ExitDispatch notes to the end.
func (a *Applier) Apply(j *Journal) error {
	notes := j.Notes()

	pages := coalescePages(notes)
	for _, n := range pages {
		if err := a.applyPage(n); err != nil {
			return err
		}
	}

	var exits []Note
	for _, n := range notes {
		if n.Kind == NoteUpdatePage {
			continue // already applied, coalesced
		}
		if n.Kind == NoteExitDispatch {
			exits = append(exits, n)
			continue
		}
		if err := a.applyNote(n); err != nil {
			return err
		}
	}

	for _, n := range exits {
		if err := a.applyNote(n); err != nil {
			return err
		}
	}
	return nil
}

// coalescePages keeps only the last UpdatePage note per (program, page),
// per spec §4.H step 1.
func coalescePages(notes []Note) []Note {
	type key struct {
		program ids.ActorId
		page    uint32
	}
	last := make(map[key]Note)
	var order []key
	for _, n := range notes {
		if n.Kind != NoteUpdatePage {
			continue
		}
		k := key{program: n.PageProgram, page: n.PageIndex}
		if _, seen := last[k]; !seen {
			order = append(order, k)
		}
		last[k] = n
	}
	out := make([]Note, 0, len(order))
	for _, k := range order {
		out = append(out, last[k])
	}
	return out
}

func (a *Applier) applyPage(n Note) error {
	p, err := a.Programs.Get(n.PageProgram)
	if err != nil {
		return err
	}
	return a.Pages.WritePage(p.MemoryInfix, n.PageIndex, n.PageData)
}

func (a *Applier) applyNote(n Note) error {
	switch n.Kind {
	case NoteMessageDispatched, NoteStopProcessing:
		return nil // informational; surfaced to callers via Notes(), nothing to mutate

	case NoteGasBurned:
		neg, err := a.Gas.Spend(n.GasNode, n.Amount)
		if err != nil {
			return err
		}
		neg.Drop(a.Gas)
		return nil

	case NoteMessageConsumed:
		a.Queue.Remove(n.ConsumedMessage)
		return nil

	case NoteSendDispatch:
		if n.Delay > 0 {
			a.Stash.Insert(n.Dispatch)
		} else {
			a.Queue.PushBack(n.Dispatch)
		}
		return nil

	case NoteWaitDispatch:
		a.Waitlist.Insert(n.WaitProgram, n.Dispatch, n.WaitInterval)
		return nil

	case NoteWakeMessage:
		d, _, ok := a.Waitlist.Remove(n.WakeProgram, n.WakeMessage)
		if ok {
			a.Queue.PushFront(d)
		}
		return nil

	case NoteExitDispatch:
		return a.Programs.Exit(n.ExitedProgram, n.Inheritor)

	case NoteUpdateAllocations:
		return a.Programs.UpdateAllocations(n.AllocProgram, n.Allocations)

	case NoteSendValue:
		if a.Value == nil {
			return nil
		}
		return a.Value.Transfer(n.ValueFrom, n.ValueTo, n.Value)

	case NoteStoreNewPrograms:
		return nil // program creation itself goes through program.Store.CreateActive directly

	case NoteUpdateGasReservations:
		if n.ReservationRemoved {
			return a.Programs.RemoveReservation(n.ReservationProgram, n.ReservationId)
		}
		return a.Programs.AddReservation(n.ReservationProgram, n.ReservationId, n.ReservationAmount, n.ReservationFinish)

	default:
		return nil
	}
}
