// Package queue implements the persistent message pipeline of spec §4.F:
// the block-drained MessageQueue FIFO, per-user Mailbox, per-program
// Waitlist and the delayed-send DispatchStash.
//
// Grounded on pkg/mempool's doubly-linked transaction pool idiom (hash-keyed
// map plus explicit prev/next pointers for O(1) push/pop/remove), adapted
// from a single fee-ordered structure into the four cooperating tables
// the spec names.
package queue

import "github.com/vara-network/vara-core/pkg/gear/ids"

// DispatchKind is the reason a Dispatch is being delivered to a program.
type DispatchKind int

const (
	Init DispatchKind = iota
	Handle
	Reply
	Signal
)

func (k DispatchKind) String() string {
	switch k {
	case Init:
		return "Init"
	case Handle:
		return "Handle"
	case Reply:
		return "Reply"
	case Signal:
		return "Signal"
	default:
		return "Unknown"
	}
}

// ReplyDetails carries a reply's correlation to its originating message.
type ReplyDetails struct {
	ReplyTo    ids.MessageId
	ReplyCode  int32
}

// SignalDetails carries a signal's origin and reason.
type SignalDetails struct {
	From       ids.ActorId
	SignalCode int32
}

// Message is the immutable envelope spec §3 describes. Exactly one of
// Reply/Signal is set, or neither for a plain Init/Handle message.
type Message struct {
	Id          ids.MessageId
	Source      ids.ActorId
	Destination ids.ActorId
	Payload     []byte
	Value       uint64
	Reply       *ReplyDetails
	Signal      *SignalDetails
}

// DispatchContext accumulates state that survives a wait/wake suspension:
// outgoing message buffers opened with send_init but not yet committed,
// and the reservation nonce counter for gas_reserve calls made so far.
type DispatchContext struct {
	OutgoingBuffers map[uint32][]byte
	NextHandle      uint32
	ReservationNonce uint32
}

func NewDispatchContext() *DispatchContext {
	return &DispatchContext{OutgoingBuffers: make(map[uint32][]byte)}
}

// Dispatch pairs a Message with the reason it's being delivered and any
// state carried across suspensions.
type Dispatch struct {
	Kind    DispatchKind
	Message Message
	Context *DispatchContext
}

// Interval is the [start,finish) block range an entry occupies in the
// waitlist, mailbox or stash.
type Interval struct {
	Start  uint32
	Finish uint32
}
