// Package builtin implements the closed-set registry of spec §4.J: native
// Go handlers bound to fixed ActorIds that the Dispatch Processor invokes
// directly instead of instantiating WASM. A builtin actor still spends gas
// through the same gas-tree API as WASM execution and still produces a
// reply the Applier routes like any other dispatch's output — it only
// skips LoadCode/Instantiate/Execute.
//
// Grounded on pkg/contracts/api/contract_api.go's single-struct dispatch
// surface (one entry point per concern, a shared mutex-guarded registry of
// deployed contracts) and pkg/contracts/engine/contract_registry.go's
// address-keyed map, collapsed from a mutable runtime registry into a
// fixed map built once at process start: the spec requires registration
// to be "closed-set at compile time to preserve determinism," so there is
// no Register/Remove surface exposed to callers, only the three actors
// wired in NewRegistry.
package builtin

import (
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/journal"
	"github.com/vara-network/vara-core/pkg/gear/queue"
)

// Context is the slice of Dispatch Processor state a builtin handler may
// touch: the incoming dispatch, its gas node, and the journal its effects
// get recorded into. Handlers never see the WASM host-call surface.
type Context struct {
	Dispatch queue.Dispatch
	GasNode  gastree.NodeId
	GasTree  *gastree.Tree
	Journal  *journal.Journal
	Clock    gearconfig.BlockClock
}

// Charge spends amount from the dispatch's gas node, the same ledger a
// WASM program's host calls draw from.
func (c *Context) Charge(amount uint64) error {
	_, err := c.GasTree.Spend(c.GasNode, amount)
	return err
}

// defaultReplyGasLimit funds a builtin actor's reply, mirroring
// hostcalls.ExecutionContext's own fundOutgoing: cut out of the
// dispatch's own gas node rather than minted, so a builtin reply
// conserves value the same way a WASM program's gr_reply does.
const defaultReplyGasLimit uint64 = 1_000_000

func (c *Context) fundOutgoing(child gastree.NodeId) error {
	available, err := c.GasTree.GetLimit(c.GasNode)
	if err != nil {
		return err
	}
	amount := defaultReplyGasLimit
	if available < amount {
		amount = available
	}
	return c.GasTree.Cut(c.GasNode, child, amount)
}

// Handler is one native actor's entry point. It returns the reply payload
// and any value the actor sends back with it; a non-nil error aborts the
// dispatch the same way a WASM trap would.
type Handler func(c *Context) (reply []byte, value uint64, err error)

// ErrUnknownActor means the destination ActorId has no registered handler;
// the Processor falls back to ordinary program dispatch in that case.
var ErrUnknownActor = fmt.Errorf("builtin: no native handler for this actor")

// Registry is the fixed ActorId -> Handler map built once at startup.
type Registry struct {
	handlers map[ids.ActorId]Handler
	names    map[ids.ActorId]string
}

// NewRegistry wires every compiled-in native actor. This is the entire
// closed set; nothing may be added to it at runtime.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[ids.ActorId]Handler), names: make(map[ids.ActorId]string)}
	r.add("bls-verifier", BLSVerifier)
	r.add("eth-bridge", EthBridge)
	r.add("staking-proxy", StakingProxy)
	return r
}

func (r *Registry) add(name string, h Handler) {
	id := ids.ActorIdFromBuiltin(name)
	r.handlers[id] = h
	r.names[id] = name
}

// Lookup returns the handler bound to dest, if any.
func (r *Registry) Lookup(dest ids.ActorId) (Handler, bool) {
	h, ok := r.handlers[dest]
	return h, ok
}

// IsBuiltin reports whether dest names a native actor.
func (r *Registry) IsBuiltin(dest ids.ActorId) bool {
	_, ok := r.handlers[dest]
	return ok
}

// NameOf returns the registered name for dest, for logging.
func (r *Registry) NameOf(dest ids.ActorId) string {
	return r.names[dest]
}

// ActorId returns the fixed address the named builtin actor is bound to.
// Exported so callers (tests, the dispatch construction in cmd/varanode)
// can address a builtin actor without re-deriving the hash by hand.
func ActorId(name string) ids.ActorId {
	return ids.ActorIdFromBuiltin(name)
}

// Invoke runs the handler bound to c.Dispatch.Message.Destination and
// records its reply as a NoteSendDispatch, mirroring how a WASM program's
// gr_reply is journaled.
func (r *Registry) Invoke(c *Context) error {
	h, ok := r.Lookup(c.Dispatch.Message.Destination)
	if !ok {
		return ErrUnknownActor
	}
	reply, value, err := h(c)
	if err != nil {
		return err
	}
	replyId := ids.MessageIdReply(c.Dispatch.Message.Id)
	if err := c.fundOutgoing(gastree.FromMessageId(replyId)); err != nil {
		return err
	}
	msg := queue.Message{
		Id:          replyId,
		Source:      c.Dispatch.Message.Destination,
		Destination: c.Dispatch.Message.Source,
		Payload:     reply,
		Value:       value,
		Reply:       &queue.ReplyDetails{ReplyTo: c.Dispatch.Message.Id, ReplyCode: 0},
	}
	c.Journal.Record(journal.Note{
		Kind:     journal.NoteSendDispatch,
		Dispatch: queue.Dispatch{Kind: queue.Reply, Message: msg, Context: queue.NewDispatchContext()},
	})
	return nil
}
