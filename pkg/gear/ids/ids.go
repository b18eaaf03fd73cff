// Package ids derives the opaque 32-byte identifiers used throughout the
// runtime (ActorId, MessageId, CodeId, ReservationId) using the bit-exact
// blake2b-256 preimages the platform requires.
package ids

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of every ID kind.
const Size = 32

// ActorId identifies a program or built-in actor.
type ActorId [Size]byte

// MessageId identifies a single dispatch envelope.
type MessageId [Size]byte

// CodeId identifies a blob of uploaded WASM code.
type CodeId [Size]byte

// ReservationId identifies a gas-tree reservation node.
type ReservationId [Size]byte

func (a ActorId) String() string        { return hex.EncodeToString(a[:]) }
func (m MessageId) String() string      { return hex.EncodeToString(m[:]) }
func (c CodeId) String() string         { return hex.EncodeToString(c[:]) }
func (r ReservationId) String() string  { return hex.EncodeToString(r[:]) }
func (a ActorId) Bytes() []byte         { return a[:] }
func (m MessageId) Bytes() []byte       { return m[:] }
func (c CodeId) Bytes() []byte          { return c[:] }
func (r ReservationId) Bytes() []byte   { return r[:] }
func (a ActorId) IsZero() bool          { return a == ActorId{} }
func (m MessageId) IsZero() bool        { return m == MessageId{} }

func blake2_256(parts ...[]byte) [Size]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an invalid key length, and we never
		// pass one; a failure here means the standard library is broken.
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func leU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func leU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// CodeIdOf derives CodeId = blake2_256(originalCode).
func CodeIdOf(originalCode []byte) CodeId {
	return CodeId(blake2_256(originalCode))
}

// ActorIdFromUser derives the address of a program created by a user
// transaction: blake2_256("program_from_user" || CodeId || salt).
func ActorIdFromUser(code CodeId, salt []byte) ActorId {
	return ActorId(blake2_256([]byte("program_from_user"), code[:], salt))
}

// ActorIdFromProgram derives the address of a program created by another
// program's create_program call:
// blake2_256("program_from_wasm" || MessageId || CodeId || salt).
func ActorIdFromProgram(origin MessageId, code CodeId, salt []byte) ActorId {
	return ActorId(blake2_256([]byte("program_from_wasm"), origin[:], code[:], salt))
}

// MessageIdFromUser derives the id of a message submitted directly by a
// user: blake2_256("external" || block_number_le || user_id || local_nonce_le).
func MessageIdFromUser(block uint32, user ActorId, nonce uint64) MessageId {
	return MessageId(blake2_256([]byte("external"), leU32(block), user[:], leU64(nonce)))
}

// MessageIdOutgoing derives the id of a message a program sends while
// handling originMsg: blake2_256("outgoing" || origin_msg_id || local_nonce_le).
func MessageIdOutgoing(origin MessageId, nonce uint64) MessageId {
	return MessageId(blake2_256([]byte("outgoing"), origin[:], leU64(nonce)))
}

// MessageIdReply derives the id of the implicit reply message correlated
// with originMsg: blake2_256("reply" || origin_msg_id).
func MessageIdReply(origin MessageId) MessageId {
	return MessageId(blake2_256([]byte("reply"), origin[:]))
}

// MessageIdSignal derives the id of the implicit signal message correlated
// with originMsg: blake2_256("signal" || origin_msg_id).
func MessageIdSignal(origin MessageId) MessageId {
	return MessageId(blake2_256([]byte("signal"), origin[:]))
}

// ReservationIdOf derives blake2_256("reservation" || msg_id || nonce_le).
func ReservationIdOf(msg MessageId, nonce uint64) ReservationId {
	return ReservationId(blake2_256([]byte("reservation"), msg[:], leU64(nonce)))
}

// ActorIdFromBuiltin derives the fixed address of a compiled-in native
// actor: blake2_256("builtin" || name). Builtin addresses never collide
// with ActorIdFromUser/ActorIdFromProgram since their preimages use a
// disjoint first segment.
func ActorIdFromBuiltin(name string) ActorId {
	return ActorId(blake2_256([]byte("builtin"), []byte(name)))
}
