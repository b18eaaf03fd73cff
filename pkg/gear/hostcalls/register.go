package hostcalls

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// Register wires every gr_* syscall onto builder under module "env",
// closing over the *ExecutionContext supplied by get at call time (the
// processor swaps in a fresh ExecutionContext per dispatch, so the
// wazero-level registration happens once per Engine rather than once
// per execution).
//
// A wrapped function whose call yields panics with the *Yield directly
// (none of them recovers): wazero's host-function machinery surfaces a
// host panic as the error from the exported function's Call, which is how
// exit/leave/wait* unwind a WASM call in flight (see context.go's Yield
// doc comment).
func Register(builder wazero.HostModuleBuilder, get func() *ExecutionContext) wazero.HostModuleBuilder {
	readActorId := func(mem api.Memory, ptr uint32) ids.ActorId {
		b, _ := mem.Read(ptr, ids.Size)
		var a ids.ActorId
		copy(a[:], b)
		return a
	}
	readMessageId := func(mem api.Memory, ptr uint32) ids.MessageId {
		b, _ := mem.Read(ptr, ids.Size)
		var m ids.MessageId
		copy(m[:], b)
		return m
	}
	writeId := func(mem api.Memory, ptr uint32, id []byte) {
		mem.Write(ptr, id)
	}

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint32 {
		return get().Size()
	}).Export("gr_size")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, dst, offset, length uint32) uint32 {
		c := get()
		if err := c.Read(dst, offset, length); err != nil {
			panic(err)
		}
		return 0
	}).Export("gr_read")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, outPtr uint32) {
		c := get()
		id := c.MessageId()
		writeId(m.Memory(), outPtr, id[:])
	}).Export("gr_message_id")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, outPtr uint32) {
		c := get()
		s := c.Source()
		writeId(m.Memory(), outPtr, s[:])
	}).Export("gr_source")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, outPtr uint32) {
		c := get()
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], c.Value())
		m.Memory().Write(outPtr, buf[:])
	}).Export("gr_value")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, outPtr uint32) {
		c := get()
		pid := c.ProgramId()
		writeId(m.Memory(), outPtr, pid[:])
	}).Export("gr_program_id")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint32 {
		return get().BlockHeight()
	}).Export("gr_block_height")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint64 {
		return get().BlockTimestamp()
	}).Export("gr_block_timestamp")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint64 {
		return get().GasAvailable()
	}).Export("gr_gas_available")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint64 {
		return get().ValueAvailable()
	}).Export("gr_value_available")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, destPtr, payloadPtr, payloadLen uint32, value uint64, delay uint32, outMsgIdPtr uint32) {
		c := get()
		dest := readActorId(m.Memory(), destPtr)
		payload, _ := m.Memory().Read(payloadPtr, payloadLen)
		id, err := c.Send(dest, payload, value, delay)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outMsgIdPtr, id[:])
	}).Export("gr_send")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint32 {
		c := get()
		h, err := c.SendInit()
		if err != nil {
			panic(err)
		}
		return h
	}).Export("gr_send_init")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, handle, chunkPtr, chunkLen uint32) {
		c := get()
		chunk, _ := m.Memory().Read(chunkPtr, chunkLen)
		if err := c.SendPush(handle, chunk); err != nil {
			panic(err)
		}
	}).Export("gr_send_push")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, handle, destPtr uint32, value uint64, delay, outMsgIdPtr uint32) {
		c := get()
		dest := readActorId(m.Memory(), destPtr)
		id, err := c.SendCommit(handle, dest, value, delay)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outMsgIdPtr, id[:])
	}).Export("gr_send_commit")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, destPtr uint32, value uint64, delay, outMsgIdPtr uint32) {
		c := get()
		dest := readActorId(m.Memory(), destPtr)
		id, err := c.SendInput(dest, value, delay)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outMsgIdPtr, id[:])
	}).Export("gr_send_input")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, payloadPtr, payloadLen uint32, value uint64, outMsgIdPtr uint32) {
		c := get()
		payload, _ := m.Memory().Read(payloadPtr, payloadLen)
		id, err := c.Reply(payload, value)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outMsgIdPtr, id[:])
	}).Export("gr_reply")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, chunkPtr, chunkLen uint32) {
		c := get()
		chunk, _ := m.Memory().Read(chunkPtr, chunkLen)
		if err := c.ReplyPush(chunk); err != nil {
			panic(err)
		}
	}).Export("gr_reply_push")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, value uint64, outMsgIdPtr uint32) {
		c := get()
		id, err := c.ReplyCommit(value)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outMsgIdPtr, id[:])
	}).Export("gr_reply_commit")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, outPtr uint32) {
		c := get()
		id, err := c.ReplyTo()
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outPtr, id[:])
	}).Export("gr_reply_to")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) uint32 {
		c := get()
		code, err := c.ReplyCode()
		if err != nil {
			panic(err)
		}
		return uint32(code)
	}).Export("gr_reply_code")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, codePtr, saltPtr, saltLen, payloadPtr, payloadLen uint32, value uint64, delay, outActorPtr, outMsgIdPtr uint32) {
		c := get()
		b, _ := m.Memory().Read(codePtr, ids.Size)
		var code ids.CodeId
		copy(code[:], b)
		salt, _ := m.Memory().Read(saltPtr, saltLen)
		payload, _ := m.Memory().Read(payloadPtr, payloadLen)
		actor, msgId, err := c.CreateProgram(code, salt, payload, value, delay)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outActorPtr, actor[:])
		writeId(m.Memory(), outMsgIdPtr, msgId[:])
	}).Export("gr_create_program")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, inheritorPtr uint32) {
		c := get()
		inheritor := readActorId(m.Memory(), inheritorPtr)
		panic(c.Exit(inheritor))
	}).Export("gr_exit")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) {
		panic(get().Leave())
	}).Export("gr_leave")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) {
		panic(get().Wait())
	}).Export("gr_wait")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, d uint32) {
		panic(get().WaitFor(d))
	}).Export("gr_wait_for")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, d uint32) {
		panic(get().WaitUpTo(d))
	}).Export("gr_wait_up_to")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, msgIdPtr uint32, delay uint32) {
		c := get()
		msgId := readMessageId(m.Memory(), msgIdPtr)
		if err := c.Wake(msgId, delay); err != nil {
			panic(err)
		}
	}).Export("gr_wake")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, pages uint32) uint32 {
		c := get()
		p, err := c.Alloc(pages)
		if err != nil {
			panic(err)
		}
		return p
	}).Export("gr_alloc")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, page uint32) {
		if err := get().Free(page); err != nil {
			panic(err)
		}
	}).Export("gr_free")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, from, to uint32) {
		if err := get().FreeRange(from, to); err != nil {
			panic(err)
		}
	}).Export("gr_free_range")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, amount uint64, duration uint32, outPtr uint32) {
		c := get()
		rid, err := c.ReserveGas(amount, duration)
		if err != nil {
			panic(err)
		}
		writeId(m.Memory(), outPtr, rid[:])
	}).Export("gr_reserve_gas")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, idPtr uint32) {
		c := get()
		b, _ := m.Memory().Read(idPtr, ids.Size)
		var rid ids.ReservationId
		copy(rid[:], b)
		if err := c.UnreserveGas(rid); err != nil {
			panic(err)
		}
	}).Export("gr_unreserve_gas")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, amount uint64) {
		if err := get().SystemReserveGas(amount); err != nil {
			panic(err)
		}
	}).Export("gr_system_reserve_gas")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, strPtr, strLen uint32) {
		c := get()
		b, _ := m.Memory().Read(strPtr, strLen)
		if err := c.Debug(string(b)); err != nil {
			panic(err)
		}
	}).Export("gr_debug")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, strPtr, strLen uint32) {
		c := get()
		b, _ := m.Memory().Read(strPtr, strLen)
		panic(c.Panic(string(b)))
	}).Export("gr_panic")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module) {
		panic(get().OomPanic())
	}).Export("gr_oom_panic")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, saltPtr, saltLen, outHashPtr, outBlockPtr uint32) {
		c := get()
		salt, _ := m.Memory().Read(saltPtr, saltLen)
		hash, block, err := c.Random(salt)
		if err != nil {
			panic(err)
		}
		m.Memory().Write(outHashPtr, hash[:])
		var blockBuf [4]byte
		binary.LittleEndian.PutUint32(blockBuf[:], block)
		m.Memory().Write(outBlockPtr, blockBuf[:])
	}).Export("gr_random")

	builder = builder.
		NewFunctionBuilder().WithFunc(func(m api.Module, reason uint32) {
		panic(&Yield{Kind: YieldExit})
	}).Export("gr_system_break")

	return builder
}
