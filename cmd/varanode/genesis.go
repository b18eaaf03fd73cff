package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/instrument"
	"github.com/vara-network/vara-core/pkg/gear/queue"
)

// seedGenesisProgram uploads one WASM module and queues its Init
// dispatch, bypassing the ordinary gr_create_program host call the way a
// chain's genesis block construction bypasses ordinary extrinsics: there
// is no parent dispatch to have called it from, so program.Store.
// CreateActive and the queued Init message are built directly instead of
// through hostcalls.CreateProgram/processor.applyNewPrograms.
func (n *Node) seedGenesisProgram(wasmFile, saltHex, initHex string) (ids.ActorId, error) {
	original, err := os.ReadFile(wasmFile)
	if err != nil {
		return ids.ActorId{}, fmt.Errorf("read genesis wasm file: %w", err)
	}

	salt, err := decodeHexOrRaw(saltHex)
	if err != nil {
		return ids.ActorId{}, fmt.Errorf("decode genesis salt: %w", err)
	}
	initPayload, err := decodeHexOrRaw(initHex)
	if err != nil {
		return ids.ActorId{}, fmt.Errorf("decode genesis init payload: %w", err)
	}

	result, err := instrument.Instrument(original, n.Schedule, instrument.DefaultLimits())
	if err != nil {
		return ids.ActorId{}, fmt.Errorf("instrument genesis module: %w", err)
	}
	codeId := ids.CodeIdOf(original)
	n.Codes.Put(codeId, original, result.Instrumented, result.Sections, result.Metadata)

	actorId := ids.ActorIdFromUser(codeId, salt)
	height := n.Clock.Height()
	initMsgId := ids.MessageIdFromUser(height, actorId, 0)

	if err := n.Programs.CreateActive(actorId, codeId, 0, initMsgId, 0); err != nil {
		return ids.ActorId{}, fmt.Errorf("create genesis program: %w", err)
	}

	msg := queue.Message{Id: initMsgId, Source: ids.ActorId{}, Destination: actorId, Payload: initPayload}
	d := queue.Dispatch{Kind: queue.Init, Message: msg, Context: queue.NewDispatchContext()}
	if _, err := n.Submit(d, n.Limits.BlockGasLimit); err != nil {
		return ids.ActorId{}, fmt.Errorf("fund genesis init dispatch: %w", err)
	}

	n.mu.Lock()
	n.activePrograms++
	n.mu.Unlock()

	return actorId, nil
}

func decodeHexOrRaw(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return []byte(s), nil
}
