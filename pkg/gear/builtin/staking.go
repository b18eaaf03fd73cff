package builtin

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/vara-network/vara-core/pkg/gear/journal"
)

const (
	stakeOpStake   byte = 0
	stakeOpUnstake byte = 1

	stakingProxyBaseCost uint64 = 1_000
)

var errStakingMalformedPayload = errors.New("builtin: staking payload must be opcode(1) || amount_u64_le")

// StakingProxy escrows value sent to it as a stake and reverses the
// transfer on unstake, replying with the resulting balance rendered
// through math/big the way pkg/contracts/engine/contract.go's Balance
// field is kept — an arbitrary-precision ledger rather than a bare
// uint64, even though this proxy's own amounts fit in one. It does not
// persist a running balance across dispatches: spec §4.J scopes builtin
// actors to the same journal/Applier storage seam as everything else, and
// no NoteKind yet exists for actor-local key/value state, so the ledger
// this handler reports is computed for the single transfer in front of it.
func StakingProxy(c *Context) ([]byte, uint64, error) {
	payload := c.Dispatch.Message.Payload
	if len(payload) != 9 {
		return nil, 0, errStakingMalformedPayload
	}
	if err := c.Charge(stakingProxyBaseCost); err != nil {
		return nil, 0, err
	}

	op := payload[0]
	amount := binary.LittleEndian.Uint64(payload[1:9])
	balance := new(big.Int).SetUint64(amount)

	switch op {
	case stakeOpStake:
		c.Journal.Record(journal.Note{
			Kind:      journal.NoteSendValue,
			ValueFrom: c.Dispatch.Message.Source,
			ValueTo:   c.Dispatch.Message.Destination,
			Value:     amount,
		})
		return append([]byte{stakeOpStake}, balance.Bytes()...), 0, nil
	case stakeOpUnstake:
		c.Journal.Record(journal.Note{
			Kind:      journal.NoteSendValue,
			ValueFrom: c.Dispatch.Message.Destination,
			ValueTo:   c.Dispatch.Message.Source,
			Value:     amount,
		})
		return append([]byte{stakeOpUnstake}, balance.Bytes()...), amount, nil
	default:
		return nil, 0, errStakingMalformedPayload
	}
}
