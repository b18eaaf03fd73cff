package builtin

import (
	"encoding/binary"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// bridgeVerifyCost prices one relayed-proof check; cheaper than a pairing
// check but still well above an ordinary host call's base cost.
const bridgeVerifyCost uint64 = 30_000

var errBridgeMalformedPayload = errors.New("builtin: bridge payload must be u32-le sig_len || der_sig || compressed_pubkey(33) || msg_hash(32)")

// EthBridge verifies a secp256k1 ECDSA proof relayed from an external
// Ethereum-compatible chain and replies with a one-byte verdict (1 if the
// signature checks out, 0 otherwise); the reply carries no value and no
// balance is credited — the "message queueing actor" spec §4.J names as
// an example builtin. Grounded on the
// dcrec/secp256k1 stack present in the erigon-family example repos'
// go.mod, the ecosystem's standard pure-Go secp256k1 verifier.
func EthBridge(c *Context) ([]byte, uint64, error) {
	payload := c.Dispatch.Message.Payload
	if len(payload) < 4 {
		return nil, 0, errBridgeMalformedPayload
	}
	sigLen := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	if uint64(sigLen) > uint64(len(rest)) {
		return nil, 0, errBridgeMalformedPayload
	}
	derSig := rest[:sigLen]
	rest = rest[sigLen:]

	const pubkeyLen, hashLen = 33, 32
	if len(rest) < pubkeyLen+hashLen {
		return nil, 0, errBridgeMalformedPayload
	}
	pubkeyBytes := rest[:pubkeyLen]
	msgHash := rest[pubkeyLen : pubkeyLen+hashLen]

	if err := c.Charge(bridgeVerifyCost); err != nil {
		return nil, 0, err
	}

	pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
	if err != nil {
		return []byte{0}, 0, nil
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return []byte{0}, 0, nil
	}
	if !sig.Verify(msgHash, pubkey) {
		return []byte{0}, 0, nil
	}
	return []byte{1}, 0, nil
}
