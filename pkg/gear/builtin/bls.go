package builtin

import (
	"encoding/binary"
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// blsSignatureDST mirrors the domain separation tag Ethereum's consensus
// layer uses for MinPk BLS12-381 signatures (pubkey in G1, signature in
// G2): BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_.
var blsSignatureDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// blsVerifyBaseCost and blsVerifyPerByteCost price one verification; BLS
// pairing checks are expensive relative to ordinary host calls, so the
// base is set well above gearconfig.Schedule.HostCallBase.
const (
	blsVerifyBaseCost    uint64 = 200_000
	blsVerifyPerByteCost uint64 = 10
)

var errBLSMalformedPayload = errors.New("builtin: bls payload must be u32-le pubkey_len || pubkey || sig || msg")

// BLSVerifier checks a single compressed-G1-pubkey/compressed-G2-signature
// pair over the message following them in the payload, replying with a
// single success byte. Grounded on
// _examples/wyf-ACCEPT-eth2030/pkg/crypto/bls_blst_adapter.go's
// BlstRealBackend.Verify, generalized from an in-process Go API into a
// wire payload a WASM program can construct with gr_send.
func BLSVerifier(c *Context) ([]byte, uint64, error) {
	payload := c.Dispatch.Message.Payload
	if len(payload) < 4 {
		return nil, 0, errBLSMalformedPayload
	}
	pkLen := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	if uint64(pkLen) > uint64(len(rest)) {
		return nil, 0, errBLSMalformedPayload
	}
	pubkey := rest[:pkLen]
	rest = rest[pkLen:]
	const sigLen = 96
	if len(rest) < sigLen {
		return nil, 0, errBLSMalformedPayload
	}
	sig := rest[:sigLen]
	msg := rest[sigLen:]

	if err := c.Charge(blsVerifyBaseCost + blsVerifyPerByteCost*uint64(len(msg))); err != nil {
		return nil, 0, err
	}

	ok := verifyBLS(pubkey, sig, msg)
	if ok {
		return []byte{1}, 0, nil
	}
	return []byte{0}, 0, nil
}

func verifyBLS(pubkey, sig, msg []byte) bool {
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsSignatureDST)
}
