package signer

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402pay/types"
)

// Verify checks a 65-byte hex signature over the typed data against the
// expected signer address. Used to sanity-check proofs before they are
// sent downstream.
func Verify(typed apitypes.TypedData, signature string, expected common.Address) (bool, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return false, types.NewError(types.ErrSigningFailed, "failed to decode signature: %v", err)
	}
	if len(sig) != 65 {
		return false, types.NewError(types.ErrSigningFailed, "signature must be 65 bytes, got %d", len(sig))
	}

	// Recovery expects V in {0,1}.
	if sig[64] >= 27 {
		sig = append([]byte{}, sig...)
		sig[64] -= 27
	}

	digest, err := hashTypedData(typed)
	if err != nil {
		return false, err
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, types.NewError(types.ErrSigningFailed, "failed to recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub) == expected, nil
}
