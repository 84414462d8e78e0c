package signer

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402pay/types"
)

// SessionKey signs with a delegated session key on behalf of an
// ERC-4337 smart account. The payer address is the smart account, not
// the session key's own address; on-chain session policies bound what
// the key may spend.
type SessionKey struct {
	key     *ecdsa.PrivateKey
	account common.Address
}

func NewSessionKey(account common.Address, sessionKeyHex string) (*SessionKey, error) {
	if (account == common.Address{}) {
		return nil, types.NewError(types.ErrSigningFailed, "smart account address is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(sessionKeyHex, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailed, "invalid session key")
	}
	return &SessionKey{key: key, account: account}, nil
}

func (s *SessionKey) Address() common.Address {
	return s.account
}

// SessionSigner returns the session key's own signing address, distinct
// from the smart account it is delegated for.
func (s *SessionKey) SessionSigner() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *SessionKey) Sign(ctx context.Context, typed apitypes.TypedData) (string, error) {
	return signDigest(s.key, typed)
}
