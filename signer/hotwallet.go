package signer

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402pay/types"
)

// HotWallet signs with a custodial private key. The payer address is
// derived from the key itself.
type HotWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewHotWallet(privateKeyHex string) (*HotWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailed, "invalid private key")
	}
	return &HotWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func NewHotWalletFromKey(key *ecdsa.PrivateKey) *HotWallet {
	return &HotWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (w *HotWallet) Address() common.Address {
	return w.address
}

func (w *HotWallet) Sign(ctx context.Context, typed apitypes.TypedData) (string, error) {
	return signDigest(w.key, typed)
}

func signDigest(key *ecdsa.PrivateKey, typed apitypes.TypedData) (string, error) {
	digest, err := hashTypedData(typed)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", types.NewError(types.ErrSigningFailed, "failed to sign authorization: %v", err)
	}

	// Normalize V to 27/28 as EIP-3009 verifiers expect.
	sig[64] += 27

	return hexutil.Encode(sig), nil
}
