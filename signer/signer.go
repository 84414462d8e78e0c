// Package signer provides the signing capability consumed by the
// settlement engine. Two backends exist: a custodial hot wallet holding
// a raw private key, and a delegated session key bound to an ERC-4337
// smart account. The engine never branches on which one it holds.
package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402pay/types"
)

// Signer signs a typed authorization on behalf of a payer address. Key
// material never leaves the implementation.
type Signer interface {
	// Address is the payer address payments are authorized from.
	Address() common.Address

	// Sign produces a 65-byte hex signature over the EIP-712 digest of
	// the typed data.
	Sign(ctx context.Context, typed apitypes.TypedData) (string, error)
}

// hashTypedData computes the EIP-712 digest: keccak256(0x1901 ||
// domainSeparator || structHash).
func hashTypedData(typed apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailed, "failed to hash domain: %v", err)
	}

	messageHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailed, "failed to hash message: %v", err)
	}

	raw := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(raw), nil
}
