// Package authz builds the time-boxed, nonce-bound EIP-3009
// transferWithAuthorization message for a chosen offer. The builder is
// signer-agnostic: it produces a typed-data structure and leaves
// signing to whichever Signer capability the policy selected.
package authz

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402pay/types"
)

// ValidityWindow bounds signature replay exposure. It is intentionally
// much shorter than the offer's own max timeout.
const ValidityWindow = 300 * time.Second

// EIP-712 domain defaults for EIP-3009 tokens that do not advertise
// their domain through the offer's extra field.
const (
	defaultDomainName    = "USDC"
	defaultDomainVersion = "2"
)

// Authorization is a fully resolved transfer authorization ready to be
// hashed and signed.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Build constructs the authorization for an offer and payer. Value is
// the offer's raw integer amount; validAfter is 0 (immediately valid);
// validBefore is now plus the fixed validity window; nonce is a fresh
// cryptographically random 32-byte value on every call.
func Build(offer types.Offer, payer common.Address, now time.Time) (*Authorization, error) {
	value, ok := new(big.Int).SetString(offer.Amount, 10)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequirements, "offer amount %q is not an integer", offer.Amount)
	}
	if value.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidRequirements, "offer amount must be positive, got %s", offer.Amount)
	}
	if !common.IsHexAddress(offer.PayTo) {
		return nil, types.NewError(types.ErrInvalidRequirements, "offer payTo %q is not a valid address", offer.PayTo)
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailed, "failed to generate nonce: %v", err)
	}

	return &Authorization{
		From:        payer,
		To:          common.HexToAddress(offer.PayTo),
		Value:       value,
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(now.Add(ValidityWindow).Unix()),
		Nonce:       nonce,
	}, nil
}

func generateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// TypedData assembles the EIP-712 payload for the authorization against
// the offer's asset contract. The token's domain name and version come
// from the offer's extra field when present.
func TypedData(auth *Authorization, offer types.Offer, network types.Network) (apitypes.TypedData, error) {
	chainID, ok := network.ChainID()
	if !ok {
		return apitypes.TypedData{}, types.NewError(types.ErrUnsupportedNetwork, "unsupported network: %s", network)
	}

	name, version := domainParams(offer)

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(offer.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}, nil
}

// Wire converts the authorization into its JSON wire form.
func Wire(auth *Authorization) types.EVMAuthorization {
	return types.EVMAuthorization{
		From:        auth.From.Hex(),
		To:          auth.To.Hex(),
		Value:       auth.Value.String(),
		ValidAfter:  auth.ValidAfter.String(),
		ValidBefore: auth.ValidBefore.String(),
		Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
	}
}

func domainParams(offer types.Offer) (name, version string) {
	name, version = defaultDomainName, defaultDomainVersion
	if offer.Extra == nil {
		return name, version
	}
	if v, ok := offer.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := offer.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}
