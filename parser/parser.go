// Package parser normalizes 402 Payment Required challenges into a
// canonical RequirementSet, reconciling the two wire formats in use:
// the base64 PAYMENT-REQUIRED header and the JSON response body.
package parser

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/agentpay/x402pay/types"
)

// HeaderPaymentRequired is the response header carrying the
// header-encoded challenge. The header format is authoritative when
// both formats are present.
const HeaderPaymentRequired = "PAYMENT-REQUIRED"

var (
	// ErrNotPaymentRequired marks a response that is not a 402 at all.
	ErrNotPaymentRequired = types.NewError(types.ErrInvalidRequirements, "response is not a 402 payment challenge")

	// ErrNoValidRequirements marks a 402 whose challenge could not be
	// decoded from either wire format. Distinct from ErrNotPaymentRequired
	// so callers can tell a malformed challenge from a free resource.
	ErrNoValidRequirements = types.NewError(types.ErrInvalidRequirements, "no valid payment requirements")
)

// Parse normalizes a 402 response into a RequirementSet. The header
// format takes precedence over the body format; malformed header data
// degrades to the body rather than failing outright.
func Parse(statusCode int, header http.Header, body []byte) (*types.RequirementSet, error) {
	if statusCode != http.StatusPaymentRequired {
		return nil, ErrNotPaymentRequired
	}

	set := resolve(header.Get(HeaderPaymentRequired), body)
	if set.Format == types.FormatNone {
		return nil, ErrNoValidRequirements
	}
	return set, nil
}

// resolve decides which wire format the challenge arrived in. Header
// wins over body; FormatNone tags a challenge that decodes from
// neither.
func resolve(encoded string, body []byte) *types.RequirementSet {
	if set := parseHeader(encoded); set != nil {
		return set
	}
	if set := parseBody(body); set != nil {
		return set
	}
	return &types.RequirementSet{Format: types.FormatNone}
}

func parseHeader(encoded string) *types.RequirementSet {
	if encoded == "" {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}

	var challenge types.HeaderPaymentRequired
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil
	}
	if len(challenge.Accepts) == 0 {
		return nil
	}

	offers := make([]types.Offer, 0, len(challenge.Accepts))
	for _, a := range challenge.Accepts {
		resource := ""
		if challenge.Resource != nil {
			resource = challenge.Resource.URL
		}
		offers = append(offers, types.Offer{
			Scheme:            a.Scheme,
			Network:           a.Network,
			Amount:            a.Amount,
			Asset:             a.Asset,
			PayTo:             a.PayTo,
			Resource:          resource,
			MaxTimeoutSeconds: a.MaxTimeoutSeconds,
			Extra:             a.Extra,
		})
	}

	version := challenge.X402Version
	if version == 0 {
		version = int(types.X402Version2)
	}

	return &types.RequirementSet{
		Format:      types.FormatHeader,
		X402Version: version,
		Error:       challenge.Error,
		Offers:      offers,
	}
}

func parseBody(body []byte) *types.RequirementSet {
	if len(body) == 0 {
		return nil
	}

	var challenge types.BodyPaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil
	}
	if len(challenge.Accepts) == 0 {
		return nil
	}

	offers := make([]types.Offer, 0, len(challenge.Accepts))
	for _, a := range challenge.Accepts {
		offers = append(offers, types.Offer{
			Scheme:            a.Scheme,
			Network:           a.Network,
			Amount:            a.MaxAmountRequired,
			Asset:             a.Asset,
			PayTo:             a.PayTo,
			Resource:          a.Resource,
			MaxTimeoutSeconds: a.MaxTimeoutSeconds,
			Extra:             a.Extra,
		})
	}

	version := challenge.X402Version
	if version == 0 {
		version = int(types.X402Version1)
	}

	return &types.RequirementSet{
		Format:      types.FormatBody,
		X402Version: version,
		Error:       challenge.Error,
		Offers:      offers,
	}
}
