package policy

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/types"
)

// BalanceSource reports the holding balance of an address on a network,
// in atomic units of the network's funding asset. Reads are advisory:
// the actual spend is bounded by on-chain policy limits, not by this
// figure.
type BalanceSource interface {
	Balance(ctx context.Context, address string, network types.Network) (decimal.Decimal, error)
}

// SigningPath is the settlement path chosen by the selector.
type SigningPath string

const (
	PathAutoSign       SigningPath = "auto"
	PathManualApproval SigningPath = "manual"
)

// Selection is the selector's verdict: which offer to pay, under which
// policy, and how to sign.
type Selection struct {
	Offer   types.Offer
	Network types.Network
	Policy  *Policy
	Path    SigningPath
	Balance decimal.Decimal
}

// Selector decides whether a payment is allowed, which chain to settle
// on, and which signing path to use. It performs no side effects beyond
// idempotent balance reads.
type Selector struct {
	policies       Store
	balances       BalanceSource
	defaultNetwork types.Network
	log            logger.Logger
}

func NewSelector(policies Store, balances BalanceSource, defaultNetwork types.Network, log logger.Logger) *Selector {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Selector{
		policies:       policies,
		balances:       balances,
		defaultNetwork: defaultNetwork,
		log:            log,
	}
}

// Select resolves an admissible offer for the user paying for url. The
// explicit network, when given, restricts the candidate set before any
// balance or policy lookup.
func (s *Selector) Select(ctx context.Context, userID, payerAddress, url string, set *types.RequirementSet, explicit types.Network) (*Selection, error) {
	if set == nil || len(set.Offers) == 0 {
		return nil, types.NewError(types.ErrInvalidRequirements, "no valid payment requirements")
	}

	if explicit != "" {
		return s.selectExplicit(ctx, userID, url, set, explicit)
	}
	return s.selectByBalance(ctx, userID, payerAddress, url, set)
}

func (s *Selector) selectExplicit(ctx context.Context, userID, url string, set *types.RequirementSet, network types.Network) (*Selection, error) {
	all := set.OffersOn(network)
	if len(all) == 0 {
		return nil, types.NewError(types.ErrUnsupportedNetwork, "chain %s not supported for this resource", network)
	}

	offers := exactOffers(all)
	if len(offers) == 0 {
		return nil, types.NewError(types.ErrInvalidRequirements,
			"no exact-scheme offer on %s (offered: %s)", network, strings.Join(schemeNames(all), ", "))
	}

	offer := offers[0]
	return s.resolvePolicy(ctx, userID, url, network, offer)
}

func (s *Selector) selectByBalance(ctx context.Context, userID, payerAddress, url string, set *types.RequirementSet) (*Selection, error) {
	var supported []types.Network
	for _, n := range set.Networks() {
		if n.IsSupported() {
			supported = append(supported, n)
		}
	}
	if len(supported) == 0 {
		return nil, types.NewError(types.ErrUnsupportedNetwork,
			"unsupported network: %s", strings.Join(networkNames(set.Networks()), ", "))
	}

	type candidate struct {
		network types.Network
		offer   types.Offer
		policy  *Policy
		balance decimal.Decimal
		funded  bool
	}

	var candidates []candidate
	exactSomewhere := false
	for _, network := range supported {
		offers := exactOffers(set.OffersOn(network))
		if len(offers) == 0 {
			continue
		}
		exactSomewhere = true
		offer := offers[0]

		pol, err := s.policies.FindActivePolicy(ctx, userID, network, url)
		if err != nil {
			return nil, types.NewError(types.ErrStoreError, "policy lookup failed: %v", err)
		}
		if pol == nil {
			continue
		}

		bal, err := s.balances.Balance(ctx, payerAddress, network)
		if err != nil {
			s.log.Warn("balance lookup failed", map[string]any{"network": network.String(), "error": err.Error()})
			bal = decimal.Zero
		}

		amount, perr := decimal.NewFromString(offer.Amount)
		funded := perr == nil && bal.GreaterThanOrEqual(amount)

		candidates = append(candidates, candidate{
			network: network,
			offer:   offer,
			policy:  pol,
			balance: bal,
			funded:  funded,
		})
	}

	if len(candidates) == 0 {
		if !exactSomewhere {
			return nil, types.NewError(types.ErrInvalidRequirements,
				"no exact-scheme offers (offered: %s)", strings.Join(schemeNames(set.Offers), ", "))
		}
		return nil, types.NewError(types.ErrPolicyDenied, "Policy denied: no active policy covers this endpoint")
	}

	// Prefer funded chains; among them (or among all, when none is
	// funded) take the highest balance. Ties go to the default network.
	best := candidates[0]
	bestFunded := best.funded
	for _, c := range candidates[1:] {
		switch {
		case c.funded && !bestFunded:
			best, bestFunded = c, true
		case c.funded == bestFunded && c.balance.GreaterThan(best.balance):
			best = c
		case c.funded == bestFunded && c.balance.Equal(best.balance) && c.network == s.defaultNetwork:
			best = c
		}
	}

	path := PathManualApproval
	if best.policy.AutoSign {
		path = PathAutoSign
	}

	return &Selection{
		Offer:   best.offer,
		Network: best.network,
		Policy:  best.policy,
		Path:    path,
		Balance: best.balance,
	}, nil
}

func (s *Selector) resolvePolicy(ctx context.Context, userID, url string, network types.Network, offer types.Offer) (*Selection, error) {
	pol, err := s.policies.FindActivePolicy(ctx, userID, network, url)
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "policy lookup failed: %v", err)
	}
	if pol == nil {
		return nil, types.NewError(types.ErrPolicyDenied, "Policy denied: no active policy covers this endpoint")
	}

	path := PathManualApproval
	if pol.AutoSign {
		path = PathAutoSign
	}

	return &Selection{
		Offer:   offer,
		Network: network,
		Policy:  pol,
		Path:    path,
	}, nil
}

func networkNames(networks []types.Network) []string {
	out := make([]string, 0, len(networks))
	for _, n := range networks {
		out = append(out, n.String())
	}
	return out
}

func exactOffers(offers []types.Offer) []types.Offer {
	var out []types.Offer
	for _, o := range offers {
		if o.IsExact() {
			out = append(out, o)
		}
	}
	return out
}

func schemeNames(offers []types.Offer) []string {
	seen := make(map[string]bool, len(offers))
	var out []string
	for _, o := range offers {
		if seen[o.Scheme] {
			continue
		}
		seen[o.Scheme] = true
		out = append(out, o.Scheme)
	}
	return out
}
