package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/types"
)

type fakeBalances struct {
	balances map[types.Network]string
	err      error
}

func (f *fakeBalances) Balance(ctx context.Context, address string, network types.Network) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	raw, ok := f.balances[network]
	if !ok {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func activePolicy(userID string, network types.Network, pattern string, autoSign bool) Policy {
	return Policy{
		ID:         "pol-" + string(network) + "-" + pattern,
		UserID:     userID,
		Network:    network,
		URLPattern: pattern,
		Status:     StatusActive,
		AutoSign:   autoSign,
	}
}

func requirementSet(offers ...types.Offer) *types.RequirementSet {
	return &types.RequirementSet{Format: types.FormatBody, X402Version: 1, Offers: offers}
}

func offerOn(network, amount string) types.Offer {
	return types.Offer{
		Scheme:   "exact",
		Network:  network,
		Amount:   amount,
		Asset:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:    "0x2222222222222222222222222222222222222222",
		Resource: "https://api.example.com/data",
	}
}

func TestSelectExplicitChainNotOffered(t *testing.T) {
	sel := NewSelector(NewMemoryStore(), &fakeBalances{}, types.NetworkBase, nil)

	_, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data", requirementSet(offerOn("base", "100")), types.NetworkPolygon)
	if err == nil {
		t.Fatal("expected error for explicit chain with no matching offer")
	}
	if !strings.Contains(err.Error(), "not supported for this resource") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestSelectExplicitChainUsesPolicyPath(t *testing.T) {
	store := NewMemoryStore(activePolicy("user-1", types.NetworkBase, "https://api.example.com/", false))
	sel := NewSelector(store, &fakeBalances{}, types.NetworkBase, nil)

	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data", requirementSet(offerOn("base", "100")), types.NetworkBase)
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Network != types.NetworkBase {
		t.Errorf("expected base, got %s", selection.Network)
	}
	if selection.Path != PathManualApproval {
		t.Errorf("manual policy must select manual approval, got %s", selection.Path)
	}
}

func TestSelectNoActivePolicyIsDenied(t *testing.T) {
	store := NewMemoryStore(
		// Draft and archived policies must not authorize anything.
		Policy{UserID: "user-1", Network: types.NetworkBase, URLPattern: "https://api.example.com/", Status: StatusDraft},
		Policy{UserID: "user-1", Network: types.NetworkBase, URLPattern: "https://api.example.com/", Status: StatusArchived},
	)
	sel := NewSelector(store, &fakeBalances{balances: map[types.Network]string{types.NetworkBase: "1000"}}, types.NetworkBase, nil)

	_, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data", requirementSet(offerOn("base", "100")), "")
	if err == nil {
		t.Fatal("expected policy denial")
	}
	if !strings.Contains(err.Error(), "Policy denied") {
		t.Fatalf("expected Policy denied, got: %v", err)
	}

	var x402Err *types.X402Error
	if !errors.As(err, &x402Err) || x402Err.Code != types.ErrPolicyDenied {
		t.Fatalf("expected POLICY_DENIED code, got %v", err)
	}
}

func TestSelectUnsupportedNetworksAreNamed(t *testing.T) {
	sel := NewSelector(NewMemoryStore(), &fakeBalances{}, types.NetworkBase, nil)

	_, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data", requirementSet(offerOn("solana-mainnet", "100")), "")
	if err == nil {
		t.Fatal("expected unsupported network error")
	}
	if !strings.Contains(err.Error(), "solana-mainnet") {
		t.Fatalf("error must name the unsupported network, got: %v", err)
	}

	var x402Err *types.X402Error
	if !errors.As(err, &x402Err) || x402Err.Code != types.ErrUnsupportedNetwork {
		t.Fatalf("expected UNSUPPORTED_NETWORK code, got %v", err)
	}
}

func offerWithScheme(network, amount, scheme string) types.Offer {
	o := offerOn(network, amount)
	o.Scheme = scheme
	return o
}

func TestSelectRejectsNonExactScheme(t *testing.T) {
	store := NewMemoryStore(activePolicy("user-1", types.NetworkBase, "https://api.example.com/", true))
	sel := NewSelector(store, &fakeBalances{balances: map[types.Network]string{types.NetworkBase: "1000"}}, types.NetworkBase, nil)

	// The engine can only sign exact transfer authorizations; an offer
	// on another scheme must never be chosen and then signed.
	_, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerWithScheme("base", "100", "upto")), "")
	if err == nil {
		t.Fatal("expected rejection for non-exact scheme")
	}
	if !strings.Contains(err.Error(), "upto") {
		t.Fatalf("error must name the offered scheme, got: %v", err)
	}

	var x402Err *types.X402Error
	if !errors.As(err, &x402Err) || x402Err.Code != types.ErrInvalidRequirements {
		t.Fatalf("expected INVALID_REQUIREMENTS code, got %v", err)
	}

	// Same gate on the explicit-chain path.
	_, err = sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerWithScheme("base", "100", "upto")), types.NetworkBase)
	if err == nil || !strings.Contains(err.Error(), "upto") {
		t.Fatalf("explicit path must reject non-exact schemes too, got: %v", err)
	}
}

func TestSelectPicksExactOfferAmongSchemes(t *testing.T) {
	store := NewMemoryStore(activePolicy("user-1", types.NetworkBase, "https://api.example.com/", true))
	sel := NewSelector(store, &fakeBalances{balances: map[types.Network]string{types.NetworkBase: "1000"}}, types.NetworkBase, nil)

	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerWithScheme("base", "100", "upto"), offerOn("base", "200")), "")
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Offer.Scheme != "exact" {
		t.Fatalf("expected the exact offer, got scheme %q", selection.Offer.Scheme)
	}
	if selection.Offer.Amount != "200" {
		t.Fatalf("expected the exact offer's amount, got %s", selection.Offer.Amount)
	}
}

func TestSelectHighestBalanceWins(t *testing.T) {
	store := NewMemoryStore(
		activePolicy("user-1", types.NetworkBase, "https://api.example.com/", true),
		activePolicy("user-1", types.NetworkPolygon, "https://api.example.com/", true),
	)
	balances := &fakeBalances{balances: map[types.Network]string{
		types.NetworkBase:    "500",
		types.NetworkPolygon: "900",
	}}
	sel := NewSelector(store, balances, types.NetworkBase, nil)

	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerOn("base", "100"), offerOn("polygon", "100")), "")
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Network != types.NetworkPolygon {
		t.Fatalf("expected polygon (highest balance), got %s", selection.Network)
	}
	if selection.Path != PathAutoSign {
		t.Fatalf("auto-sign policy must select auto path, got %s", selection.Path)
	}
}

func TestSelectFundedChainBeatsRicherUnfundedChain(t *testing.T) {
	store := NewMemoryStore(
		activePolicy("user-1", types.NetworkBase, "https://api.example.com/", true),
		activePolicy("user-1", types.NetworkPolygon, "https://api.example.com/", true),
	)
	// Polygon has more funds but not enough to cover the offer.
	balances := &fakeBalances{balances: map[types.Network]string{
		types.NetworkBase:    "150",
		types.NetworkPolygon: "90",
	}}
	sel := NewSelector(store, balances, types.NetworkBase, nil)

	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerOn("base", "100"), offerOn("polygon", "100")), "")
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Network != types.NetworkBase {
		t.Fatalf("funded chain must win, got %s", selection.Network)
	}
}

func TestSelectProceedsWhenNoChainIsFunded(t *testing.T) {
	store := NewMemoryStore(
		activePolicy("user-1", types.NetworkBase, "https://api.example.com/", false),
		activePolicy("user-1", types.NetworkPolygon, "https://api.example.com/", false),
	)
	balances := &fakeBalances{balances: map[types.Network]string{
		types.NetworkBase:    "10",
		types.NetworkPolygon: "40",
	}}
	sel := NewSelector(store, balances, types.NetworkBase, nil)

	// Neither chain covers the amount; the selector still picks the
	// highest balance so a manual top-up before approval can cover it.
	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerOn("base", "100"), offerOn("polygon", "100")), "")
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Network != types.NetworkPolygon {
		t.Fatalf("expected highest-balance chain despite shortfall, got %s", selection.Network)
	}
}

func TestSelectTieBreaksToDefaultNetwork(t *testing.T) {
	store := NewMemoryStore(
		activePolicy("user-1", types.NetworkBase, "https://api.example.com/", true),
		activePolicy("user-1", types.NetworkPolygon, "https://api.example.com/", true),
	)
	balances := &fakeBalances{balances: map[types.Network]string{
		types.NetworkBase:    "500",
		types.NetworkPolygon: "500",
	}}
	sel := NewSelector(store, balances, types.NetworkBase, nil)

	selection, err := sel.Select(context.Background(), "user-1", "0xabc", "https://api.example.com/data",
		requirementSet(offerOn("polygon", "100"), offerOn("base", "100")), "")
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Network != types.NetworkBase {
		t.Fatalf("tie must break to default network, got %s", selection.Network)
	}
}
