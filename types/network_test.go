package types

import "testing"

func TestChainIDRegistry(t *testing.T) {
	cases := []struct {
		network Network
		chainID int64
	}{
		{NetworkBase, 8453},
		{NetworkBaseSepolia, 84532},
		{NetworkPolygon, 137},
		{NetworkPolygonAmoy, 80002},
	}

	for _, tc := range cases {
		id, ok := tc.network.ChainID()
		if !ok {
			t.Fatalf("%s must be registered", tc.network)
		}
		if id != tc.chainID {
			t.Fatalf("%s: expected chain id %d, got %d", tc.network, tc.chainID, id)
		}
		if !tc.network.IsSupported() {
			t.Fatalf("%s must be supported", tc.network)
		}
	}

	if _, ok := Network("solana-mainnet").ChainID(); ok {
		t.Fatal("unregistered networks must not resolve a chain id")
	}
	if Network("solana-mainnet").IsSupported() {
		t.Fatal("unregistered networks must not be supported")
	}
}

func TestIsTestnet(t *testing.T) {
	if !NetworkBaseSepolia.IsTestnet() || !NetworkPolygonAmoy.IsTestnet() {
		t.Fatal("sepolia and amoy are testnets")
	}
	if NetworkBase.IsTestnet() || NetworkPolygon.IsTestnet() {
		t.Fatal("mainnets must not report as testnets")
	}
}

func TestSupportedNetworksMatchesRegistry(t *testing.T) {
	networks := SupportedNetworks()
	if len(networks) != len(chainIDs) {
		t.Fatalf("expected %d networks, got %d", len(chainIDs), len(networks))
	}
	for _, n := range networks {
		if !n.IsSupported() {
			t.Fatalf("%s listed but not registered", n)
		}
	}
}
