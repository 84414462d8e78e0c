package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/types"
)

func TestEVMSourceRejectsUnknownNetwork(t *testing.T) {
	src, err := NewEVMSource(map[types.Network]Chain{
		types.NetworkBase: {
			RPCURL: "https://mainnet.base.org",
			Token:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		},
	})
	if err != nil {
		t.Fatalf("NewEVMSource returned error: %v", err)
	}
	defer src.Close()

	_, err = src.Balance(context.Background(), "0x1111111111111111111111111111111111111111", types.NetworkPolygon)
	if err == nil {
		t.Fatal("expected error for unconfigured network")
	}
	var x402Err *types.X402Error
	if !errors.As(err, &x402Err) || x402Err.Code != types.ErrUnsupportedNetwork {
		t.Fatalf("expected UNSUPPORTED_NETWORK, got %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{types.NetworkBase: decimal.NewFromInt(500)}

	bal, err := src.Balance(context.Background(), "0xabc", types.NetworkBase)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500, got %s", bal)
	}

	bal, _ = src.Balance(context.Background(), "0xabc", types.NetworkPolygon)
	if !bal.IsZero() {
		t.Fatalf("unknown networks read as zero, got %s", bal)
	}
}
