// Package balance reads holding-wallet balances used by the chain
// selector. Reads are advisory; the selector treats a failed read as a
// zero balance rather than blocking the payment.
package balance

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/types"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Chain describes how to reach one network's funding token.
type Chain struct {
	RPCURL string
	// Token is the funding asset contract, typically USDC.
	Token common.Address
}

// EVMSource reads ERC-20 balances over JSON-RPC. Clients are dialed
// lazily and cached per network.
type EVMSource struct {
	chains map[types.Network]Chain
	parsed abi.ABI

	mu      sync.Mutex
	clients map[types.Network]*ethclient.Client
}

func NewEVMSource(chains map[types.Network]Chain) (*EVMSource, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, types.NewError(types.ErrNetworkError, "invalid erc20 abi: %v", err)
	}
	return &EVMSource{
		chains:  chains,
		parsed:  parsed,
		clients: make(map[types.Network]*ethclient.Client),
	}, nil
}

// Balance returns the address's funding-token balance in atomic units.
func (s *EVMSource) Balance(ctx context.Context, address string, network types.Network) (decimal.Decimal, error) {
	chain, ok := s.chains[network]
	if !ok {
		return decimal.Zero, types.NewError(types.ErrUnsupportedNetwork, "no RPC configured for network %s", network)
	}

	client, err := s.client(ctx, network, chain)
	if err != nil {
		return decimal.Zero, err
	}

	input, err := s.parsed.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, types.NewError(types.ErrNetworkError, "failed to encode balance call: %v", err)
	}

	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &chain.Token, Data: input}, nil)
	if err != nil {
		return decimal.Zero, types.NewError(types.ErrNetworkError, "balance call failed on %s: %v", network, err)
	}

	out, err := s.parsed.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return decimal.Zero, types.NewError(types.ErrNetworkError, "failed to decode balance on %s: %v", network, err)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, types.NewError(types.ErrNetworkError, "unexpected balance type on %s", network)
	}

	return decimal.NewFromBigInt(value, 0), nil
}

func (s *EVMSource) client(ctx context.Context, network types.Network, chain Chain) (*ethclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[network]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return nil, types.NewError(types.ErrNetworkError, "failed to dial %s: %v", network, err)
	}
	s.clients[network] = c
	return c, nil
}

// Close releases all dialed clients.
func (s *EVMSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, c := range s.clients {
		c.Close()
		delete(s.clients, n)
	}
}

// StaticSource serves fixed balances. Used in tests and examples.
type StaticSource map[types.Network]decimal.Decimal

func (s StaticSource) Balance(ctx context.Context, address string, network types.Network) (decimal.Decimal, error) {
	return s[network], nil
}
