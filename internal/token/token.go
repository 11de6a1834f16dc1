// Package token provides the ERC-20 token registry: per-chain metadata
// needed to build and denominate token transfers.
package token

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is the metadata of one ERC-20 contract on one chain.
type Token struct {
	ChainID  uint64
	Symbol   string
	Name     string
	Address  common.Address
	Decimals uint8
}

// Registry is a thread-safe lookup of known tokens by symbol or contract
// address.
type Registry struct {
	mu        sync.RWMutex
	bySymbol  map[string]*Token
	byAddress map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySymbol:  make(map[string]*Token),
		byAddress: make(map[string]*Token),
	}
}

func symbolKey(chainID uint64, symbol string) string {
	return fmt.Sprintf("%d/%s", chainID, strings.ToUpper(symbol))
}

func addressKey(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%d/%s", chainID, addr.Hex())
}

// Register adds a token. The last registration for a (chain, symbol) pair
// wins, so deployments can override the built-in list.
func (r *Registry) Register(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := t
	r.bySymbol[symbolKey(t.ChainID, t.Symbol)] = &cp
	r.byAddress[addressKey(t.ChainID, t.Address)] = &cp
}

// BySymbol looks a token up by its ticker symbol, case insensitive.
func (r *Registry) BySymbol(chainID uint64, symbol string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySymbol[symbolKey(chainID, symbol)]
	return t, ok
}

// ByAddress looks a token up by its contract address.
func (r *Registry) ByAddress(chainID uint64, addr common.Address) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAddress[addressKey(chainID, addr)]
	return t, ok
}

// ParseUnits converts a human-denominated amount string ("12.50") into the
// token's base units.
func (t *Token) ParseUnits(value string) (*decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	scaled := d.Shift(int32(t.Decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", value, t.Decimals)
	}
	return &scaled, nil
}

// FormatUnits renders base units as a human-denominated string.
func (t *Token) FormatUnits(raw decimal.Decimal) string {
	return raw.Shift(-int32(t.Decimals)).String()
}

// DefaultRegistry returns a registry pre-populated with widely used
// stablecoins and wrapped tokens on Ethereum mainnet and Polygon.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Token{
		{ChainID: 1, Symbol: "USDC", Name: "USD Coin", Decimals: 6,
			Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")},
		{ChainID: 1, Symbol: "USDT", Name: "Tether USD", Decimals: 6,
			Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")},
		{ChainID: 1, Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18,
			Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")},
		{ChainID: 1, Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18,
			Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")},
		{ChainID: 137, Symbol: "USDC", Name: "USD Coin (PoS)", Decimals: 6,
			Address: common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")},
		{ChainID: 137, Symbol: "USDT", Name: "Tether USD (PoS)", Decimals: 6,
			Address: common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")},
	} {
		r.Register(t)
	}
	return r
}
