package token

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestRegistryLookups(t *testing.T) {
	r := DefaultRegistry()

	usdc, ok := r.BySymbol(1, "usdc")
	if !ok {
		t.Fatal("USDC lookup must be case insensitive")
	}
	if usdc.Decimals != 6 {
		t.Errorf("USDC decimals = %d, want 6", usdc.Decimals)
	}

	byAddr, ok := r.ByAddress(1, usdc.Address)
	if !ok || byAddr.Symbol != "USDC" {
		t.Fatalf("address lookup = %+v, ok = %v", byAddr, ok)
	}

	// The same symbol on another chain is a different contract.
	polygonUSDC, ok := r.BySymbol(137, "USDC")
	if !ok {
		t.Fatal("polygon USDC missing")
	}
	if polygonUSDC.Address == usdc.Address {
		t.Error("per-chain tokens must not share a contract address")
	}

	if _, ok := r.BySymbol(1, "DOGE"); ok {
		t.Error("unknown symbol must not resolve")
	}
}

func TestRegistryOverride(t *testing.T) {
	r := NewRegistry()
	addr1 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	addr2 := common.HexToAddress("0x0000000000000000000000000000000000000002")
	r.Register(Token{ChainID: 1, Symbol: "TST", Address: addr1, Decimals: 18})
	r.Register(Token{ChainID: 1, Symbol: "TST", Address: addr2, Decimals: 6})

	got, ok := r.BySymbol(1, "TST")
	if !ok || got.Address != addr2 || got.Decimals != 6 {
		t.Fatalf("override lookup = %+v, ok = %v, want the later registration", got, ok)
	}
}

func TestParseUnits(t *testing.T) {
	usdc := Token{Symbol: "USDC", Decimals: 6}

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12.50", "12500000", false},
		{"0.000001", "1", false},
		{"1000000", "1000000000000", false},
		{"0", "0", false},
		{"0.0000001", "", true}, // more precision than the token carries
		{"-5", "", true},
		{"abc", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := usdc.ParseUnits(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseUnits(%q) = %s, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUnits(%q): %v", tc.in, err)
			}
			if got.String() != tc.want {
				t.Errorf("ParseUnits(%q) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatUnits(t *testing.T) {
	usdc := Token{Symbol: "USDC", Decimals: 6}
	if got := usdc.FormatUnits(decimal.NewFromInt(12_500_000)); got != "12.5" {
		t.Errorf("FormatUnits = %q, want 12.5", got)
	}
}
