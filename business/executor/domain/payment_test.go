package domain

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestPaymentInstructionValidate(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	cases := []struct {
		name    string
		instr   PaymentInstruction
		wantErr bool
	}{
		{"valid native", PaymentInstruction{ID: "p1", Chain: "ethereum", To: to, Amount: big.NewInt(1)}, false},
		{"valid token", PaymentInstruction{ID: "p2", Chain: "ethereum", To: to, TokenAddress: &token, Amount: big.NewInt(1)}, false},
		{"empty chain", PaymentInstruction{To: to, Amount: big.NewInt(1)}, true},
		{"zero recipient", PaymentInstruction{Chain: "ethereum", Amount: big.NewInt(1)}, true},
		{"nil amount", PaymentInstruction{Chain: "ethereum", To: to}, true},
		{"zero amount", PaymentInstruction{Chain: "ethereum", To: to, Amount: big.NewInt(0)}, true},
		{"negative amount", PaymentInstruction{Chain: "ethereum", To: to, Amount: big.NewInt(-5)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.instr.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPaymentInstructionNative(t *testing.T) {
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if !(&PaymentInstruction{}).Native() {
		t.Error("nil token address must be native")
	}
	if (&PaymentInstruction{TokenAddress: &token}).Native() {
		t.Error("set token address must not be native")
	}
}

func TestERC20TransferData(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	data, err := ERC20TransferData(to, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("ERC20TransferData: %v", err)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	// transfer(address,uint256) selector.
	if !bytes.Equal(data[:4], []byte{0xa9, 0x05, 0x9c, 0xbb}) {
		t.Errorf("selector = %x, want a9059cbb", data[:4])
	}
	if got := common.BytesToAddress(data[4:36]); got != to {
		t.Errorf("recipient = %s, want %s", got.Hex(), to.Hex())
	}
	if got := new(big.Int).SetBytes(data[36:68]); got.Int64() != 1_000_000 {
		t.Errorf("amount = %s, want 1000000", got)
	}
}

func TestReceiptComputeFees(t *testing.T) {
	r := &Receipt{
		GasUsed:           21_000,
		EffectiveGasPrice: big.NewInt(12_000_000_000),
	}
	r.ComputeFees(decimal.NewFromInt(2000))

	if want := big.NewInt(252_000_000_000_000); r.FeeWei.Cmp(want) != 0 {
		t.Errorf("fee = %s wei, want %s", r.FeeWei, want)
	}
	if want := decimal.RequireFromString("0.000252"); !r.FeeNative.Equal(want) {
		t.Errorf("fee native = %s, want %s", r.FeeNative, want)
	}
	if want := decimal.RequireFromString("0.504"); !r.FeeUSD.Equal(want) {
		t.Errorf("fee usd = %s, want %s", r.FeeUSD, want)
	}
}

func TestReceiptComputeFeesWithoutPrice(t *testing.T) {
	r := &Receipt{GasUsed: 21_000, EffectiveGasPrice: big.NewInt(1)}
	r.ComputeFees(decimal.Zero)
	if !r.FeeUSD.IsZero() {
		t.Errorf("fee usd = %s, want zero without a price", r.FeeUSD)
	}
}
