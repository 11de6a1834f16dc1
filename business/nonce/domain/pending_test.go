package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestFingerprintIgnoresFeesAndHash(t *testing.T) {
	base := PendingTransaction{
		Chain:     "ethereum",
		Hash:      common.HexToHash("0x01"),
		From:      common.HexToAddress("0xaaaa000000000000000000000000000000000001"),
		To:        common.HexToAddress("0xbbbb000000000000000000000000000000000002"),
		Nonce:     7,
		Value:     big.NewInt(1000),
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
	}

	bumped := base
	bumped.Hash = common.HexToHash("0x02")
	bumped.GasTipCap = big.NewInt(2)
	bumped.GasFeeCap = big.NewInt(200)

	if base.Fingerprint() != bumped.Fingerprint() {
		t.Error("fee bump changed the fingerprint")
	}

	other := base
	other.Value = big.NewInt(2000)
	if base.Fingerprint() == other.Fingerprint() {
		t.Error("different value produced the same fingerprint")
	}

	otherNonce := base
	otherNonce.Nonce = 8
	if base.Fingerprint() == otherNonce.Fingerprint() {
		t.Error("different nonce produced the same fingerprint")
	}
}

func TestIsStuck(t *testing.T) {
	now := time.Now()
	tx := PendingTransaction{SubmittedAt: now.Add(-5 * time.Minute)}

	if !tx.IsStuck(now, 3*time.Minute) {
		t.Error("expected stuck after 5m with a 3m threshold")
	}
	if tx.IsStuck(now, 10*time.Minute) {
		t.Error("not stuck before the threshold")
	}

	// A bump resets the clock.
	tx.LastBumpAt = now.Add(-time.Minute)
	if tx.IsStuck(now, 3*time.Minute) {
		t.Error("recent bump should reset the stuck clock")
	}
}
