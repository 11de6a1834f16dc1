// Package signer provides the signing capability implementations: an
// in-process development key and a remote MPC custody service.
package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stablepay/chainexec/business/executor/app"
)

// Local signs with an in-process private key. Development and test use
// only; production deployments run the MPC signer.
type Local struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ app.Signer = (*Local)(nil)

// NewLocal parses a hex-encoded private key, with or without 0x prefix.
func NewLocal(keyHex string) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, err
	}
	return &Local{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the address derived from the key.
func (l *Local) Address(ctx context.Context) (common.Address, error) {
	return l.addr, nil
}

// SignTx signs with the EIP-1559 signer for the given chain.
func (l *Local) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
}
