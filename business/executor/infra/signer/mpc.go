package signer

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/chainexec/business/executor/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/httpclient"
)

// MPC signs through a remote threshold-signature custody service. The
// private key never exists in this process; the service receives the
// unsigned transaction payload and returns the signed envelope.
type MPC struct {
	client        *httpclient.Client
	accountHandle string

	mu   sync.Mutex
	addr *common.Address
}

var _ app.Signer = (*MPC)(nil)

// NewMPC creates the remote signer for one custody account handle.
func NewMPC(client *httpclient.Client, accountHandle string) *MPC {
	return &MPC{client: client, accountHandle: accountHandle}
}

type addressRequest struct {
	AccountHandle string `json:"account_handle"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type signRequest struct {
	AccountHandle string `json:"account_handle"`
	ChainID       string `json:"chain_id"`
	// UnsignedTx is the typed transaction envelope, hex encoded.
	UnsignedTx string `json:"unsigned_tx"`
}

type signResponse struct {
	SignedTx string `json:"signed_tx"`
}

// Address resolves the custody account's address, cached after the first
// call.
func (m *MPC) Address(ctx context.Context) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addr != nil {
		return *m.addr, nil
	}

	var resp addressResponse
	err := m.client.PostJSON(ctx, "/v1/address", addressRequest{AccountHandle: m.accountHandle}, &resp)
	if err != nil {
		return common.Address{}, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err),
			apperror.WithContext("resolving custody account address"))
	}
	if !common.IsHexAddress(resp.Address) {
		return common.Address{}, apperror.New(apperror.CodeSignerFailure,
			apperror.WithContext("custody service returned a malformed address"))
	}
	addr := common.HexToAddress(resp.Address)
	m.addr = &addr
	return addr, nil
}

// SignTx sends the unsigned envelope to the custody service and decodes the
// signed result.
func (m *MPC) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, apperror.New(apperror.CodeSignerFailure, apperror.WithCause(err))
	}

	req := signRequest{
		AccountHandle: m.accountHandle,
		ChainID:       chainID.String(),
		UnsignedTx:    hexutil.Encode(unsigned),
	}
	var resp signResponse
	if err := m.client.PostJSON(ctx, "/v1/sign", req, &resp); err != nil {
		return nil, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err),
			apperror.WithContext("remote signing request"))
	}

	raw, err := hexutil.Decode(resp.SignedTx)
	if err != nil {
		return nil, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err),
			apperror.WithContext("decoding signed envelope"))
	}
	var signed types.Transaction
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err),
			apperror.WithContext("decoding signed envelope"))
	}
	return &signed, nil
}
