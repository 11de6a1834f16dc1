package jsonrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/chainexec/business/rpc/domain"
)

// toBlockNumArg mirrors the ethclient convention: nil means latest.
func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

// toCallArg converts an ethereum.CallMsg into the JSON-RPC call object.
func toCallArg(msg ethereum.CallMsg) any {
	arg := map[string]any{"from": msg.From}
	if msg.To != nil {
		arg["to"] = *msg.To
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasFeeCap != nil {
		arg["maxFeePerGas"] = (*hexutil.Big)(msg.GasFeeCap)
	}
	if msg.GasTipCap != nil {
		arg["maxPriorityFeePerGas"] = (*hexutil.Big)(msg.GasTipCap)
	}
	return arg
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.Call(ctx, &result, "eth_chainId"); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var result hexutil.Uint64
	if err := c.Call(ctx, &result, "eth_getTransactionCount", addr, "latest"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var result hexutil.Uint64
	if err := c.Call(ctx, &result, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.Call(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

func (c *Client) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.Call(ctx, &result, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var result hexutil.Big
	if err := c.Call(ctx, &result, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	var result hexutil.Uint64
	if err := c.Call(ctx, &result, "eth_estimateGas", toCallArg(call)); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result hexutil.Bytes
	if err := c.Call(ctx, &result, "eth_call", toCallArg(call), toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var result common.Hash
	if err := c.Call(ctx, &result, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, err
	}
	return result, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	if err := c.Call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// TransactionByHash returns the transaction and whether it is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, ethereum.NotFound
	}

	var meta struct {
		BlockNumber *string `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, err
	}

	var tx types.Transaction
	if err := tx.UnmarshalJSON(raw); err != nil {
		return nil, false, err
	}
	return &tx, meta.BlockNumber == nil, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	if err := c.Call(ctx, &header, "eth_getBlockByNumber", toBlockNumArg(number), false); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, ethereum.NotFound
	}
	return header, nil
}

// BlockByNumber fetches the light block view used for reorg tracking.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*domain.Block, error) {
	var raw struct {
		Number       *hexutil.Big   `json:"number"`
		Hash         common.Hash    `json:"hash"`
		ParentHash   common.Hash    `json:"parentHash"`
		Timestamp    hexutil.Uint64 `json:"timestamp"`
		Transactions []common.Hash  `json:"transactions"`
	}
	if err := c.Call(ctx, &raw, "eth_getBlockByNumber", toBlockNumArg(number), false); err != nil {
		return nil, err
	}
	if raw.Number == nil {
		return nil, ethereum.NotFound
	}
	return &domain.Block{
		Number:     raw.Number.ToInt().Uint64(),
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Timestamp:  time.Unix(int64(raw.Timestamp), 0),
		TxCount:    len(raw.Transactions),
	}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.Call(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg := map[string]any{"address": q.Addresses, "topics": q.Topics}
	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
	} else {
		if q.FromBlock != nil {
			arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
		}
		if q.ToBlock != nil {
			arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
		}
	}

	var logs []types.Log
	if err := c.Call(ctx, &logs, "eth_getLogs", arg); err != nil {
		return nil, err
	}
	return logs, nil
}
