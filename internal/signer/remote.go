package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrTampered reports a signed transaction that differs from the request.
var ErrTampered = errors.New("signer: remote signer altered the transaction")

// Remote signs transactions through an eth_signTransaction endpoint holding
// the key. Requests carry the API key in the X-API-Key header.
type Remote struct {
	client  *rpc.Client
	address common.Address
	chainID *big.Int
}

// NewRemote creates a remote signer for address. No connection is made until
// the first SignTx.
func NewRemote(endpoint, apiKey string, address common.Address, chainID *big.Int) (*Remote, error) {
	var opts []rpc.ClientOption
	if apiKey != "" {
		opts = append(opts, rpc.WithHeader("X-API-Key", apiKey))
	}
	client, err := rpc.DialOptions(context.Background(), endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial remote signer: %w", err)
	}
	return &Remote{client: client, address: address, chainID: chainID}, nil
}

// Address implements Signer.
func (r *Remote) Address() common.Address {
	return r.address
}

// Close releases the RPC client.
func (r *Remote) Close() {
	r.client.Close()
}

// signArgs mirrors the eth_signTransaction argument object.
type signArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

func (r *Remote) argsFor(tx *types.Transaction) signArgs {
	args := signArgs{
		From:    r.address,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Data:    tx.Data(),
		ChainID: (*hexutil.Big)(r.chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}
	return args
}

// SignTx implements Signer. The returned transaction must be signed by the
// configured account and match tx in every signed field.
func (r *Remote) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	var result string
	if err := r.client.CallContext(ctx, &result, "eth_signTransaction", r.argsFor(tx)); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("JSON-RPC error %d: %s", rpcErr.ErrorCode(), rpcErr.Error())
		}
		return nil, fmt.Errorf("signing request failed: %w", err)
	}

	raw, err := hexutil.Decode(result)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(r.chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if sender != r.address {
		return nil, fmt.Errorf("remote signer returned transaction from %s, expected %s", sender.Hex(), r.address.Hex())
	}
	if field := changedField(tx, signed); field != "" {
		return nil, fmt.Errorf("%w: %s", ErrTampered, field)
	}
	return signed, nil
}

// changedField names the first signed field of got that differs from want,
// or returns "" when they match.
func changedField(want, got *types.Transaction) string {
	switch {
	case got.Nonce() != want.Nonce():
		return "nonce"
	case !sameAddress(got.To(), want.To()):
		return "to"
	case got.Value().Cmp(want.Value()) != 0:
		return "value"
	case got.Gas() != want.Gas():
		return "gas"
	case got.GasPrice().Cmp(want.GasPrice()) != 0:
		return "gasPrice"
	case got.GasFeeCap().Cmp(want.GasFeeCap()) != 0:
		return "maxFeePerGas"
	case got.GasTipCap().Cmp(want.GasTipCap()) != 0:
		return "maxPriorityFeePerGas"
	case !bytes.Equal(got.Data(), want.Data()):
		return "data"
	}
	return ""
}

func sameAddress(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
