// Package signer signs deployment transactions with a local key or a remote
// JSON-RPC signer.
package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of a single account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// Local signs with an in-memory private key.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewLocal creates a signer for key on chainID.
func NewLocal(key *ecdsa.PrivateKey, chainID *big.Int) *Local {
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// Address implements Signer.
func (l *Local) Address() common.Address {
	return l.address
}

// SignTx implements Signer.
func (l *Local) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, l.signer, l.key)
}
