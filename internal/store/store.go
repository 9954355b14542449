// Package store persists deployment records per network.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNotFound      = errors.New("store: record not found")
	ErrChainMismatch = errors.New("store: network directory belongs to another chain")
)

// Receipt is the part of a transaction receipt kept with a record.
type Receipt struct {
	BlockNumber uint64      `json:"blockNumber"`
	BlockHash   common.Hash `json:"blockHash"`
	GasUsed     uint64      `json:"gasUsed"`
	Status      uint64      `json:"status"`
}

// Record describes one deployed contract.
type Record struct {
	ContractName     string          `json:"contractName"`
	Address          common.Address  `json:"address"`
	Deployer         common.Address  `json:"deployer"`
	TransactionHash  *common.Hash    `json:"transactionHash,omitempty"`
	ABI              json.RawMessage `json:"abi"`
	Args             []string        `json:"args"`
	Bytecode         hexutil.Bytes   `json:"bytecode"`
	DeployedBytecode hexutil.Bytes   `json:"deployedBytecode"`
	Receipt          *Receipt        `json:"receipt,omitempty"`
	Factory          *common.Address `json:"factory,omitempty"`
	Salt             *common.Hash    `json:"salt,omitempty"`
	DeployedAt       time.Time       `json:"deployedAt"`
}

// Store persists records keyed by network name and contract name.
type Store interface {
	// Get returns the record of contract on network, or ErrNotFound.
	Get(ctx context.Context, network, contract string) (*Record, error)
	// Save creates or replaces the record of rec.ContractName on network.
	Save(ctx context.Context, network string, chainID uint64, rec *Record) error
	// List returns every record of network sorted by contract name.
	List(ctx context.Context, network string) ([]*Record, error)
}
