// Package singleton resolves the per-chain parameters of the Safe singleton
// CREATE2 factory used for deterministic deployments.
package singleton

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"math/big"
	"path"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeploymentFile is the file name of a registry entry inside its chain ID
// directory, matching the layout published by safe-singleton-factory.
const DeploymentFile = "deployment.json"

// Entry is a single registry record as published for one chain.
type Entry struct {
	GasPrice      Decimal `json:"gasPrice"`
	GasLimit      Decimal `json:"gasLimit"`
	SignerAddress string  `json:"signerAddress"`
	Transaction   string  `json:"transaction"`
	Address       string  `json:"address"`
}

// Decimal is a base-10 integer that may be encoded either as a JSON number or
// as a JSON string. Large gas prices overflow float64, so the raw token is kept.
type Decimal string

// UnmarshalJSON implements json.Unmarshaler.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Decimal(n.String())
	return nil
}

// Int parses the decimal into an arbitrary-precision integer.
func (d Decimal) Int() (*big.Int, bool) {
	return new(big.Int).SetString(string(d), 10)
}

// DeploymentInfo is everything needed to deploy through, or bootstrap, the
// factory on a chain.
type DeploymentInfo struct {
	// Factory is the CREATE2 factory address.
	Factory common.Address `json:"factory"`
	// Deployer is the account that signed SignedTx and must be funded.
	Deployer common.Address `json:"deployer"`
	// Funding is gasLimit*gasPrice of SignedTx in wei.
	Funding *big.Int `json:"funding"`
	// SignedTx is the raw pre-signed transaction deploying the factory.
	SignedTx hexutil.Bytes `json:"signedTx"`
}

// FundingString returns the funding amount as a decimal string.
func (i *DeploymentInfo) FundingString() string {
	return i.Funding.String()
}

// Registry is an immutable chain ID -> Entry lookup table.
type Registry struct {
	entries map[uint64]Entry
}

// NewRegistry creates a registry from the given entries. The map is copied.
func NewRegistry(entries map[uint64]Entry) *Registry {
	r := &Registry{entries: make(map[uint64]Entry, len(entries))}
	for id, e := range entries {
		r.entries[id] = e
	}
	return r
}

// LoadRegistry reads <chainId>/deployment.json entries from fsys. Top-level
// entries whose names are not decimal chain IDs are skipped.
func LoadRegistry(fsys fs.FS) (*Registry, error) {
	dirs, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	entries := make(map[uint64]Entry)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		chainID, err := strconv.ParseUint(d.Name(), 10, 64)
		if err != nil {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(d.Name(), DeploymentFile))
		if err != nil {
			return nil, fmt.Errorf("read entry for chain %d: %w", chainID, err)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: chain %d: %v", ErrInvalidEntry, chainID, err)
		}
		entries[chainID] = e
	}

	return &Registry{entries: entries}, nil
}

// Resolve returns the deterministic deployment parameters for chainID.
func (r *Registry) Resolve(chainID uint64) (*DeploymentInfo, error) {
	e, ok := r.entries[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: safe factory not found for network %d. %s", ErrNetworkNotSupported, chainID, remediation)
	}

	gasLimit, ok := e.GasLimit.Int()
	if !ok {
		return nil, fmt.Errorf("%w: chain %d: gas limit %q", ErrInvalidEntry, chainID, e.GasLimit)
	}
	gasPrice, ok := e.GasPrice.Int()
	if !ok {
		return nil, fmt.Errorf("%w: chain %d: gas price %q", ErrInvalidEntry, chainID, e.GasPrice)
	}
	if !common.IsHexAddress(e.Address) || !common.IsHexAddress(e.SignerAddress) {
		return nil, fmt.Errorf("%w: chain %d: malformed address", ErrInvalidEntry, chainID)
	}
	signedTx, err := hexutil.Decode(e.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %d: transaction: %v", ErrInvalidEntry, chainID, err)
	}

	return &DeploymentInfo{
		Factory:  common.HexToAddress(e.Address),
		Deployer: common.HexToAddress(e.SignerAddress),
		Funding:  new(big.Int).Mul(gasLimit, gasPrice),
		SignedTx: signedTx,
	}, nil
}

// ChainIDs returns the supported chain IDs in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
