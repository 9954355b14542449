// Package deploy deploys contracts from artifacts, deterministically through
// the Safe singleton CREATE2 factory or as plain contract creations, and
// skips deployments whose code is already on chain.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/safedeploy/internal/accounts"
	"github.com/Bidon15/safedeploy/internal/signer"
	"github.com/Bidon15/safedeploy/internal/store"
)

var (
	ErrDeploymentFailed = errors.New("deploy: deployment failed")
	ErrNoFactory        = errors.New("deploy: no singleton factory for this network")
)

// Client is the chain access needed to deploy. *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Accounts resolves named accounts and the signers behind them.
type Accounts interface {
	Named() map[string]common.Address
	SignerFor(from string) (signer.Signer, error)
}

// Options control a single deployment.
type Options struct {
	// From is a named account or an address with a known key.
	From string
	// Contract names the artifact when it differs from the deployment name.
	Contract string
	// Args are the constructor arguments.
	Args []any
	// DeterministicDeployment deploys through the CREATE2 factory.
	DeterministicDeployment bool
	// Salt for CREATE2; zero when unset.
	Salt common.Hash
	// Log reports the deployment at info level.
	Log bool
}

// Network describes the chain a run targets.
type Network struct {
	Name    string
	ChainID uint64
	Tags    []string
}

// HasTag reports whether the network carries tag.
func (n Network) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Deployments deploys contracts by name.
type Deployments interface {
	Deploy(ctx context.Context, name string, opts Options) (*store.Record, error)
}

// Env is what a deployment step sees of the run.
type Env struct {
	Network     Network
	Deployments Deployments
	Accounts    Accounts
	Logger      *slog.Logger
	// Getenv reads process settings; os.Getenv when nil.
	Getenv func(string) string
}

// NamedAccounts returns the address of every named account.
func (e *Env) NamedAccounts() map[string]common.Address {
	if e.Accounts == nil {
		return map[string]common.Address{}
	}
	return e.Accounts.Named()
}

// Account returns the address of a named account.
func (e *Env) Account(name string) (common.Address, error) {
	addr, ok := e.NamedAccounts()[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", accounts.ErrUnknownAccount, name)
	}
	return addr, nil
}

// Result is the outcome of one Deploy call.
type Result string

const (
	ResultDeployed Result = "deployed"
	ResultReused   Result = "reused"
	ResultFailed   Result = "failed"
)
