// Package preflight validates a network before deploying to it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Bidon15/safedeploy/internal/singleton"
)

// DefaultTimeout is the default timeout for RPC calls.
const DefaultTimeout = 10 * time.Second

// CheckName identifies a specific pre-flight check.
type CheckName string

const (
	// CheckRPCReachable verifies the RPC endpoint is reachable.
	CheckRPCReachable CheckName = "rpc_reachable"
	// CheckChainIDMatch verifies the chain ID matches the configured value.
	CheckChainIDMatch CheckName = "chain_id_match"
	// CheckSingletonFactory verifies the chain has a singleton factory entry.
	CheckSingletonFactory CheckName = "singleton_factory"
	// CheckDeployerBalance verifies the deployer has sufficient funds.
	CheckDeployerBalance CheckName = "deployer_balance"
)

// Client is the chain access the checks need.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// CheckResult represents the result of a single pre-flight check.
type CheckResult struct {
	Name    CheckName              `json:"name"`
	Passed  bool                   `json:"passed"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Request contains the parameters for pre-flight checks.
type Request struct {
	Network string `json:"network"`
	RPC     string `json:"rpc"`
	// ChainID is the expected chain ID; zero accepts any chain.
	ChainID  uint64              `json:"chain_id"`
	Deployer common.Address      `json:"deployer"`
	Registry *singleton.Registry `json:"-"`
}

// Response contains the results of all pre-flight checks.
type Response struct {
	OK                 bool          `json:"ok"`
	Network            string        `json:"network"`
	ChainID            uint64        `json:"chain_id,omitempty"`
	Checks             []CheckResult `json:"checks"`
	DeployerAddress    string        `json:"deployer_address"`
	Factory            string        `json:"factory,omitempty"`
	FactoryDeployed    bool          `json:"factory_deployed"`
	RequiredFundingETH string        `json:"required_funding_eth"`
	CurrentBalanceETH  string        `json:"current_balance_eth,omitempty"`
}

// Checker performs pre-flight validation checks.
type Checker struct {
	timeout time.Duration
	dial    func(ctx context.Context, url string) (Client, error)
}

// NewChecker creates a new pre-flight checker.
func NewChecker() *Checker {
	return &Checker{
		timeout: DefaultTimeout,
		dial: func(ctx context.Context, url string) (Client, error) {
			return ethclient.DialContext(ctx, url)
		},
	}
}

// WithTimeout sets a custom timeout for RPC calls.
func (c *Checker) WithTimeout(timeout time.Duration) *Checker {
	c.timeout = timeout
	return c
}

// WithClient makes the checker use client instead of dialing the request RPC.
func (c *Checker) WithClient(client Client) *Checker {
	c.dial = func(context.Context, string) (Client, error) {
		return client, nil
	}
	return c
}

// RunChecks performs all pre-flight checks and returns the results.
func (c *Checker) RunChecks(ctx context.Context, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response := &Response{
		OK:              true,
		Network:         req.Network,
		Checks:          make([]CheckResult, 0, 4),
		DeployerAddress: req.Deployer.Hex(),
	}

	// Check 1: RPC reachable
	client, chainID, reachableResult := c.checkReachable(rpcCtx, req.RPC)
	response.Checks = append(response.Checks, reachableResult)
	if !reachableResult.Passed {
		response.OK = false
		return response, nil // Can't continue without connection
	}
	if closer, ok := client.(interface{ Close() }); ok {
		defer closer.Close()
	}
	response.ChainID = chainID

	// Check 2: Chain ID match
	chainIDResult := checkChainIDMatch(chainID, req.ChainID)
	response.Checks = append(response.Checks, chainIDResult)
	if !chainIDResult.Passed {
		response.OK = false
	}

	// Check 3: Singleton factory
	requiredWei := big.NewInt(1)
	factoryResult, info := c.checkSingletonFactory(rpcCtx, client, req.Registry, chainID)
	response.Checks = append(response.Checks, factoryResult)
	if !factoryResult.Passed {
		response.OK = false
	}
	if info != nil {
		response.Factory = info.Factory.Hex()
		response.FactoryDeployed, _ = factoryResult.Details["deployed"].(bool)
		if !response.FactoryDeployed {
			requiredWei = new(big.Int).Set(info.Funding)
		}
	}
	response.RequiredFundingETH = weiToETHString(requiredWei)

	// Check 4: Deployer balance
	balanceResult := checkDeployerBalance(rpcCtx, client, req.Deployer, requiredWei)
	response.Checks = append(response.Checks, balanceResult)
	if !balanceResult.Passed {
		response.OK = false
	}
	if details := balanceResult.Details; details != nil {
		if haveETH, ok := details["have_eth"].(string); ok {
			response.CurrentBalanceETH = haveETH
		}
	}

	return response, nil
}

// validateRequest validates the pre-flight request parameters.
func (c *Checker) validateRequest(req *Request) error {
	if req.RPC == "" {
		return fmt.Errorf("rpc is required")
	}
	if req.Deployer == (common.Address{}) {
		return fmt.Errorf("deployer is required")
	}
	if req.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	return nil
}

// checkReachable dials the RPC endpoint and reads its chain ID.
func (c *Checker) checkReachable(ctx context.Context, rpcURL string) (Client, uint64, CheckResult) {
	result := CheckResult{
		Name: CheckRPCReachable,
	}

	client, err := c.dial(ctx, rpcURL)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to connect to RPC: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return nil, 0, result
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		result.Message = fmt.Sprintf("RPC connection failed: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return nil, 0, result
	}

	result.Passed = true
	result.Message = "Connected to RPC successfully"
	return client, chainID.Uint64(), result
}

// checkChainIDMatch verifies the chain ID matches the expected value.
func checkChainIDMatch(actual, expected uint64) CheckResult {
	result := CheckResult{
		Name: CheckChainIDMatch,
	}

	if expected == 0 {
		result.Passed = true
		result.Message = fmt.Sprintf("Chain ID %d accepted, network does not pin one", actual)
		result.Details = map[string]interface{}{
			"chain_id": actual,
		}
		return result
	}

	if actual != expected {
		result.Message = fmt.Sprintf("Chain ID mismatch: expected %d, got %d", expected, actual)
		result.Details = map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		}
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Chain ID %d confirmed", expected)
	result.Details = map[string]interface{}{
		"chain_id": expected,
	}
	return result
}

// checkSingletonFactory verifies the chain is in the factory registry and
// reports whether the factory is already deployed.
func (c *Checker) checkSingletonFactory(ctx context.Context, client Client, registry *singleton.Registry, chainID uint64) (CheckResult, *singleton.DeploymentInfo) {
	result := CheckResult{
		Name: CheckSingletonFactory,
	}

	info, err := registry.Resolve(chainID)
	if err != nil {
		result.Message = err.Error()
		result.Details = map[string]interface{}{
			"chain_id":  chainID,
			"supported": !errors.Is(err, singleton.ErrNetworkNotSupported),
		}
		return result, nil
	}

	code, err := client.CodeAt(ctx, info.Factory, nil)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get factory code: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return result, info
	}

	deployed := len(code) > 0
	result.Passed = true
	result.Details = map[string]interface{}{
		"factory":     info.Factory.Hex(),
		"deployer":    info.Deployer.Hex(),
		"funding_wei": info.FundingString(),
		"deployed":    deployed,
	}
	if deployed {
		result.Message = fmt.Sprintf("Singleton factory deployed at %s", info.Factory.Hex())
	} else {
		result.Message = fmt.Sprintf("Singleton factory not deployed yet, needs %s ETH funding", weiToETHString(info.Funding))
	}
	return result, info
}

// checkDeployerBalance verifies the deployer has sufficient funds.
func checkDeployerBalance(ctx context.Context, client Client, deployer common.Address, requiredWei *big.Int) CheckResult {
	result := CheckResult{
		Name: CheckDeployerBalance,
	}

	balance, err := client.BalanceAt(ctx, deployer, nil)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get deployer balance: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return result
	}

	haveETH := weiToETHString(balance)
	needETH := weiToETHString(requiredWei)

	result.Details = map[string]interface{}{
		"have_wei": balance.String(),
		"need_wei": requiredWei.String(),
		"have_eth": haveETH,
		"need_eth": needETH,
	}

	if balance.Cmp(requiredWei) < 0 {
		result.Message = fmt.Sprintf("Insufficient deployer balance: have %s ETH, need %s ETH", haveETH, needETH)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Deployer has sufficient balance: %s ETH", haveETH)
	return result
}

// weiToETHString converts wei to a human-readable ETH string.
func weiToETHString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	weiFloat := new(big.Float).SetInt(wei)
	ethFloat := new(big.Float).Quo(weiFloat, big.NewFloat(1e18))

	// Format with up to 4 decimal places
	return ethFloat.Text('f', 4)
}
