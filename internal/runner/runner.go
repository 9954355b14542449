// Package runner drives a deployment run: it connects to the network,
// resolves the singleton factory and runs the deployment steps in order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/Bidon15/safedeploy/internal/accounts"
	"github.com/Bidon15/safedeploy/internal/artifacts"
	"github.com/Bidon15/safedeploy/internal/config"
	"github.com/Bidon15/safedeploy/internal/deploy"
	"github.com/Bidon15/safedeploy/internal/singleton"
	"github.com/Bidon15/safedeploy/internal/steps"
	"github.com/Bidon15/safedeploy/internal/store"
)

var (
	ErrChainIDMismatch = errors.New("runner: chain ID mismatch")
	ErrUnknownStep     = errors.New("runner: unknown step")
)

// Options configure a run.
type Options struct {
	Network *config.Resolved
	// Client is dialed from Network.URL when nil.
	Client        deploy.Client
	AccountSource accounts.Source
	NamedAccounts map[string]int
	Registry      *singleton.Registry
	Artifacts     artifacts.Source
	Store         store.Store
	Steps         []steps.Step
	// Tags selects steps by name; empty runs all of them.
	Tags    []string
	Logger  *slog.Logger
	Metrics *Metrics
	Getenv  func(string) string
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Summary describes a finished run.
type Summary struct {
	RunID   uuid.UUID       `json:"runId"`
	Network string          `json:"network"`
	ChainID uint64          `json:"chainId"`
	Factory string          `json:"factory"`
	Steps   []StepResult    `json:"steps"`
	Records []*store.Record `json:"records,omitempty"`
}

// Run executes the selected steps sequentially. The first failing step ends
// the run and its error is returned alongside the partial summary.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Network == nil || opts.Registry == nil || opts.Artifacts == nil || opts.Store == nil {
		return nil, errors.New("runner: network, registry, artifacts and store are required")
	}

	runID := uuid.New()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("run_id", runID.String()))

	selected, err := Select(opts.Steps, opts.Tags)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		c, err := ethclient.DialContext(ctx, opts.Network.URL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", opts.Network.Name, err)
		}
		defer c.Close()
		client = c
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if opts.Network.ChainID != 0 && chainID.Uint64() != opts.Network.ChainID {
		return nil, fmt.Errorf("%w: network %s expects %d, node reports %s",
			ErrChainIDMismatch, opts.Network.Name, opts.Network.ChainID, chainID)
	}

	info, err := opts.Registry.Resolve(chainID.Uint64())
	if err != nil {
		logger.Error("singleton factory lookup failed",
			slog.Uint64("chain_id", chainID.Uint64()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	book, err := buildAccounts(opts, chainID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:   runID,
		Network: opts.Network.Name,
		ChainID: chainID.Uint64(),
		Factory: info.Factory.Hex(),
	}

	network := deploy.Network{
		Name:    opts.Network.Name,
		ChainID: chainID.Uint64(),
		Tags:    opts.Network.Tags,
	}

	onResult := func(string, deploy.Result) {}
	if opts.Metrics != nil {
		onResult = opts.Metrics.ObserveResult
	}

	deployer, err := deploy.New(deploy.Config{
		Client:    client,
		Accounts:  book,
		Artifacts: opts.Artifacts,
		Store:     opts.Store,
		Network:   network,
		Factory:   info,
		Logger:    logger,
		OnResult:  onResult,
	})
	if err != nil {
		return nil, err
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	env := &deploy.Env{
		Network:     network,
		Deployments: deployer,
		Accounts:    book,
		Logger:      logger,
		Getenv:      getenv,
	}

	logger.Info("starting deployment run",
		slog.String("network", network.Name),
		slog.Uint64("chain_id", network.ChainID),
		slog.String("factory", info.Factory.Hex()),
		slog.String("deployer", book.Named()[steps.DeployerAccount].Hex()),
		slog.Int("steps", len(selected)),
	)

	for _, step := range selected {
		start := time.Now()
		stepLogger := logger.With(slog.String("step", step.Name))
		stepLogger.Debug("running step")

		err := step.Func(ctx, env)
		elapsed := time.Since(start)
		if opts.Metrics != nil {
			opts.Metrics.ObserveStep(step.Name, elapsed)
		}

		result := StepResult{Name: step.Name, Duration: elapsed}
		if err != nil {
			result.Error = err.Error()
			summary.Steps = append(summary.Steps, result)
			stepLogger.Error("step failed",
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			return summary, fmt.Errorf("step %s: %w", step.Name, err)
		}
		summary.Steps = append(summary.Steps, result)
		stepLogger.Debug("step finished", slog.Duration("duration", elapsed))
	}

	records, err := opts.Store.List(ctx, network.Name)
	if err != nil {
		return summary, fmt.Errorf("list records: %w", err)
	}
	summary.Records = records

	logger.Info("deployment run finished",
		slog.Int("steps", len(summary.Steps)),
		slog.Int("records", len(records)),
	)
	return summary, nil
}

// Select returns the steps named in tags, in declaration order. Empty tags
// select every step.
func Select(all []steps.Step, tags []string) ([]steps.Step, error) {
	if len(tags) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			wanted[t] = false
		}
	}

	var selected []steps.Step
	for _, s := range all {
		if _, ok := wanted[s.Name]; ok {
			wanted[s.Name] = true
			selected = append(selected, s)
		}
	}
	for name, found := range wanted {
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
		}
	}
	return selected, nil
}

func buildAccounts(opts Options, chainID *big.Int) (*accounts.Book, error) {
	signers, err := accounts.Signers(opts.AccountSource, chainID)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	named := opts.NamedAccounts
	if len(named) == 0 {
		named = map[string]int{steps.DeployerAccount: 0}
	}
	return accounts.NewBook(named, signers)
}
