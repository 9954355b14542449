package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/safedeploy/internal/artifacts"
	"github.com/Bidon15/safedeploy/internal/signer"
	"github.com/Bidon15/safedeploy/internal/singleton"
	"github.com/Bidon15/safedeploy/internal/store"
)

// defaultDeployGas is used when gas estimation fails.
const defaultDeployGas = 5_000_000

// Config configures a Deployer.
type Config struct {
	Client    Client
	Accounts  Accounts
	Artifacts artifacts.Source
	Store     store.Store
	Network   Network
	// Factory is required for deterministic deployments.
	Factory *singleton.DeploymentInfo
	Logger  *slog.Logger
	// OnResult is called once per Deploy call.
	OnResult func(contract string, result Result)
}

// Deployer implements Deployments against a live chain.
type Deployer struct {
	client    Client
	accounts  Accounts
	artifacts artifacts.Source
	store     store.Store
	network   Network
	factory   *singleton.DeploymentInfo
	logger    *slog.Logger
	onResult  func(string, Result)
	now       func() time.Time
}

// New creates a deployer.
func New(cfg Config) (*Deployer, error) {
	if cfg.Client == nil || cfg.Accounts == nil || cfg.Artifacts == nil || cfg.Store == nil {
		return nil, errors.New("deploy: client, accounts, artifacts and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onResult := cfg.OnResult
	if onResult == nil {
		onResult = func(string, Result) {}
	}
	return &Deployer{
		client:    cfg.Client,
		accounts:  cfg.Accounts,
		artifacts: cfg.Artifacts,
		store:     cfg.Store,
		network:   cfg.Network,
		factory:   cfg.Factory,
		logger:    logger.With(slog.String("network", cfg.Network.Name)),
		onResult:  onResult,
		now:       time.Now,
	}, nil
}

// Deploy deploys name unless identical code is already deployed, and records
// the deployment either way.
func (d *Deployer) Deploy(ctx context.Context, name string, opts Options) (*store.Record, error) {
	rec, result, err := d.deploy(ctx, name, opts)
	if err != nil {
		d.onResult(name, ResultFailed)
		return nil, fmt.Errorf("%w: %s: %w", ErrDeploymentFailed, name, err)
	}
	d.onResult(name, result)
	return rec, nil
}

func (d *Deployer) deploy(ctx context.Context, name string, opts Options) (*store.Record, Result, error) {
	contract := opts.Contract
	if contract == "" {
		contract = name
	}
	artifact, err := d.artifacts.Artifact(contract)
	if err != nil {
		return nil, "", err
	}
	initCode, err := artifact.InitCode(opts.Args...)
	if err != nil {
		return nil, "", err
	}
	bytecode, err := artifact.Bytecode.Bytes()
	if err != nil {
		return nil, "", err
	}

	from, err := d.accounts.SignerFor(opts.From)
	if err != nil {
		return nil, "", err
	}

	previous, err := d.store.Get(ctx, d.network.Name, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("load previous record: %w", err)
	}

	rec := &store.Record{
		ContractName: name,
		Deployer:     from.Address(),
		ABI:          artifact.ABI,
		Args:         formatArgs(opts.Args),
		Bytecode:     bytecode,
	}
	if deployed, err := artifact.DeployedBytecode.Bytes(); err == nil {
		rec.DeployedBytecode = deployed
	}

	log := d.logger.Debug
	if opts.Log {
		log = d.logger.Info
	}

	if opts.DeterministicDeployment {
		return d.deployDeterministic(ctx, from, rec, previous, initCode, opts.Salt, log)
	}
	return d.deployCreate(ctx, from, rec, previous, initCode, log)
}

func (d *Deployer) deployDeterministic(
	ctx context.Context,
	from signer.Signer,
	rec, previous *store.Record,
	initCode []byte,
	salt common.Hash,
	log func(string, ...any),
) (*store.Record, Result, error) {
	if d.factory == nil {
		return nil, "", ErrNoFactory
	}

	address := Create2Address(d.factory.Factory, salt, initCode)
	rec.Address = address
	factory := d.factory.Factory
	rec.Factory = &factory
	rec.Salt = &salt

	code, err := d.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, "", fmt.Errorf("get code at %s: %w", address.Hex(), err)
	}
	if len(code) > 0 {
		log("reusing deployment",
			slog.String("contract", rec.ContractName),
			slog.String("address", address.Hex()),
		)
		if previous != nil && previous.Address == address {
			rec.TransactionHash = previous.TransactionHash
			rec.Receipt = previous.Receipt
			rec.DeployedAt = previous.DeployedAt
		}
		if rec.DeployedAt.IsZero() {
			rec.DeployedAt = d.now().UTC()
		}
		return rec, ResultReused, d.save(ctx, rec)
	}

	if err := d.EnsureFactory(ctx, from); err != nil {
		return nil, "", err
	}

	log("deploying contract",
		slog.String("contract", rec.ContractName),
		slog.String("address", address.Hex()),
		slog.String("factory", d.factory.Factory.Hex()),
		slog.Int("init_code_bytes", len(initCode)),
	)

	data := append(salt.Bytes(), initCode...)
	receipt, err := d.send(ctx, from, &d.factory.Factory, nil, data)
	if err != nil {
		return nil, "", err
	}

	code, err = d.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, "", fmt.Errorf("get code at %s: %w", address.Hex(), err)
	}
	if len(code) == 0 {
		return nil, "", fmt.Errorf("no code at %s after tx %s", address.Hex(), receipt.TxHash.Hex())
	}

	d.recordReceipt(rec, receipt)
	log("deployed contract",
		slog.String("contract", rec.ContractName),
		slog.String("address", address.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return rec, ResultDeployed, d.save(ctx, rec)
}

func (d *Deployer) deployCreate(
	ctx context.Context,
	from signer.Signer,
	rec, previous *store.Record,
	initCode []byte,
	log func(string, ...any),
) (*store.Record, Result, error) {
	if previous != nil && bytes.Equal(previous.Bytecode, rec.Bytecode) && slices.Equal(previous.Args, rec.Args) {
		code, err := d.client.CodeAt(ctx, previous.Address, nil)
		if err != nil {
			return nil, "", fmt.Errorf("get code at %s: %w", previous.Address.Hex(), err)
		}
		if len(code) > 0 {
			log("reusing deployment",
				slog.String("contract", rec.ContractName),
				slog.String("address", previous.Address.Hex()),
			)
			return previous, ResultReused, nil
		}
	}

	log("deploying contract",
		slog.String("contract", rec.ContractName),
		slog.Int("init_code_bytes", len(initCode)),
	)

	receipt, err := d.send(ctx, from, nil, nil, initCode)
	if err != nil {
		return nil, "", err
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, "", fmt.Errorf("no contract address in receipt of %s", receipt.TxHash.Hex())
	}

	rec.Address = receipt.ContractAddress
	d.recordReceipt(rec, receipt)
	log("deployed contract",
		slog.String("contract", rec.ContractName),
		slog.String("address", rec.Address.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return rec, ResultDeployed, d.save(ctx, rec)
}

// EnsureFactory deploys the singleton factory with its pre-signed transaction
// when it has no code yet, first topping up the factory deployer account to
// the required funding.
func (d *Deployer) EnsureFactory(ctx context.Context, funder signer.Signer) error {
	if d.factory == nil {
		return ErrNoFactory
	}
	info := d.factory

	code, err := d.client.CodeAt(ctx, info.Factory, nil)
	if err != nil {
		return fmt.Errorf("get factory code: %w", err)
	}
	if len(code) > 0 {
		return nil
	}

	balance, err := d.client.BalanceAt(ctx, info.Deployer, nil)
	if err != nil {
		return fmt.Errorf("get factory deployer balance: %w", err)
	}
	if missing := new(big.Int).Sub(info.Funding, balance); missing.Sign() > 0 {
		d.logger.Info("funding singleton factory deployer",
			slog.String("deployer", info.Deployer.Hex()),
			slog.String("amount_wei", missing.String()),
		)
		if _, err := d.send(ctx, funder, &info.Deployer, missing, nil); err != nil {
			return fmt.Errorf("fund factory deployer: %w", err)
		}
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(info.SignedTx); err != nil {
		return fmt.Errorf("decode factory transaction: %w", err)
	}

	d.logger.Info("deploying singleton factory",
		slog.String("factory", info.Factory.Hex()),
		slog.String("tx_hash", tx.Hash().Hex()),
	)
	if err := d.client.SendTransaction(ctx, &tx); err != nil {
		return fmt.Errorf("send factory transaction: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, d.client, &tx)
	if err != nil {
		return fmt.Errorf("wait for factory transaction: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("factory transaction %s reverted", tx.Hash().Hex())
	}

	code, err = d.client.CodeAt(ctx, info.Factory, nil)
	if err != nil {
		return fmt.Errorf("get factory code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no factory code at %s after tx %s", info.Factory.Hex(), tx.Hash().Hex())
	}
	return nil
}

// send signs and broadcasts a transaction from s and waits for a successful
// receipt. A nil to creates a contract.
func (d *Deployer) send(ctx context.Context, s signer.Signer, to *common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := d.client.PendingNonceAt(ctx, s.Address())
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := d.gasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}

	gasLimit, err := d.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.Address(),
		To:       to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		gasLimit = defaultDeployGas
		d.logger.Warn("gas estimation failed, using default",
			slog.Uint64("gas_limit", gasLimit),
			slog.String("error", err.Error()),
		)
	}
	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := s.SignTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	d.logger.Debug("transaction submitted, waiting for confirmation",
		slog.String("tx_hash", signedTx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price", gasPrice.String()),
	)

	receipt, err := bind.WaitMined(ctx, d.client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("wait for receipt of %s: %w", signedTx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", signedTx.Hash().Hex())
	}
	return receipt, nil
}

// gasPrice returns the node suggestion boosted by 50% for faster inclusion.
func (d *Deployer) gasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	boosted := new(big.Int).Mul(gasPrice, big.NewInt(150))
	return boosted.Div(boosted, big.NewInt(100)), nil
}

func (d *Deployer) recordReceipt(rec *store.Record, receipt *types.Receipt) {
	hash := receipt.TxHash
	rec.TransactionHash = &hash
	rec.Receipt = &store.Receipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash,
		GasUsed:     receipt.GasUsed,
		Status:      receipt.Status,
	}
	rec.DeployedAt = d.now().UTC()
}

func (d *Deployer) save(ctx context.Context, rec *store.Record) error {
	if err := d.store.Save(ctx, d.network.Name, d.network.ChainID, rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Create2Address computes the address CREATE2 assigns to initCode deployed by
// factory with salt.
func Create2Address(factory common.Address, salt common.Hash, initCode []byte) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}

func formatArgs(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case common.Address:
			out[i] = v.Hex()
		case []byte:
			out[i] = fmt.Sprintf("0x%x", v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}
