package deploy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/safedeploy/internal/accounts"
	"github.com/Bidon15/safedeploy/internal/artifacts"
	"github.com/Bidon15/safedeploy/internal/signer"
	"github.com/Bidon15/safedeploy/internal/singleton"
	"github.com/Bidon15/safedeploy/internal/store"
)

const (
	// returns the 10 byte runtime 602a60005260206000f3
	testInitCode = "0x600a600c600039600a6000f3602a60005260206000f3"
	testRuntime  = "0x602a60005260206000f3"
	// reverts unconditionally
	revertInitCode = "0x60006000fd"
)

var (
	simChainID      = big.NewInt(1337)
	factoryGasPrice = big.NewInt(100_000_000_000)
)

// factoryInitCode is the deterministic deployment proxy used by the Safe
// singleton factory.
func factoryInitCode() []byte {
	runtime := "7f" + strings.Repeat("ff", 31) + "e0" +
		"3601600081602082378035828234f58015156039578182fd5b8082525050506014600cf3"
	return hexutil.MustDecode("0x604580600e600039806000f350fe" + runtime)
}

// autoCommit mines a block after every transaction.
type autoCommit struct {
	simulated.Client
	backend *simulated.Backend

	mu   sync.Mutex
	sent []common.Hash
}

func (c *autoCommit) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, tx.Hash())
	c.mu.Unlock()
	c.backend.Commit()
	return nil
}

func (c *autoCommit) sentCount(hash common.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.sent {
		if h == hash {
			n++
		}
	}
	return n
}

type memArtifacts map[string]*artifacts.ContractArtifact

func (m memArtifacts) Artifact(name string) (*artifacts.ContractArtifact, error) {
	a, ok := m[name]
	if !ok {
		return nil, artifacts.ErrNotFound
	}
	return a, nil
}

type harness struct {
	client   *autoCommit
	deployer *Deployer
	store    *store.FileStore
	factory  *singleton.DeploymentInfo
	from     common.Address
	results  map[string][]Result
}

func newFactoryInfo(t *testing.T) (*singleton.DeploymentInfo, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		Gas:      100_000,
		GasPrice: factoryGasPrice,
		Data:     factoryInitCode(),
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(simChainID), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &singleton.DeploymentInfo{
		Factory:  crypto.CreateAddress(from, 0),
		Deployer: from,
		Funding:  new(big.Int).Mul(big.NewInt(100_000), factoryGasPrice),
		SignedTx: raw,
	}, key
}

func newHarness(t *testing.T, withFactory bool) *harness {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	balance, _ := new(big.Int).SetString("100000000000000000000", 10)
	backend := simulated.NewBackend(types.GenesisAlloc{from: {Balance: balance}})
	t.Cleanup(func() { _ = backend.Close() })

	client := &autoCommit{Client: backend.Client(), backend: backend}

	book, err := accounts.NewBook(map[string]int{"deployer": 0}, []signer.Signer{signer.NewLocal(key, simChainID)})
	require.NoError(t, err)

	var factory *singleton.DeploymentInfo
	if withFactory {
		factory, _ = newFactoryInfo(t)
	}

	abiWithArg := `[{"inputs":[{"internalType":"uint256","name":"recoveryPeriod","type":"uint256"}],"stateMutability":"nonpayable","type":"constructor"}]`
	source := memArtifacts{
		"SafeModuleSetup": {ContractName: "SafeModuleSetup", ABI: []byte(`[]`),
			Bytecode: testInitCode, DeployedBytecode: testRuntime},
		"FCLP256Verifier": {ContractName: "FCLP256Verifier", ABI: []byte(`[]`),
			Bytecode: testInitCode + "00", DeployedBytecode: testRuntime},
		"SocialRecoveryModule": {ContractName: "SocialRecoveryModule", ABI: []byte(abiWithArg),
			Bytecode: testInitCode, DeployedBytecode: testRuntime},
		"Reverter": {ContractName: "Reverter", ABI: []byte(`[]`), Bytecode: revertInitCode},
	}

	h := &harness{
		client:  client,
		store:   store.NewFileStore(t.TempDir()),
		factory: factory,
		from:    from,
		results: map[string][]Result{},
	}
	h.deployer, err = New(Config{
		Client:    client,
		Accounts:  book,
		Artifacts: source,
		Store:     h.store,
		Network:   Network{Name: "simulated", ChainID: simChainID.Uint64(), Tags: []string{"safe"}},
		Factory:   factory,
		OnResult: func(contract string, result Result) {
			h.results[contract] = append(h.results[contract], result)
		},
	})
	require.NoError(t, err)
	return h
}

func deterministic(args ...any) Options {
	return Options{From: "deployer", Args: args, DeterministicDeployment: true, Log: true}
}

func TestCreate2Address(t *testing.T) {
	// EIP-1014 example 0
	got := Create2Address(common.Address{}, common.Hash{}, []byte{0x00})
	assert.Equal(t, common.HexToAddress("0x4D1A2e2bB4F88F0250f26Ffff098B0b30B26BF38"), got)
}

func TestDeploy_DeterministicBootstrapsFactory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	rec, err := h.deployer.Deploy(ctx, "SafeModuleSetup", deterministic())
	require.NoError(t, err)

	want := Create2Address(h.factory.Factory, common.Hash{}, hexutil.MustDecode(testInitCode))
	assert.Equal(t, want, rec.Address)
	require.NotNil(t, rec.TransactionHash)
	assert.Equal(t, h.factory.Factory, *rec.Factory)

	code, err := h.client.CodeAt(ctx, rec.Address, nil)
	require.NoError(t, err)
	assert.Equal(t, hexutil.MustDecode(testRuntime), code)

	factoryCode, err := h.client.CodeAt(ctx, h.factory.Factory, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, factoryCode)

	// the factory deployer was topped up with exactly the funding amount
	var factoryTx types.Transaction
	require.NoError(t, factoryTx.UnmarshalBinary(h.factory.SignedTx))
	receipt, err := h.client.TransactionReceipt(ctx, factoryTx.Hash())
	require.NoError(t, err)
	spent := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), factoryGasPrice)
	balance, err := h.client.BalanceAt(ctx, h.factory.Deployer, nil)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Sub(h.factory.Funding, spent).String(), balance.String())

	saved, err := h.store.Get(ctx, "simulated", "SafeModuleSetup")
	require.NoError(t, err)
	assert.Equal(t, rec.Address, saved.Address)
	assert.Equal(t, []Result{ResultDeployed}, h.results["SafeModuleSetup"])
}

func TestDeploy_ReusesExistingCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	first, err := h.deployer.Deploy(ctx, "SafeModuleSetup", deterministic())
	require.NoError(t, err)

	nonce, err := h.client.PendingNonceAt(ctx, h.from)
	require.NoError(t, err)

	second, err := h.deployer.Deploy(ctx, "SafeModuleSetup", deterministic())
	require.NoError(t, err)

	after, err := h.client.PendingNonceAt(ctx, h.from)
	require.NoError(t, err)
	assert.Equal(t, nonce, after, "no transaction is sent for an existing deployment")
	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)
	assert.Equal(t, []Result{ResultDeployed, ResultReused}, h.results["SafeModuleSetup"])
}

func TestDeploy_FactoryDeployedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	_, err := h.deployer.Deploy(ctx, "SafeModuleSetup", deterministic())
	require.NoError(t, err)
	_, err = h.deployer.Deploy(ctx, "FCLP256Verifier", deterministic())
	require.NoError(t, err)

	var factoryTx types.Transaction
	require.NoError(t, factoryTx.UnmarshalBinary(h.factory.SignedTx))
	assert.Equal(t, 1, h.client.sentCount(factoryTx.Hash()))
}

func TestDeploy_ConstructorArgsChangeAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	a, err := h.deployer.Deploy(ctx, "SocialRecoveryModule", deterministic(big.NewInt(1209600)))
	require.NoError(t, err)
	assert.Equal(t, []string{"1209600"}, a.Args)

	initCode := append(hexutil.MustDecode(testInitCode), common.LeftPadBytes(big.NewInt(1209600).Bytes(), 32)...)
	assert.Equal(t, Create2Address(h.factory.Factory, common.Hash{}, initCode), a.Address)
}

func TestDeploy_Salt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	salt := common.HexToHash("0x01")
	opts := deterministic()
	opts.Salt = salt

	rec, err := h.deployer.Deploy(ctx, "SafeModuleSetup", opts)
	require.NoError(t, err)
	assert.Equal(t, Create2Address(h.factory.Factory, salt, hexutil.MustDecode(testInitCode)), rec.Address)
	assert.Equal(t, salt, *rec.Salt)
}

func TestDeploy_Create(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	opts := Options{From: "deployer"}
	rec, err := h.deployer.Deploy(ctx, "SafeModuleSetup", opts)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(h.from, 0), rec.Address)

	again, err := h.deployer.Deploy(ctx, "SafeModuleSetup", opts)
	require.NoError(t, err)
	assert.Equal(t, rec.Address, again.Address)
	assert.Equal(t, []Result{ResultDeployed, ResultReused}, h.results["SafeModuleSetup"])
}

func TestDeploy_Errors(t *testing.T) {
	tests := []struct {
		name        string
		withFactory bool
		contract    string
		opts        Options
		want        error
	}{
		{"missing artifact", true, "Missing", deterministic(), artifacts.ErrNotFound},
		{"no factory", false, "SafeModuleSetup", deterministic(), ErrNoFactory},
		{"unknown account", true, "SafeModuleSetup", Options{From: "guardian", DeterministicDeployment: true}, accounts.ErrUnknownAccount},
		{"reverted", true, "Reverter", deterministic(), nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.withFactory)

			_, err := h.deployer.Deploy(context.Background(), tc.contract, tc.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDeploymentFailed))
			if tc.want != nil {
				assert.True(t, errors.Is(err, tc.want), "got %v", err)
			}
			assert.Equal(t, []Result{ResultFailed}, h.results[tc.contract])

			_, err = h.store.Get(context.Background(), "simulated", tc.contract)
			assert.True(t, errors.Is(err, store.ErrNotFound))
		})
	}
}

func TestEnv_Account(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	book, err := accounts.NewBook(map[string]int{"deployer": 0}, []signer.Signer{signer.NewLocal(key, simChainID)})
	require.NoError(t, err)

	env := &Env{Accounts: book}
	addr, err := env.Account("deployer")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	_, err = env.Account("guardian")
	assert.True(t, errors.Is(err, accounts.ErrUnknownAccount))

	assert.Empty(t, (&Env{}).NamedAccounts())
}

func TestNetwork_HasTag(t *testing.T) {
	n := Network{Tags: []string{"dev", "safe"}}
	assert.True(t, n.HasTag("safe"))
	assert.False(t, n.HasTag("test"))
}
