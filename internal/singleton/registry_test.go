package singleton

import (
	"errors"
	"math/big"
	"os"
	"testing"
	"testing/fstest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFactory = "0x914d7Fec6aaC8cd542e72Bca78B30650d45643d7"
	testSigner  = "0xE1CB04A0fA36DdD16a06ea828007E35e1a3cBC37"
)

func TestResolve_Funding(t *testing.T) {
	reg := NewRegistry(map[uint64]Entry{
		314159: {
			GasLimit:      "100000",
			GasPrice:      "20000000000",
			SignerAddress: testSigner,
			Transaction:   "0xdeadbeef",
			Address:       testFactory,
		},
	})

	info, err := reg.Resolve(314159)
	require.NoError(t, err)

	assert.Equal(t, "2000000000000000", info.FundingString())
	assert.Equal(t, common.HexToAddress(testFactory), info.Factory)
	assert.Equal(t, common.HexToAddress(testSigner), info.Deployer)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, []byte(info.SignedTx))
}

func TestResolve_NoOverflow(t *testing.T) {
	// Both factors exceed uint64 once multiplied.
	reg := NewRegistry(map[uint64]Entry{
		1: {
			GasLimit:      "18446744073709551615",
			GasPrice:      "18446744073709551615",
			SignerAddress: testSigner,
			Transaction:   "0x00",
			Address:       testFactory,
		},
	})

	info, err := reg.Resolve(1)
	require.NoError(t, err)

	u64 := new(big.Int).SetUint64(^uint64(0))
	assert.Equal(t, new(big.Int).Mul(u64, u64).String(), info.FundingString())
}

func TestResolve_NetworkNotSupported(t *testing.T) {
	reg := NewRegistry(nil)

	info, err := reg.Resolve(424242)
	require.Error(t, err)
	assert.Nil(t, info)
	assert.True(t, errors.Is(err, ErrNetworkNotSupported))
	assert.Contains(t, err.Error(), "424242")
	assert.Contains(t, err.Error(), "https://github.com/safe-global/safe-singleton-factory")
	assert.Contains(t, err.Error(), "replay-protection-eip-155")
}

func TestResolve_InvalidEntry(t *testing.T) {
	valid := Entry{
		GasLimit:      "100000",
		GasPrice:      "1",
		SignerAddress: testSigner,
		Transaction:   "0x00",
		Address:       testFactory,
	}

	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"non-decimal gas limit", func(e *Entry) { e.GasLimit = "0x10" }},
		{"empty gas price", func(e *Entry) { e.GasPrice = "" }},
		{"bad factory address", func(e *Entry) { e.Address = "factory" }},
		{"bad signer address", func(e *Entry) { e.SignerAddress = "0x12" }},
		{"transaction without prefix", func(e *Entry) { e.Transaction = "deadbeef" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			info, err := NewRegistry(map[uint64]Entry{7: e}).Resolve(7)
			assert.Nil(t, info)
			assert.True(t, errors.Is(err, ErrInvalidEntry), "got %v", err)
		})
	}
}

func TestLoadRegistry_Testdata(t *testing.T) {
	reg, err := LoadRegistry(os.DirFS("testdata/registry"))
	require.NoError(t, err)

	assert.Equal(t, []uint64{314159, 11155111}, reg.ChainIDs())

	// gasPrice and gasLimit encoded as JSON numbers
	info, err := reg.Resolve(11155111)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", info.FundingString())

	// encoded as JSON strings
	info, err = reg.Resolve(314159)
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000", info.FundingString())
}

func TestLoadRegistry_Errors(t *testing.T) {
	t.Run("missing deployment file", func(t *testing.T) {
		_, err := LoadRegistry(fstest.MapFS{
			"10/other.json": {Data: []byte("{}")},
		})
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := LoadRegistry(fstest.MapFS{
			"10/deployment.json": {Data: []byte("{")},
		})
		assert.True(t, errors.Is(err, ErrInvalidEntry))
	})
}

func TestFundingMatchesProduct(t *testing.T) {
	reg, err := LoadRegistry(os.DirFS("testdata/registry"))
	require.NoError(t, err)

	for _, id := range reg.ChainIDs() {
		info, err := reg.Resolve(id)
		require.NoError(t, err)

		e := reg.entries[id]
		gl, _ := e.GasLimit.Int()
		gp, _ := e.GasPrice.Int()
		assert.Zero(t, new(big.Int).Mul(gl, gp).Cmp(info.Funding), "chain %d", id)
	}
}
