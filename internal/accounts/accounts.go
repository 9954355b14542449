// Package accounts derives deployment accounts from a private key, a
// mnemonic or a remote signer and resolves named accounts to them.
package accounts

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/safedeploy/internal/signer"
)

// DefaultMnemonic is used when neither PK nor MNEMONIC is configured.
const DefaultMnemonic = "candy maple cake sugar pudding cream honey rich smooth crumble sweet treat"

// DefaultCount is the number of mnemonic accounts derived.
const DefaultCount = 10

// ethCoinType is the SLIP-44 coin type of Ethereum.
const ethCoinType = 60

var (
	ErrUnknownAccount = errors.New("accounts: unknown account")
	ErrInvalidKey     = errors.New("accounts: invalid private key")
	ErrNoAccounts     = errors.New("accounts: no accounts configured")
)

// Source describes where account keys come from. PrivateKey wins over
// Mnemonic; RemoteURL wins over both.
type Source struct {
	PrivateKey string
	Mnemonic   string
	Count      int

	RemoteURL     string
	RemoteAPIKey  string
	RemoteAddress string
}

// DerivePath returns the BIP-44 path of the index-th Ethereum account.
func DerivePath(index uint32) string {
	return hd.NewFundraiserParams(0, ethCoinType, index).String()
}

// DeriveKey derives the index-th account key of mnemonic.
func DeriveKey(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	raw, err := hd.Secp256k1.Derive()(strings.TrimSpace(mnemonic), "", DerivePath(index))
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", DerivePath(index), err)
	}
	return crypto.ToECDSA(raw)
}

// ParseKey parses a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Signers builds the ordered account list for chainID.
func Signers(src Source, chainID *big.Int) ([]signer.Signer, error) {
	if src.RemoteURL != "" {
		if !common.IsHexAddress(src.RemoteAddress) {
			return nil, fmt.Errorf("%w: remote signer address %q", ErrInvalidKey, src.RemoteAddress)
		}
		remote, err := signer.NewRemote(src.RemoteURL, src.RemoteAPIKey, common.HexToAddress(src.RemoteAddress), chainID)
		if err != nil {
			return nil, err
		}
		return []signer.Signer{remote}, nil
	}

	if src.PrivateKey != "" {
		key, err := ParseKey(src.PrivateKey)
		if err != nil {
			return nil, err
		}
		return []signer.Signer{signer.NewLocal(key, chainID)}, nil
	}

	mnemonic := src.Mnemonic
	if mnemonic == "" {
		mnemonic = DefaultMnemonic
	}
	count := src.Count
	if count <= 0 {
		count = DefaultCount
	}

	signers := make([]signer.Signer, 0, count)
	for i := 0; i < count; i++ {
		key, err := DeriveKey(mnemonic, uint32(i))
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer.NewLocal(key, chainID))
	}
	return signers, nil
}

// Book maps account names and addresses to signers.
type Book struct {
	named     map[string]int
	signers   []signer.Signer
	byAddress map[common.Address]signer.Signer
}

// NewBook resolves named account indices against signers.
func NewBook(named map[string]int, signers []signer.Signer) (*Book, error) {
	if len(signers) == 0 {
		return nil, ErrNoAccounts
	}
	for name, idx := range named {
		if idx < 0 || idx >= len(signers) {
			return nil, fmt.Errorf("%w: %s refers to index %d, %d accounts available",
				ErrUnknownAccount, name, idx, len(signers))
		}
	}

	b := &Book{
		named:     named,
		signers:   signers,
		byAddress: make(map[common.Address]signer.Signer, len(signers)),
	}
	for _, s := range signers {
		b.byAddress[s.Address()] = s
	}
	return b, nil
}

// Named returns the address of every named account.
func (b *Book) Named() map[string]common.Address {
	out := make(map[string]common.Address, len(b.named))
	for name, idx := range b.named {
		out[name] = b.signers[idx].Address()
	}
	return out
}

// Names returns the named account names, sorted.
func (b *Book) Names() []string {
	names := make([]string, 0, len(b.named))
	for name := range b.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signer returns the signer of a named account.
func (b *Book) Signer(name string) (signer.Signer, error) {
	idx, ok := b.named[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return b.signers[idx], nil
}

// SignerFor returns the signer of a named account or a literal address.
func (b *Book) SignerFor(from string) (signer.Signer, error) {
	if s, err := b.Signer(from); err == nil {
		return s, nil
	}
	if !common.IsHexAddress(from) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}
	s, ok := b.byAddress[common.HexToAddress(from)]
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", ErrUnknownAccount, from)
	}
	return s, nil
}
