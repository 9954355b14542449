// Package artifacts loads precompiled contract artifacts (ABI and bytecode)
// produced by hardhat or forge.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("artifacts: contract not found")
	ErrEmptyBytecode = errors.New("artifacts: empty bytecode")
	ErrUnlinked      = errors.New("artifacts: bytecode has unlinked libraries")
)

// ContractArtifact represents a compiled Solidity contract with ABI and bytecode.
type ContractArtifact struct {
	ContractName     string          `json:"contractName,omitempty"`
	SourceName       string          `json:"sourceName,omitempty"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
}

// Bytecode is a hex string with 0x prefix. Hardhat stores it as a plain string,
// forge as {"object": "0x..."}; both decode into Bytecode.
type Bytecode string

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*b = Bytecode(obj.Object)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*b = Bytecode(s)
	return nil
}

// Bytes decodes the bytecode. Placeholders left by the compiler for external
// libraries make the bytecode undeployable and are reported as ErrUnlinked.
func (b Bytecode) Bytes() ([]byte, error) {
	s := string(b)
	if s == "" || s == "0x" {
		return nil, ErrEmptyBytecode
	}
	if strings.Contains(s, "__") {
		return nil, ErrUnlinked
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// Size returns the decoded length in bytes without decoding.
func (b Bytecode) Size() int {
	s := strings.TrimPrefix(string(b), "0x")
	return len(s) / 2
}

// ParseABI parses the artifact ABI.
func (a *ContractArtifact) ParseABI() (abi.ABI, error) {
	if len(a.ABI) == 0 {
		return abi.ABI{}, nil
	}
	return abi.JSON(bytes.NewReader(a.ABI))
}

// InitCode returns the creation bytecode with the ABI-encoded constructor
// arguments appended.
func (a *ContractArtifact) InitCode(args ...any) ([]byte, error) {
	code, err := a.Bytecode.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.ContractName, err)
	}

	parsed, err := a.ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse %s ABI: %w", a.ContractName, err)
	}

	if len(args) == 0 && len(parsed.Constructor.Inputs) == 0 {
		return code, nil
	}

	encoded, err := parsed.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s constructor: %w", a.ContractName, err)
	}
	return append(code, encoded...), nil
}

// Parse decodes an artifact from JSON.
func Parse(data []byte) (*ContractArtifact, error) {
	var a ContractArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadFile loads an artifact from a JSON file. The contract name defaults to
// the file name when the artifact does not carry one.
func LoadFile(path string) (*ContractArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if a.ContractName == "" {
		a.ContractName = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return a, nil
}

// Source resolves contract artifacts by name.
type Source interface {
	Artifact(name string) (*ContractArtifact, error)
}

// Dir resolves artifacts from a build directory, for example hardhat's
// build/artifacts. Names containing a path separator or ending in .json are
// treated as file paths.
type Dir struct {
	Root string
}

// Artifact implements Source.
func (d Dir) Artifact(name string) (*ContractArtifact, error) {
	if strings.HasSuffix(name, ".json") || strings.ContainsRune(name, os.PathSeparator) {
		return LoadFile(name)
	}

	var found string
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if entry.Name() == name+".json" {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("search %s: %w", d.Root, err)
	}
	if found == "" {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, d.Root)
	}
	return LoadFile(found)
}

// Overrides resolves a fixed set of names to explicit artifact files and
// falls back to another Source for everything else.
type Overrides struct {
	Files    map[string]string
	Fallback Source
}

// Artifact implements Source.
func (o Overrides) Artifact(name string) (*ContractArtifact, error) {
	if path, ok := o.Files[name]; ok {
		a, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
		}
		return a, nil
	}
	if o.Fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return o.Fallback.Artifact(name)
}
