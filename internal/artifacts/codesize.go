package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Code size limits.
const (
	MaxCodeSize     = 24576 // EIP-170
	MaxInitCodeSize = 49152 // EIP-3860
	nearLimit       = 20000
)

// SizeStatus classifies a contract against the code size limits.
type SizeStatus string

const (
	SizeOK               SizeStatus = "ok"
	SizeNearLimit        SizeStatus = "near_limit"
	SizeDeployedTooLarge SizeStatus = "deployed_code_exceeds_limit"
	SizeInitTooLarge     SizeStatus = "init_code_exceeds_limit"
)

// CodeSize is the size report of one contract.
type CodeSize struct {
	Contract      string     `json:"contract"`
	InitBytes     int        `json:"initBytes"`
	DeployedBytes int        `json:"deployedBytes"`
	Status        SizeStatus `json:"status"`
}

// MeasureCodeSize reports the init and deployed code size of an artifact.
func MeasureCodeSize(a *ContractArtifact) CodeSize {
	cs := CodeSize{
		Contract:      a.ContractName,
		InitBytes:     a.Bytecode.Size(),
		DeployedBytes: a.DeployedBytecode.Size(),
		Status:        SizeOK,
	}
	switch {
	case cs.InitBytes > MaxInitCodeSize:
		cs.Status = SizeInitTooLarge
	case cs.DeployedBytes > MaxCodeSize:
		cs.Status = SizeDeployedTooLarge
	case cs.DeployedBytes > nearLimit:
		cs.Status = SizeNearLimit
	}
	return cs
}

// ScanCodeSizes measures every artifact under root that has deployed
// bytecode. Interfaces and abstract contracts are skipped. Results are sorted
// by deployed size, largest first.
func ScanCodeSizes(root string) ([]CodeSize, error) {
	var sizes []CodeSize
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".json" || strings.HasSuffix(path, ".dbg.json") {
			return nil
		}
		// build-info files are compiler input, not artifacts
		if filepath.Base(filepath.Dir(path)) == "build-info" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		a, err := Parse(data)
		if err != nil || a.DeployedBytecode.Size() == 0 {
			return nil
		}
		if a.ContractName == "" {
			a.ContractName = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		sizes = append(sizes, MeasureCodeSize(a))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no artifacts at %s", ErrNotFound, root)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sizes, func(i, j int) bool {
		return sizes[i].DeployedBytes > sizes[j].DeployedBytes
	})
	return sizes, nil
}
