package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const chainIDFile = ".chainId"

// FileStore keeps records as deployments/<network>/<Contract>.json with the
// chain ID of each network in deployments/<network>/.chainId.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, network, contract string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(network, contract))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, contract, network)
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.recordPath(network, contract), err)
	}
	return &rec, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, network string, chainID uint64, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, network)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := s.checkChainID(dir, chainID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	// write then rename so a crash never leaves a truncated record
	path := s.recordPath(network, rec.ContractName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, network string) ([]*Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, network))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)

	records := make([]*Record, 0, len(names))
	for _, name := range names {
		rec, err := s.Get(ctx, network, name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ChainID returns the chain ID recorded for network, or 0 when none is.
func (s *FileStore) ChainID(network string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(s.root, network, chainIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func (s *FileStore) checkChainID(dir string, chainID uint64) error {
	path := filepath.Join(dir, chainIDFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(path, []byte(strconv.FormatUint(chainID, 10)), 0644)
	}
	if err != nil {
		return err
	}

	existing, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if existing != chainID {
		return fmt.Errorf("%w: %s has chain %d, got %d", ErrChainMismatch, dir, existing, chainID)
	}
	return nil
}

func (s *FileStore) recordPath(network, contract string) string {
	return filepath.Join(s.root, network, contract+".json")
}
