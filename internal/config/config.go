// Package config loads the project file and process settings of safedeploy.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ProjectFile is the default project file name.
const ProjectFile = "safedeploy.yaml"

// Artifact locations of the passkey and recovery module projects.
const (
	DefaultBuildDir            = "build/artifacts"
	DefaultDeploymentsDir      = "deployments"
	DefaultSingletonFactoryDir = "node_modules/@safe-global/safe-singleton-factory/artifacts"
	SafeModuleSetupArtifact    = "node_modules/@safe-global/safe-4337/build/artifacts/contracts/SafeModuleSetup.sol/SafeModuleSetup.json"
	DaimoP256VerifierArtifact  = "src/vendor/daimo-eth/P256Verifier.json"
)

var (
	ErrUnknownNetwork = errors.New("config: unknown network")
	ErrInvalid        = errors.New("config: invalid configuration")
)

// Network is one target chain. URLEnv names an environment variable holding
// the RPC URL and is consulted when URL is empty.
type Network struct {
	URL     string   `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
	URLEnv  string   `yaml:"urlEnv,omitempty" json:"urlEnv,omitempty"`
	ChainID uint64   `yaml:"chainId,omitempty" json:"chainId,omitempty"`
	Tags    []string `yaml:"tags,omitempty" json:"tags,omitempty" validate:"dive,required,lowercase"`
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

// Resolved is a network selected for a run with its RPC URL filled in.
type Resolved struct {
	Name    string   `validate:"required"`
	URL     string   `validate:"required,url"`
	ChainID uint64
	Tags    []string
}

// Artifacts locates compiled contracts and the singleton factory registry.
type Artifacts struct {
	BuildDir            string            `yaml:"buildDir" json:"buildDir" validate:"required"`
	Overrides           map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty" validate:"dive,required"`
	SingletonFactoryDir string            `yaml:"singletonFactoryDir" json:"singletonFactoryDir" validate:"required"`
}

// Project is the contents of safedeploy.yaml.
type Project struct {
	Networks       map[string]Network `yaml:"networks" json:"networks" validate:"required,min=1,dive"`
	NamedAccounts  map[string]int     `yaml:"namedAccounts" json:"namedAccounts" validate:"required,min=1,dive,gte=0"`
	Artifacts      Artifacts          `yaml:"artifacts" json:"artifacts"`
	DeploymentsDir string             `yaml:"deploymentsDir" json:"deploymentsDir" validate:"required"`
}

// Default returns the built-in project.
func Default() *Project {
	return &Project{
		Networks: map[string]Network{
			"localhost": {
				URL:  "http://localhost:8545",
				Tags: []string{"dev", "entrypoint", "safe"},
			},
			"sepolia": {
				URL:     "https://rpc.ankr.com/eth_sepolia",
				ChainID: 11155111,
				Tags:    []string{"dev"},
			},
			"fvmMainnet": {
				URLEnv:  "MAINNET_NODE_URL",
				ChainID: 314,
			},
			"fvmCalibration": {
				URLEnv:  "CALIBRATION_NODE_URL",
				ChainID: 314159,
			},
		},
		NamedAccounts: map[string]int{"deployer": 0},
		Artifacts: Artifacts{
			BuildDir: DefaultBuildDir,
			Overrides: map[string]string{
				"SafeModuleSetup":   SafeModuleSetupArtifact,
				"DaimoP256Verifier": DaimoP256VerifierArtifact,
			},
			SingletonFactoryDir: DefaultSingletonFactoryDir,
		},
		DeploymentsDir: DefaultDeploymentsDir,
	}
}

// Load reads the project file at path over the built-in defaults. A missing
// file yields the defaults. Networks and named accounts in the file replace
// defaults of the same name.
func Load(path string) (*Project, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, p.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file Project
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	p.merge(&file)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Project) merge(o *Project) {
	for name, n := range o.Networks {
		p.Networks[name] = n
	}
	for name, idx := range o.NamedAccounts {
		p.NamedAccounts[name] = idx
	}
	if o.Artifacts.BuildDir != "" {
		p.Artifacts.BuildDir = o.Artifacts.BuildDir
	}
	if o.Artifacts.SingletonFactoryDir != "" {
		p.Artifacts.SingletonFactoryDir = o.Artifacts.SingletonFactoryDir
	}
	for name, path := range o.Artifacts.Overrides {
		p.Artifacts.Overrides[name] = path
	}
	if o.DeploymentsDir != "" {
		p.DeploymentsDir = o.DeploymentsDir
	}
}

var validate = validator.New()

// Validate checks the project for structural errors.
func (p *Project) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// NetworkNames returns the configured network names, sorted.
func (p *Project) NetworkNames() []string {
	names := make([]string, 0, len(p.Networks))
	for name := range p.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Network selects a network and resolves its RPC URL, consulting lookup for
// networks that read the URL from the environment.
func (p *Project) Network(name string, lookup func(string) string) (*Resolved, error) {
	n, ok := p.Networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (configured: %v)", ErrUnknownNetwork, name, p.NetworkNames())
	}

	url := n.URL
	if url == "" && n.URLEnv != "" && lookup != nil {
		url = lookup(n.URLEnv)
	}

	r := &Resolved{
		Name:    name,
		URL:     url,
		ChainID: n.ChainID,
		Tags:    append([]string(nil), n.Tags...),
	}
	if err := validate.Struct(r); err != nil {
		if n.URLEnv != "" && url == "" {
			return nil, fmt.Errorf("%w: network %s needs %s to be set", ErrInvalid, name, n.URLEnv)
		}
		return nil, fmt.Errorf("%w: network %s: %v", ErrInvalid, name, err)
	}
	return r, nil
}
