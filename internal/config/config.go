// Package config loads the project file, chainstep.yaml or chainstep.toml.
//
// The file is found by walking up from the working directory. Its decoded
// contents are checked against an embedded CUE schema before they are bound
// to Config, so typos in keys and malformed durations fail with a position
// rather than a zero value.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// FileNames are the project file names searched for, in order.
var FileNames = []string{"chainstep.yaml", "chainstep.yml", "chainstep.toml"}

// Defaults for optional paths, relative to the project root.
const (
	DefaultLedger      = ".chainstep/ledger.db"
	DefaultManifests   = "migrations"
	DefaultBuild       = "artifacts"
	DefaultDeployments = "deployments"
)

// DevnetURL as an rpc_url selects the in-memory devnet transport.
const DevnetURL = "devnet"

// Config is the project configuration.
type Config struct {
	Ledger             string                 `yaml:"ledger" toml:"ledger"`
	Manifests          string                 `yaml:"manifests" toml:"manifests"`
	Build              string                 `yaml:"build" toml:"build"`
	Deployments        string                 `yaml:"deployments" toml:"deployments"`
	DefaultEnvironment string                 `yaml:"default_environment" toml:"default_environment"`
	Environments       map[string]Environment `yaml:"environments" toml:"environments"`
	Executor           Executor               `yaml:"executor" toml:"executor"`

	// Root is the directory containing the project file.
	Root string `yaml:"-" toml:"-"`
	// File is the path of the project file.
	File string `yaml:"-" toml:"-"`
}

// Environment is one target network.
type Environment struct {
	RPCURL     string            `yaml:"rpc_url" toml:"rpc_url"`
	ChainID    int64             `yaml:"chain_id" toml:"chain_id"`
	Companions map[string]string `yaml:"companions" toml:"companions"`
	Accounts   map[string]string `yaml:"accounts" toml:"accounts"`
	Addresses  map[string]string `yaml:"addresses" toml:"addresses"`
}

// Devnet reports whether the environment uses the in-memory transport.
func (e Environment) Devnet() bool { return e.RPCURL == DevnetURL }

// Executor holds retry and confirmation settings. Durations are Go duration
// strings; empty means the executor default.
type Executor struct {
	MaxAttempts    int    `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff" toml:"max_backoff"`
	ConfirmTimeout string `yaml:"confirm_timeout" toml:"confirm_timeout"`
	PollInterval   string `yaml:"poll_interval" toml:"poll_interval"`
	GasLimit       uint64 `yaml:"gas_limit" toml:"gas_limit"`
}

// Duration parses s, returning 0 for "".
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	// The schema has already checked the format.
	d, _ := time.ParseDuration(s)
	return d
}

// Error codes for LoadError.
const (
	ErrCodeNotFound = "C001" // No project file found
	ErrCodeRead     = "C002" // Project file unreadable
	ErrCodeParse    = "C003" // YAML/TOML syntax error
	ErrCodeSchema   = "C004" // Schema violation
	ErrCodeSemantic = "C005" // Cross-field check failed
)

// LoadError describes why a project file could not be loaded.
type LoadError struct {
	Code    string
	File    string
	Message string
}

func (e *LoadError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a LoadError for a missing project file.
func IsNotFound(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == ErrCodeNotFound
}

// Discover walks up from dir to the filesystem root and returns the first
// project file found.
func Discover(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", &LoadError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	start := dir
	for {
		for _, name := range FileNames {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &LoadError{
				Code:    ErrCodeNotFound,
				Message: fmt.Sprintf("no %s found in %s or any parent directory", strings.Join(FileNames, ", "), start),
			}
		}
		dir = parent
	}
}

// Load reads, validates and binds the project file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, File: path, Message: err.Error()}
	}

	isTOML := strings.EqualFold(filepath.Ext(path), ".toml")
	var raw map[string]any
	if isTOML {
		err = toml.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParse, File: path, Message: err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateSchema(raw); err != nil {
		return nil, &LoadError{Code: ErrCodeSchema, File: path, Message: err.Error()}
	}

	var cfg Config
	if isTOML {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParse, File: path, Message: err.Error()}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, File: path, Message: err.Error()}
	}
	cfg.File = abs
	cfg.Root = filepath.Dir(abs)
	cfg.applyDefaults()

	if err := cfg.check(); err != nil {
		return nil, &LoadError{Code: ErrCodeSemantic, File: path, Message: err.Error()}
	}
	return &cfg, nil
}

func validateSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return errors.New(strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Ledger == "" {
		c.Ledger = DefaultLedger
	}
	if c.Manifests == "" {
		c.Manifests = DefaultManifests
	}
	if c.Build == "" {
		c.Build = DefaultBuild
	}
	if c.Deployments == "" {
		c.Deployments = DefaultDeployments
	}
}

// check validates references between fields.
func (c *Config) check() error {
	if len(c.Environments) == 0 {
		return errors.New("at least one environment is required")
	}
	if c.DefaultEnvironment != "" {
		if _, ok := c.Environments[c.DefaultEnvironment]; !ok {
			return fmt.Errorf("default_environment %q is not a configured environment", c.DefaultEnvironment)
		}
	}
	for _, id := range c.EnvironmentIDs() {
		env := c.Environments[id]
		for alias, target := range env.Companions {
			if _, ok := c.Environments[target]; !ok {
				return fmt.Errorf("environment %q: companion %q points to unknown environment %q", id, alias, target)
			}
			if target == id {
				return fmt.Errorf("environment %q: companion %q points to itself", id, alias)
			}
		}
		for role := range env.Addresses {
			if _, dup := env.Accounts[role]; dup {
				return fmt.Errorf("environment %q: role %q is configured as both account and address", id, role)
			}
		}
	}
	return nil
}

// EnvironmentIDs returns the configured environment ids, sorted.
func (c *Config) EnvironmentIDs() []string {
	ids := make([]string, 0, len(c.Environments))
	for id := range c.Environments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Environment picks the environment for a run: the explicit id if given,
// else default_environment, else the only one configured.
func (c *Config) Environment(id string) (string, error) {
	switch {
	case id != "":
		if _, ok := c.Environments[id]; !ok {
			return "", fmt.Errorf("unknown environment %q (configured: %s)", id, strings.Join(c.EnvironmentIDs(), ", "))
		}
		return id, nil
	case c.DefaultEnvironment != "":
		return c.DefaultEnvironment, nil
	case len(c.Environments) == 1:
		return c.EnvironmentIDs()[0], nil
	default:
		return "", fmt.Errorf("no environment given and no default_environment set (configured: %s)", strings.Join(c.EnvironmentIDs(), ", "))
	}
}

// Path resolves p against the project root.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
