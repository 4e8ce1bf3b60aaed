package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/chain/artifacts"
	"github.com/roach88/chainstep/internal/chain/devnet"
	"github.com/roach88/chainstep/internal/chain/ethrpc"
	"github.com/roach88/chainstep/internal/chain/keyring"
	"github.com/roach88/chainstep/internal/config"
	"github.com/roach88/chainstep/internal/executor"
	"github.com/roach88/chainstep/internal/manifest"
	"github.com/roach88/chainstep/internal/resolver"
	"github.com/roach88/chainstep/internal/router"
	"github.com/roach88/chainstep/internal/step"
)

// devnetFunding is credited to every devnet sender on first use.
var devnetFunding = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))

// project is a loaded chainstep project: configuration plus registered steps.
type project struct {
	cfg *config.Config
	reg *step.Registry
}

// loadProject discovers or reads the project file and registers its manifests.
func loadProject(opts *RootOptions) (*project, error) {
	path := opts.ConfigPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeConfig, err)
		}
		path, err = config.Discover(wd)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeConfig, err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	slog.Debug("project loaded", "file", cfg.File, "environments", len(cfg.Environments))

	reg := step.NewRegistry()
	if err := manifest.LoadInto(reg, cfg.Path(cfg.Manifests)); err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeManifest, err)
	}
	slog.Debug("manifests loaded", "dir", cfg.Path(cfg.Manifests), "steps", reg.Len())
	return &project{cfg: cfg, reg: reg}, nil
}

// environment picks the invoking environment.
func (p *project) environment(id string) (string, error) {
	env, err := p.cfg.Environment(id)
	if err != nil {
		return "", WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	return env, nil
}

// router builds an environment router over every configured environment.
func (p *project) router() *router.Router {
	ids := p.cfg.EnvironmentIDs()
	envs := make([]router.Environment, 0, len(ids))
	for _, id := range ids {
		envs = append(envs, router.Environment{ID: id, Companions: p.cfg.Environments[id].Companions})
	}
	return router.New(envs, p.dial)
}

// dial opens a connection to environment id: keys, transport and artifacts.
func (p *project) dial(ctx context.Context, id string) (*chain.Connection, error) {
	env, ok := p.cfg.Environments[id]
	if !ok {
		return nil, &router.UnknownEnvironmentError{Ref: id}
	}

	keys, err := p.keyring(id, env)
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(env.ChainID)
	var transport chain.Transport
	if env.Devnet() {
		slog.Info("using in-memory devnet", "env", id, "chain_id", env.ChainID)
		transport = devnet.New(chainID, devnet.WithAutoFund(devnetFunding))
	} else {
		t, err := ethrpc.Dial(ctx, env.RPCURL)
		if err != nil {
			return nil, err
		}
		remote, err := t.ChainID(ctx)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("environment %q: %w", id, err)
		}
		if remote.Cmp(chainID) != 0 {
			t.Close()
			return nil, fmt.Errorf("environment %q: node reports chain id %s, configured %s", id, remote, chainID)
		}
		transport = t
	}

	return &chain.Connection{
		EnvironmentID: id,
		ChainID:       chainID,
		Transport:     transport,
		Signers:       keys,
		Artifacts:     artifacts.New(id, p.cfg.Path(p.cfg.Build), p.cfg.Path(p.cfg.Deployments)),
	}, nil
}

// keyring builds the signer roles of environment id. Account keys come from
// the variables named in the config; devnet roles without a key fall back to
// a deterministic development key.
func (p *project) keyring(id string, env config.Environment) (*keyring.Keyring, error) {
	secrets, err := config.LoadSecrets(p.cfg.Root, id)
	if err != nil {
		return nil, err
	}
	kr := keyring.New(id)

	roles := make([]string, 0, len(env.Accounts))
	for role := range env.Accounts {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		name := env.Accounts[role]
		val, ok := secrets.Lookup(name)
		switch {
		case ok && val != "":
			if _, err := kr.AddHexKey(role, val); err != nil {
				return nil, fmt.Errorf("environment %q: account %q from %s: %w", id, role, name, err)
			}
		case env.Devnet():
			addr := kr.AddKey(role, keyring.DevKey(id, role))
			slog.Debug("using development key", "env", id, "role", role, "address", addr.Hex())
		default:
			return nil, fmt.Errorf("environment %q: account %q: variable %s is not set", id, role, name)
		}
	}
	for role, hex := range env.Addresses {
		kr.AddAddress(role, common.HexToAddress(hex))
	}
	return kr, nil
}

// executorConfig maps the project's executor settings.
func (p *project) executorConfig() executor.Config {
	e := p.cfg.Executor
	return executor.Config{
		MaxAttempts:    e.MaxAttempts,
		InitialBackoff: config.Duration(e.InitialBackoff),
		MaxBackoff:     config.Duration(e.MaxBackoff),
		ConfirmTimeout: config.Duration(e.ConfirmTimeout),
		PollInterval:   config.Duration(e.PollInterval),
		GasLimit:       e.GasLimit,
	}
}

// classify maps an error from loading or running to an exit code and a
// response code.
func classify(err error) (int, string) {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code, exitErr.Message
	case config.IsNotFound(err):
		return ExitCommandError, ErrCodeConfig
	case manifest.IsManifestError(err), step.IsRegistrationError(err):
		return ExitCommandError, ErrCodeManifest
	case resolver.IsResolutionError(err), router.IsUnknownEnvironment(err):
		return ExitCommandError, ErrCodeResolution
	case chain.IsArtifactNotFound(err):
		return ExitCommandError, ErrCodeArtifact
	default:
		return ExitCommandError, ErrCodeGeneric
	}
}
