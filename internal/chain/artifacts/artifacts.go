// Package artifacts is a file-backed chain.ArtifactRegistry.
//
// Layout, relative to the project root:
//
//	<build>/<Name>.json              compiled artifact {contractName, abi, bytecode}
//	<deployments>/<env>/<Name>.json  deployment record {address, transactionHash, abi, bytecode}
//
// A deployment record shadows the build artifact of the same name. Each
// environment has its own deployments directory, so companion environments
// never see each other's addresses unless they route to each other.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/roach88/chainstep/internal/chain"
)

type document struct {
	ContractName    string          `json:"contractName,omitempty"`
	Address         string          `json:"address,omitempty"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	ABI             json.RawMessage `json:"abi"`
	Bytecode        string          `json:"bytecode,omitempty"`
}

// Registry reads build artifacts and reads and writes one environment's
// deployment records.
type Registry struct {
	env         string
	buildDir    string
	deployments string

	mu sync.Mutex
}

var _ chain.ArtifactRegistry = (*Registry)(nil)

// New creates a registry for environment env.
func New(env, buildDir, deploymentsDir string) *Registry {
	return &Registry{
		env:         env,
		buildDir:    buildDir,
		deployments: filepath.Join(deploymentsDir, env),
	}
}

// Artifact returns the named artifact, with its address if deployed here.
func (r *Registry) Artifact(_ context.Context, name string) (*chain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(name)
	if err != nil {
		return nil, err
	}
	return r.decode(name, doc)
}

// RecordDeployment writes the address of name into this environment's
// namespace, carrying over the ABI and bytecode.
func (r *Registry) RecordDeployment(_ context.Context, name string, address common.Address, txHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(name)
	if err != nil {
		return err
	}
	doc.ContractName = name
	doc.Address = address.Hex()
	doc.TransactionHash = txHash.Hex()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment %q: %w", name, err)
	}
	if err := os.MkdirAll(r.deployments, 0o755); err != nil {
		return fmt.Errorf("create deployments dir: %w", err)
	}

	path := filepath.Join(r.deployments, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write deployment %q: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write deployment %q: %w", name, err)
	}
	return nil
}

func (r *Registry) read(name string) (*document, error) {
	for _, path := range []string{
		filepath.Join(r.deployments, name+".json"),
		filepath.Join(r.buildDir, name+".json"),
	} {
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact %q: %w", name, err)
		}
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &doc, nil
	}
	return nil, &chain.ArtifactNotFoundError{Name: name, Environment: r.env}
}

func (r *Registry) decode(name string, doc *document) (*chain.Artifact, error) {
	art := &chain.Artifact{Name: name}
	if len(doc.ABI) > 0 {
		parsed, err := abi.JSON(bytes.NewReader(doc.ABI))
		if err != nil {
			return nil, fmt.Errorf("artifact %q: parse abi: %w", name, err)
		}
		art.ABI = parsed
	}
	if doc.Bytecode != "" && doc.Bytecode != "0x" {
		code, err := hexutil.Decode(doc.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("artifact %q: decode bytecode: %w", name, err)
		}
		art.Bytecode = code
	}
	if doc.Address != "" {
		if !common.IsHexAddress(doc.Address) {
			return nil, fmt.Errorf("artifact %q: invalid address %q", name, doc.Address)
		}
		art.Address = common.HexToAddress(doc.Address)
	}
	return art, nil
}
