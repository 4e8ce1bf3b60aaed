// Package chain defines the collaborators the migration engine talks to when
// it reaches a target environment.
//
// The engine never speaks to a node, a key store, or a deployment directory
// directly. It goes through three small interfaces:
//   - Transport: submits signed transactions and reports receipts
//   - SignerProvider: maps a named role to an address and signing capability
//   - ArtifactRegistry: maps an artifact name to its ABI, bytecode and address
//
// A Connection bundles one of each for a single environment. Connections are
// produced by the router and consumed by the executor.
//
// Implementations live in subpackages:
//   - ethrpc: JSON-RPC transport backed by go-ethereum's ethclient
//   - devnet: in-memory chain used by tests and `--dev` runs
//   - keyring: private-key signer provider
//   - artifacts: file-backed artifact registry
package chain
