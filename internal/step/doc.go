// Package step provides the migration step model and the step registry.
//
// A Step is an immutable, named unit of deployment work. It advertises tags,
// declares dependencies as tag references, names the environment it targets,
// and carries exactly one Action:
//   - Deploy: create an artifact from its bytecode and constructor arguments
//   - Execute: call a function on an already deployed artifact
//   - Raw: arbitrary Go code run against the resolved environment
//
// Names and tags are NFC-normalized on registration so that visually equal
// identifiers always compare equal.
//
// Step arguments may reference environment state instead of embedding
// literals:
//
//	account:<role>     address of a named account in the target environment
//	artifact:<name>    address of a deployed artifact in the target environment
//
// The registry rejects duplicate names with DuplicateNameError. Ordering is
// not its concern; see package resolver.
package step
