package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/chainstep/internal/chain"
)

// EnvKind identifies how an EnvironmentRef is resolved.
type EnvKind int

const (
	// EnvSelf targets the environment the run was invoked for.
	EnvSelf EnvKind = iota
	// EnvNamed targets a configured environment by id.
	EnvNamed
	// EnvCompanion targets a companion of the invoking environment by alias.
	EnvCompanion
)

// EnvironmentRef names a target environment. It is resolved to a concrete
// environment id by the router at run time.
type EnvironmentRef struct {
	Kind EnvKind
	Name string
}

// Self returns a reference to the invoking environment.
func Self() EnvironmentRef { return EnvironmentRef{Kind: EnvSelf} }

// Named returns a reference to a configured environment.
func Named(id string) EnvironmentRef { return EnvironmentRef{Kind: EnvNamed, Name: id} }

// Companion returns a reference to the invoking environment's companion alias.
func Companion(alias string) EnvironmentRef {
	return EnvironmentRef{Kind: EnvCompanion, Name: alias}
}

// ParseEnvironmentRef parses the manifest form of a target:
// "" or "self", "companion:<alias>", or a bare environment id.
func ParseEnvironmentRef(s string) (EnvironmentRef, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "self":
		return Self(), nil
	case strings.HasPrefix(s, "companion:"):
		alias := strings.TrimSpace(strings.TrimPrefix(s, "companion:"))
		if alias == "" {
			return EnvironmentRef{}, fmt.Errorf("%w: empty companion alias", ErrInvalidStep)
		}
		return Companion(alias), nil
	default:
		return Named(s), nil
	}
}

func (r EnvironmentRef) String() string {
	switch r.Kind {
	case EnvSelf:
		return "self"
	case EnvCompanion:
		return "companion:" + r.Name
	default:
		return r.Name
	}
}

// ActionKind names the Action variant.
type ActionKind string

const (
	KindDeploy  ActionKind = "deploy"
	KindExecute ActionKind = "execute"
	KindRaw     ActionKind = "raw"
)

// Action is the operation a step performs once its environment is resolved.
// The set of implementations is closed: Deploy, Execute and Raw.
type Action interface {
	Kind() ActionKind
	validate() error
}

// Deploy creates Artifact from its bytecode with the given constructor args,
// signed by Signer.
type Deploy struct {
	Artifact string
	Args     []any
	Signer   string
}

func (Deploy) Kind() ActionKind { return KindDeploy }

func (d Deploy) validate() error {
	if strings.TrimSpace(d.Artifact) == "" {
		return fmt.Errorf("%w: deploy requires an artifact", ErrInvalidStep)
	}
	if strings.TrimSpace(d.Signer) == "" {
		return fmt.Errorf("%w: deploy requires a signer role", ErrInvalidStep)
	}
	return nil
}

// Execute calls Function on the deployed Artifact, signed by Signer.
type Execute struct {
	Artifact string
	Function string
	Args     []any
	Signer   string
}

func (Execute) Kind() ActionKind { return KindExecute }

func (e Execute) validate() error {
	if strings.TrimSpace(e.Artifact) == "" {
		return fmt.Errorf("%w: execute requires an artifact", ErrInvalidStep)
	}
	if strings.TrimSpace(e.Function) == "" {
		return fmt.Errorf("%w: execute requires a function", ErrInvalidStep)
	}
	if strings.TrimSpace(e.Signer) == "" {
		return fmt.Errorf("%w: execute requires a signer role", ErrInvalidStep)
	}
	return nil
}

// Runtime is what a Raw action sees of its resolved environment.
type Runtime interface {
	EnvironmentID() string
	Account(ctx context.Context, role string) (common.Address, error)
	Artifact(ctx context.Context, name string) (*chain.Artifact, error)
	Submit(ctx context.Context, req chain.TransactionRequest) (*chain.Receipt, error)
}

// RawFunc is the body of a Raw action. The returned receipt, if any, is the
// one recorded in the ledger.
type RawFunc func(ctx context.Context, rt Runtime) (*chain.Receipt, error)

// Raw runs Fn against the resolved environment. Description identifies the
// body in fingerprints and plans, since functions cannot be compared.
type Raw struct {
	Description string
	Fn          RawFunc
}

func (Raw) Kind() ActionKind { return KindRaw }

func (r Raw) validate() error {
	if r.Fn == nil {
		return fmt.Errorf("%w: raw action requires a function", ErrInvalidStep)
	}
	return nil
}

// Step is a named, idempotent unit of deployment work.
type Step struct {
	Name         string
	Tags         []string
	Dependencies []string
	Target       EnvironmentRef
	Action       Action

	// Source is the manifest file the step was declared in, if any.
	Source string
}

// HasTag reports whether the step advertises tag.
func (s Step) HasTag(tag string) bool {
	tag = normalize(tag)
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the step's required fields.
func (s Step) Validate() error {
	if normalize(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStep)
	}
	if s.Action == nil {
		return fmt.Errorf("%w: step %q has no action", ErrInvalidStep, s.Name)
	}
	if s.Target.Kind != EnvSelf && strings.TrimSpace(s.Target.Name) == "" {
		return fmt.Errorf("%w: step %q has an empty target", ErrInvalidStep, s.Name)
	}
	if err := s.Action.validate(); err != nil {
		return fmt.Errorf("step %q: %w", s.Name, err)
	}
	return nil
}

// clone returns a normalized deep copy so registered steps cannot be mutated
// through the caller's slices.
func (s Step) clone() Step {
	out := s
	out.Name = normalize(s.Name)
	out.Tags = normalizeSet(s.Tags)
	out.Dependencies = normalizeSet(s.Dependencies)
	switch a := s.Action.(type) {
	case Deploy:
		a.Args = append([]any(nil), a.Args...)
		out.Action = a
	case Execute:
		a.Args = append([]any(nil), a.Args...)
		out.Action = a
	}
	return out
}
