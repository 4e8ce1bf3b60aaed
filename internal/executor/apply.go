package executor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/step"
)

// Outcome is the result of applying one step.
type Outcome struct {
	// Receipt is nil for Raw steps that submitted nothing.
	Receipt  *chain.Receipt
	Attempts int
}

// TxHash returns the hex transaction hash, or "" if there is no receipt.
func (o *Outcome) TxHash() string {
	if o == nil || o.Receipt == nil {
		return ""
	}
	return o.Receipt.TxHash.Hex()
}

// Build translates a Deploy or Execute action into a transaction request
// against conn. Raw actions have no single request and are rejected.
func (x *Executor) Build(ctx context.Context, st step.Step, conn *chain.Connection) (chain.TransactionRequest, error) {
	switch a := st.Action.(type) {
	case step.Deploy:
		return x.buildDeploy(ctx, st.Name, a, conn)
	case step.Execute:
		return x.buildExecute(ctx, st.Name, a, conn)
	default:
		return chain.TransactionRequest{}, fmt.Errorf("step %q: %s actions cannot be built into a single transaction", st.Name, st.Action.Kind())
	}
}

func (x *Executor) buildDeploy(ctx context.Context, name string, a step.Deploy, conn *chain.Connection) (chain.TransactionRequest, error) {
	art, err := conn.Artifacts.Artifact(ctx, a.Artifact)
	if err != nil {
		return chain.TransactionRequest{}, err
	}
	if len(art.Bytecode) == 0 {
		return chain.TransactionRequest{}, fmt.Errorf("artifact %q has no bytecode", a.Artifact)
	}
	from, err := conn.Signers.Account(ctx, a.Signer)
	if err != nil {
		return chain.TransactionRequest{}, err
	}

	conv := &argConverter{step: name, conn: conn}
	args, err := conv.convertAll(ctx, art.ABI.Constructor.Inputs, a.Args)
	if err != nil {
		return chain.TransactionRequest{}, fmt.Errorf("constructor of %q: %w", a.Artifact, err)
	}
	packed, err := art.ABI.Pack("", args...)
	if err != nil {
		return chain.TransactionRequest{}, fmt.Errorf("pack constructor of %q: %w", a.Artifact, err)
	}

	data := make([]byte, 0, len(art.Bytecode)+len(packed))
	data = append(data, art.Bytecode...)
	data = append(data, packed...)
	return chain.TransactionRequest{Role: a.Signer, From: from, Data: data}, nil
}

func (x *Executor) buildExecute(ctx context.Context, name string, a step.Execute, conn *chain.Connection) (chain.TransactionRequest, error) {
	art, err := conn.Artifacts.Artifact(ctx, a.Artifact)
	if err != nil {
		return chain.TransactionRequest{}, err
	}
	if !art.Deployed() {
		return chain.TransactionRequest{}, fmt.Errorf("artifact %q is not deployed in %q", a.Artifact, conn.EnvironmentID)
	}
	method, ok := art.ABI.Methods[a.Function]
	if !ok {
		return chain.TransactionRequest{}, fmt.Errorf("artifact %q has no function %q", a.Artifact, a.Function)
	}
	from, err := conn.Signers.Account(ctx, a.Signer)
	if err != nil {
		return chain.TransactionRequest{}, err
	}

	conv := &argConverter{step: name, conn: conn}
	args, err := conv.convertAll(ctx, method.Inputs, a.Args)
	if err != nil {
		return chain.TransactionRequest{}, fmt.Errorf("%s.%s: %w", a.Artifact, a.Function, err)
	}
	data, err := art.ABI.Pack(a.Function, args...)
	if err != nil {
		return chain.TransactionRequest{}, fmt.Errorf("pack %s.%s: %w", a.Artifact, a.Function, err)
	}

	to := art.Address
	return chain.TransactionRequest{Role: a.Signer, From: from, To: &to, Data: data}, nil
}

// Apply performs the step's action against conn. A Deploy records the new
// address in conn's artifact namespace before returning.
func (x *Executor) Apply(ctx context.Context, st step.Step, conn *chain.Connection) (*Outcome, error) {
	if raw, ok := st.Action.(step.Raw); ok {
		rt := &runtime{x: x, conn: conn}
		rcpt, err := raw.Fn(ctx, rt)
		if err != nil {
			return nil, err
		}
		return &Outcome{Receipt: rcpt, Attempts: rt.attempts}, nil
	}

	req, err := x.Build(ctx, st, conn)
	if err != nil {
		return nil, err
	}
	res, err := x.Submit(ctx, req, conn)
	if err != nil {
		return nil, err
	}

	if d, ok := st.Action.(step.Deploy); ok {
		if res.Receipt.ContractAddress == nil {
			return nil, fmt.Errorf("deploy of %q confirmed without a contract address (tx=%s)", d.Artifact, res.Receipt.TxHash.Hex())
		}
		if err := conn.Artifacts.RecordDeployment(ctx, d.Artifact, *res.Receipt.ContractAddress, res.Receipt.TxHash); err != nil {
			return nil, fmt.Errorf("record deployment of %q: %w", d.Artifact, err)
		}
	}
	return &Outcome{Receipt: res.Receipt, Attempts: res.Attempts}, nil
}

// runtime is the step.Runtime handed to Raw actions.
type runtime struct {
	x        *Executor
	conn     *chain.Connection
	attempts int
}

func (r *runtime) EnvironmentID() string { return r.conn.EnvironmentID }

func (r *runtime) Account(ctx context.Context, role string) (common.Address, error) {
	return r.conn.Signers.Account(ctx, role)
}

func (r *runtime) Artifact(ctx context.Context, name string) (*chain.Artifact, error) {
	return r.conn.Artifacts.Artifact(ctx, name)
}

func (r *runtime) Submit(ctx context.Context, req chain.TransactionRequest) (*chain.Receipt, error) {
	res, err := r.x.Submit(ctx, req, r.conn)
	if err != nil {
		return nil, err
	}
	r.attempts += res.Attempts
	return res.Receipt, nil
}
