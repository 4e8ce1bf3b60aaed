package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/chain/devnet"
	"github.com/roach88/chainstep/internal/executor"
	"github.com/roach88/chainstep/internal/ledger"
	"github.com/roach88/chainstep/internal/resolver"
	"github.com/roach88/chainstep/internal/router"
	"github.com/roach88/chainstep/internal/step"
	"github.com/roach88/chainstep/internal/testutil"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type harness struct {
	reg    *step.Registry
	ledger *ledger.Ledger
	router *router.Router
	l1, l2 *testutil.Env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l1 := testutil.NewEnv("layer1", 1337, "deployer", "admin")
	l2 := testutil.NewEnv("layer2", 777, "deployer", "admin")
	for _, e := range []*testutil.Env{l1, l2} {
		e.Artifacts.Add("Bridge", testutil.BridgeABI, testutil.Bytecode)
		e.Artifacts.Add("Token", testutil.TokenABI, testutil.Bytecode)
	}

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"),
		ledger.WithClock(testutil.NewClock(t0, time.Second).Now))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	r := router.New([]router.Environment{
		{ID: "layer1"},
		{ID: "layer2", Companions: map[string]string{"l1": "layer1"}},
	}, testutil.Dial(l1, l2))

	return &harness{reg: step.NewRegistry(), ledger: led, router: r, l1: l1, l2: l2}
}

func (h *harness) executor() *executor.Executor {
	return executor.New(
		executor.WithConfig(executor.Config{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}),
		executor.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func (h *harness) orchestrator(a Applier, ids ...string) *Orchestrator {
	if len(ids) == 0 {
		ids = []string{"run-1", "run-2", "run-3"}
	}
	return New(h.reg, h.ledger, h.router, a, WithRunIDGenerator(testutil.NewFixedIDs(ids...)))
}

// fakeApplier records calls and fails or blocks on demand.
type fakeApplier struct {
	calls []string
	errs  map[string]error
	hook  func(ctx context.Context, name string) error
}

func (f *fakeApplier) Apply(ctx context.Context, st step.Step, conn *chain.Connection) (*executor.Outcome, error) {
	f.calls = append(f.calls, st.Name+"@"+conn.EnvironmentID)
	if f.hook != nil {
		if err := f.hook(ctx, st.Name); err != nil {
			return nil, err
		}
	}
	if err := f.errs[st.Name]; err != nil {
		return nil, err
	}
	hash := common.BigToHash(common.Big1)
	hash[0] = byte(len(f.calls))
	return &executor.Outcome{Receipt: &chain.Receipt{TxHash: hash, Success: true}, Attempts: 1}, nil
}

func raw(name string, tags, deps []string, target step.EnvironmentRef) step.Step {
	return step.Step{
		Name:         name,
		Tags:         tags,
		Dependencies: deps,
		Target:       target,
		Action: step.Raw{Description: name, Fn: func(context.Context, step.Runtime) (*chain.Receipt, error) {
			return nil, nil
		}},
	}
}

func stepNames(rs []StepResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Step
	}
	return out
}

func TestRun_ScenarioA_DependencyOrder(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("Y", []string{"y"}, []string{"x"}, step.Self()))
	h.reg.MustRegister(raw("X", []string{"x"}, nil, step.Self()))
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"X@layer1", "Y@layer1"}, fa.calls)
	assert.Equal(t, []string{"X", "Y"}, stepNames(sum.Applied))
	assert.Empty(t, sum.Pending)
	assert.False(t, sum.Halted())
	assert.Equal(t, "run-1", sum.RunID)
}

func TestRun_ScenarioB_CycleAbortsBeforeExecution(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("X", []string{"x"}, []string{"y"}, step.Self()))
	h.reg.MustRegister(raw("Y", []string{"y"}, []string{"x"}, step.Self()))
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.True(t, resolver.IsCycleError(err))
	assert.Contains(t, err.Error(), "X")
	assert.Contains(t, err.Error(), "Y")
	assert.Empty(t, fa.calls)

	entries, err := h.ledger.Entries(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_ScenarioC_AlreadyAppliedIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("P", nil, nil, step.Self()))
	require.NoError(t, h.ledger.RecordApplied(context.Background(), ledger.Entry{
		StepName: "P", EnvironmentID: "layer1", TxHash: "0xfeed",
	}))
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"P"}, stepNames(sum.Skipped))
	assert.Equal(t, "0xfeed", sum.Skipped[0].TxHash)
	assert.Empty(t, sum.Applied)
	assert.Empty(t, fa.calls)
}

func TestRun_ScenarioD_NonceConflictsThenApplied(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t)
	h.reg.MustRegister(step.Step{
		Name:   "deploy_token",
		Action: step.Deploy{Artifact: "Token", Args: []any{"Token", "1000"}, Signer: "deployer"},
	})
	conflict := fmt.Errorf("%w: nonce too low", chain.ErrNonceConflict)
	h.l1.Chain.FailSends(conflict, conflict)

	sum, err := h.orchestrator(h.executor()).Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	require.Len(t, sum.Applied, 1)
	assert.Equal(t, 3, sum.Applied[0].Attempts)

	e, err := h.ledger.Get(context.Background(), "deploy_token", "layer1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, ledger.StatusApplied, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "run-1", e.RunID)
	assert.NotEmpty(t, e.Fingerprint)
	assert.Equal(t, sum.Applied[0].TxHash, e.TxHash)

	assert.Equal(t, 3, strings.Count(buf.String(), `msg="sending transaction"`))
}

func TestRun_CompanionTargetsPeerNamespace(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(step.Step{
		Name:   "deploy_root_bridge",
		Target: step.Companion("l1"),
		Action: step.Deploy{Artifact: "Bridge", Args: []any{"account:admin"}, Signer: "deployer"},
	})
	h.reg.MustRegister(step.Step{
		Name:   "deploy_child_bridge",
		Action: step.Deploy{Artifact: "Bridge", Args: []any{"account:admin"}, Signer: "deployer"},
	})

	sum, err := h.orchestrator(h.executor()).Run(context.Background(), Options{Environment: "layer2"})
	require.NoError(t, err)
	require.Len(t, sum.Applied, 2)
	assert.Equal(t, "layer1", sum.Applied[0].EnvironmentID)
	assert.Equal(t, "layer2", sum.Applied[1].EnvironmentID)

	// Each deployment lands in its own environment's namespace and chain.
	assert.Len(t, h.l1.Chain.Sent(), 1)
	assert.Len(t, h.l2.Chain.Sent(), 1)
	assert.Contains(t, h.l1.Artifacts.Deployments(), "Bridge")
	assert.Contains(t, h.l2.Artifacts.Deployments(), "Bridge")

	// The constructor argument resolved layer1's admin, not layer2's.
	ctor := h.l1.Chain.Sent()[0].Data()
	assert.True(t, bytes.HasSuffix(ctor, common.LeftPadBytes(h.l1.Address("admin").Bytes(), 32)))

	ok, err := h.ledger.HasApplied(context.Background(), "deploy_root_bridge", "layer1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.ledger.HasApplied(context.Background(), "deploy_root_bridge", "layer2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_IdempotentRerun(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(step.Step{
		Name: "deploy_bridge", Tags: []string{"bridge"},
		Action: step.Deploy{Artifact: "Bridge", Args: []any{"account:admin"}, Signer: "deployer"},
	})
	h.reg.MustRegister(step.Step{
		Name: "set_admin", Dependencies: []string{"bridge"},
		Action: step.Execute{Artifact: "Bridge", Function: "setAdmin", Args: []any{"account:deployer"}, Signer: "deployer"},
	})
	o := h.orchestrator(h.executor())

	first, err := o.Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy_bridge", "set_admin"}, stepNames(first.Applied))

	second, err := o.Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, []string{"deploy_bridge", "set_admin"}, stepNames(second.Skipped))
	assert.Equal(t, "run-2", second.RunID)
	assert.Len(t, h.l1.Chain.Sent(), 2, "the rerun sends nothing")
}

func TestRun_HaltOnRevert(t *testing.T) {
	h := newHarness(t)
	sel := testutil.Selector("setAdmin(address)")
	h.l1.Chain.AddRevertRule(func(c devnet.Call) string {
		if bytes.Equal(c.Selector(), sel) {
			return "Ownable: caller is not the owner"
		}
		return ""
	})
	h.reg.MustRegister(step.Step{
		Name: "deploy_bridge", Tags: []string{"bridge"},
		Action: step.Deploy{Artifact: "Bridge", Args: []any{"account:admin"}, Signer: "deployer"},
	})
	h.reg.MustRegister(step.Step{
		Name: "set_admin", Tags: []string{"admin"}, Dependencies: []string{"bridge"},
		Action: step.Execute{Artifact: "Bridge", Function: "setAdmin", Args: []any{"account:admin"}, Signer: "deployer"},
	})
	h.reg.MustRegister(step.Step{
		Name: "deploy_token", Dependencies: []string{"admin"},
		Action: step.Deploy{Artifact: "Token", Args: []any{"T", 1}, Signer: "deployer"},
	})

	sum, err := h.orchestrator(h.executor()).Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	require.NotNil(t, sum)

	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, "set_admin", halt.Step)
	assert.Equal(t, executor.KindReverted, executor.KindOf(err))

	assert.Equal(t, []string{"deploy_bridge"}, stepNames(sum.Applied))
	require.NotNil(t, sum.Failed)
	assert.Equal(t, "set_admin", sum.Failed.Step)
	assert.Contains(t, sum.Failed.Reason, "Ownable")
	assert.NotEmpty(t, sum.Failed.TxHash)
	assert.Equal(t, []string{"deploy_token"}, sum.Pending)

	e, err := h.ledger.Get(context.Background(), "set_admin", "layer1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Equal(t, sum.Failed.TxHash, e.TxHash)

	e, err = h.ledger.Get(context.Background(), "deploy_token", "layer1")
	require.NoError(t, err)
	assert.Nil(t, e, "pending steps are not recorded")
}

func TestRun_FailedStepRetriedOnNextRun(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", []string{"a"}, nil, step.Self()))
	h.reg.MustRegister(raw("b", []string{"b"}, []string{"a"}, step.Self()))
	h.reg.MustRegister(raw("c", nil, []string{"b"}, step.Self()))
	fa := &fakeApplier{errs: map[string]error{
		"b": &executor.TransactionError{Kind: executor.KindInsufficientFunds, Reason: "broke", Attempts: 1},
	}}
	o := h.orchestrator(fa)

	sum, err := o.Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	assert.True(t, IsHalt(err))
	assert.Equal(t, []string{"c"}, sum.Pending)

	fa.errs = nil
	sum, err = o.Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, stepNames(sum.Skipped))
	assert.Equal(t, []string{"b", "c"}, stepNames(sum.Applied))

	hist, err := h.ledger.History(context.Background(), "b", "layer1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ledger.StatusFailed, hist[0].Status)
	assert.Equal(t, ledger.StatusApplied, hist[1].Status)
}

func TestRun_CancelledMidStepRecordsFailed(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", []string{"a"}, nil, step.Self()))
	h.reg.MustRegister(raw("b", nil, []string{"a"}, step.Self()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fa := &fakeApplier{hook: func(ctx context.Context, name string) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	sum, err := h.orchestrator(fa).Run(ctx, Options{Environment: "layer1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsHalt(err))
	require.NotNil(t, sum.Failed)
	assert.Equal(t, "a", sum.Failed.Step)
	assert.Equal(t, []string{"b"}, sum.Pending)

	e, err := h.ledger.Get(context.Background(), "a", "layer1")
	require.NoError(t, err)
	require.NotNil(t, e, "the ledger write survives cancellation")
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Contains(t, e.Reason, "cancelled")
}

func TestRun_CancelledWhileConfirmingKeepsTxHash(t *testing.T) {
	h := newHarness(t)
	slow := devnet.New(big.NewInt(1337),
		devnet.WithAutoFund(big.NewInt(1e18)),
		devnet.WithPendingPolls(1_000_000),
	)
	h.l1.Chain = slow
	h.reg.MustRegister(step.Step{
		Name:   "deploy_bridge",
		Target: step.Self(),
		Action: step.Deploy{Artifact: "Bridge", Args: []any{"account:admin"}, Signer: "deployer"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	sum, err := h.orchestrator(h.executor()).Run(ctx, Options{Environment: "layer1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsHalt(err))
	assert.Equal(t, executor.KindCancelled, executor.KindOf(err))

	require.Len(t, slow.Sent(), 1)
	sent := slow.Sent()[0].Hash().Hex()
	require.NotNil(t, sum.Failed)
	assert.Equal(t, sent, sum.Failed.TxHash)

	e, err := h.ledger.Get(context.Background(), "deploy_bridge", "layer1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Equal(t, sent, e.TxHash, "the broadcast transaction stays traceable")
	assert.True(t, strings.HasPrefix(e.Reason, "cancelled: not confirmed"), e.Reason)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", nil, nil, step.Self()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(ctx, Options{Environment: "layer1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsHalt(err))
	assert.Equal(t, []string{"a"}, sum.Pending)
	assert.Empty(t, fa.calls)
}

func TestRun_UnknownTargetAbortsBeforeExecution(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", nil, nil, step.Self()))
	h.reg.MustRegister(raw("b", nil, nil, step.Companion("l1")))
	fa := &fakeApplier{}

	// layer1 has no companion "l1".
	_, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	assert.True(t, router.IsUnknownEnvironment(err))
	assert.Empty(t, fa.calls)
}

func TestRun_RequiresEnvironment(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(&fakeApplier{}).Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", []string{"a"}, nil, step.Self()))
	h.reg.MustRegister(raw("b", nil, []string{"a"}, step.Companion("l1")))
	require.NoError(t, h.ledger.RecordApplied(context.Background(), ledger.Entry{StepName: "a", EnvironmentID: "layer2"}))
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer2", DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, fa.calls)
	assert.True(t, sum.DryRun)
	assert.Equal(t, []PlannedStep{
		{Step: "a", EnvironmentID: "layer2", Target: "self", Action: step.KindRaw, Applied: true},
		{Step: "b", EnvironmentID: "layer1", Target: "companion:l1", Action: step.KindRaw, Applied: false},
	}, sum.Plan)
	assert.Equal(t, []string{"b"}, sum.Pending)

	entries, err := h.ledger.Entries(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_TagFilterIncludesDependencies(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("token", []string{"token"}, nil, step.Self()))
	h.reg.MustRegister(raw("bridge", []string{"bridge"}, []string{"token"}, step.Self()))
	h.reg.MustRegister(raw("unrelated", []string{"misc"}, nil, step.Self()))
	fa := &fakeApplier{}

	sum, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1", Tags: []string{"bridge"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"token", "bridge"}, stepNames(sum.Applied))
}

func TestRun_WarnsOnChangedDefinition(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t)
	h.reg.MustRegister(raw("a", []string{"v2"}, nil, step.Self()))
	require.NoError(t, h.ledger.RecordApplied(context.Background(), ledger.Entry{
		StepName: "a", EnvironmentID: "layer1", Fingerprint: "stale",
	}))

	sum, err := h.orchestrator(&fakeApplier{}).Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, stepNames(sum.Skipped))
	assert.Contains(t, buf.String(), "step definition changed")
}

type brokenLedger struct{ *ledger.Ledger }

func (brokenLedger) HasApplied(context.Context, string, string) (bool, error) {
	return false, errors.New("disk gone")
}

func TestRun_LedgerFailureStopsTheRun(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", nil, nil, step.Self()))
	fa := &fakeApplier{}

	o := New(h.reg, brokenLedger{h.ledger}, h.router, fa, WithRunIDGenerator(testutil.NewFixedIDs("run-1")))
	sum, err := o.Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.False(t, IsHalt(err))
	assert.Equal(t, []string{"a"}, sum.Pending)
	assert.Empty(t, fa.calls)
}

type unreadableLedger struct{ *ledger.Ledger }

func (unreadableLedger) Get(context.Context, string, string) (*ledger.Entry, error) {
	return nil, errors.New("read failed")
}

func TestRun_LedgerReadFailureOnSkipStopsTheRun(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(raw("a", nil, nil, step.Self()))
	h.reg.MustRegister(raw("b", nil, []string{"a"}, step.Self()))
	fa := &fakeApplier{}
	_, err := h.orchestrator(fa).Run(context.Background(), Options{Environment: "layer1"})
	require.NoError(t, err)
	fa.calls = nil

	o := New(h.reg, unreadableLedger{h.ledger}, h.router, fa, WithRunIDGenerator(testutil.NewFixedIDs("run-2")))
	sum, err := o.Run(context.Background(), Options{Environment: "layer1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read failed")
	assert.False(t, IsHalt(err))
	assert.Empty(t, sum.Skipped)
	assert.Equal(t, []string{"a", "b"}, sum.Pending)
	assert.Empty(t, fa.calls)
}

func TestUUIDv7Generator(t *testing.T) {
	a := UUIDv7Generator{}.Generate()
	b := UUIDv7Generator{}.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
