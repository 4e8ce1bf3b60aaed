// Package executor submits transactions and waits for their confirmation.
//
// Every on-target call goes through Submit: nonce assignment, signing,
// sending with bounded retry, then receipt polling. Failures surface as
// *TransactionError classified into retryable and terminal kinds. A context
// cancellation before anything was sent is returned as the context's own
// error. Once a transaction is out, cancellation is a KindCancelled
// TransactionError that carries its hash and still matches the context error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/roach88/chainstep/internal/chain"
)

// Config bounds retry and confirmation.
type Config struct {
	// MaxAttempts is the total number of send attempts, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// GasLimit is used when a request does not set one.
	GasLimit uint64
}

// DefaultConfig returns the defaults used by New.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		ConfirmTimeout: 2 * time.Minute,
		PollInterval:   time.Second,
		GasLimit:       3_000_000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GasLimit == 0 {
		c.GasLimit = d.GasLimit
	}
	return c
}

// Executor submits transactions. It is safe for concurrent use, though the
// orchestrator drives it sequentially.
type Executor struct {
	cfg        Config
	nonces     *nonceCache
	metrics    *Metrics
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(x *Executor) { x.cfg = cfg.withDefaults() }
}

// WithMetrics records attempts, outcomes and confirmation latency.
func WithMetrics(m *Metrics) Option {
	return func(x *Executor) { x.metrics = m }
}

// WithBackOff overrides the retry schedule between send attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(x *Executor) { x.newBackOff = fn }
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	x := &Executor{
		cfg:    DefaultConfig(),
		nonces: newNonceCache(),
		now:    time.Now,
	}
	x.newBackOff = func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(x.cfg.InitialBackoff),
			backoff.WithMaxInterval(x.cfg.MaxBackoff),
			backoff.WithMaxElapsedTime(0),
		)
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Config returns the effective configuration.
func (x *Executor) Config() Config { return x.cfg }

// Result is a confirmed, successful submission.
type Result struct {
	Receipt  *chain.Receipt
	Attempts int
}

// Submit signs req with the signer for req.Role, sends it on conn and waits
// for a successful receipt.
func (x *Executor) Submit(ctx context.Context, req chain.TransactionRequest, conn *chain.Connection) (*Result, error) {
	env := conn.EnvironmentID
	if req.Role == "" {
		return nil, errors.New("transaction request has no signer role")
	}
	signer, err := conn.Signers.Signer(ctx, req.Role)
	if err != nil {
		return nil, fmt.Errorf("signer %q: %w", req.Role, err)
	}
	from := signer.Address()
	if req.From != (common.Address{}) && req.From != from {
		return nil, fmt.Errorf("signer %q is %s, request is from %s", req.Role, from.Hex(), req.From.Hex())
	}

	chainID := conn.ChainID
	if chainID == nil {
		if chainID, err = conn.Transport.ChainID(ctx); err != nil {
			return nil, x.fail(env, fmt.Errorf("chain id: %w", err))
		}
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = x.cfg.GasLimit
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	start := x.now()
	pinned := req.Nonce
	attempts := 0
	var hash common.Hash
	// inflight is a signed transaction whose send may have reached the node
	// even though no reply arrived. It is resent unchanged.
	var inflight *types.Transaction

	send := func() error {
		attempts++
		x.metrics.attempt(env)

		signed := inflight
		if signed == nil {
			var nonce uint64
			if pinned != nil {
				nonce, pinned = *pinned, nil
			} else {
				n, err := x.nonces.get(ctx, env, from, conn.Transport)
				if err != nil {
					return sendError(err, attempts)
				}
				nonce = n
			}
			gasPrice, err := conn.Transport.GasPrice(ctx)
			if err != nil {
				return sendError(err, attempts)
			}

			tx := types.NewTx(&types.LegacyTx{
				Nonce:    nonce,
				To:       req.To,
				Value:    value,
				Gas:      gasLimit,
				GasPrice: gasPrice,
				Data:     req.Data,
			})
			if signed, err = signer.Sign(tx, chainID); err != nil {
				return backoff.Permanent(fmt.Errorf("sign transaction: %w", err))
			}
		}

		slog.Info("sending transaction",
			"env", env,
			"from", from.Hex(),
			"nonce", signed.Nonce(),
			"attempt", attempts,
			"tx", signed.Hash().Hex(),
		)
		h, err := conn.Transport.Send(ctx, signed)
		switch {
		case err == nil:
		case errors.Is(err, chain.ErrAlreadyKnown):
			slog.Info("transaction already known to the node", "env", env, "tx", signed.Hash().Hex())
			h = signed.Hash()
		case inflight != nil && errors.Is(err, chain.ErrNonceConflict) && x.mined(ctx, conn, signed.Hash()):
			slog.Info("transaction already mined", "env", env, "tx", signed.Hash().Hex())
			h = signed.Hash()
		default:
			inflight = nil
			switch {
			case errors.Is(err, chain.ErrUnavailable):
				inflight = signed
			case errors.Is(err, chain.ErrNonceConflict):
				x.nonces.invalidate(env, from)
			}
			return sendError(err, attempts)
		}
		inflight = nil
		x.nonces.used(env, from, signed.Nonce())
		hash = h
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(x.newBackOff(), uint64(x.cfg.MaxAttempts-1)), ctx)
	err = backoff.RetryNotify(send, b, func(err error, wait time.Duration) {
		slog.Warn("transaction attempt failed, retrying",
			"env", env,
			"attempt", attempts,
			"backoff", wait,
			"error", err,
		)
	})
	if err != nil {
		return nil, x.fail(env, err)
	}

	rcpt, err := x.confirm(ctx, conn, hash)
	if err != nil {
		var te *TransactionError
		if errors.As(err, &te) {
			te.Attempts = attempts
		}
		return nil, x.fail(env, err)
	}
	if !rcpt.Success {
		reason := rcpt.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return nil, x.fail(env, &TransactionError{
			Kind:     KindReverted,
			Reason:   reason,
			TxHash:   hash,
			Attempts: attempts,
		})
	}

	x.metrics.outcome(env, "confirmed")
	x.metrics.observeConfirm(env, x.now().Sub(start).Seconds())
	slog.Info("transaction confirmed",
		"env", env,
		"tx", hash.Hex(),
		"block", rcpt.BlockNumber,
		"gas_used", rcpt.GasUsed,
	)
	return &Result{Receipt: rcpt, Attempts: attempts}, nil
}

// confirm polls for the receipt of hash until it is mined or ConfirmTimeout
// elapses.
func (x *Executor) confirm(ctx context.Context, conn *chain.Connection, hash common.Hash) (*chain.Receipt, error) {
	cctx, cancel := context.WithTimeout(ctx, x.cfg.ConfirmTimeout)
	defer cancel()

	timeout := func() error {
		return &TransactionError{
			Kind:   KindTimeout,
			Reason: fmt.Sprintf("not confirmed within %s", x.cfg.ConfirmTimeout),
			TxHash: hash,
		}
	}

	cancelled := func() error {
		return &TransactionError{
			Kind:   KindCancelled,
			Reason: "not confirmed before " + ctx.Err().Error(),
			TxHash: hash,
			Err:    ctx.Err(),
		}
	}

	lim := rate.NewLimiter(rate.Every(x.cfg.PollInterval), 1)
	for {
		if err := lim.Wait(cctx); err != nil {
			if ctx.Err() != nil {
				return nil, cancelled()
			}
			return nil, timeout()
		}

		rcpt, err := conn.Transport.Receipt(cctx, hash)
		switch {
		case err == nil:
			return rcpt, nil
		case ctx.Err() != nil:
			return nil, cancelled()
		case cctx.Err() != nil:
			return nil, timeout()
		case errors.Is(err, chain.ErrPending), errors.Is(err, chain.ErrUnavailable):
			slog.Debug("receipt not available", "env", conn.EnvironmentID, "tx", hash.Hex(), "error", err)
		default:
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}
	}
}

// mined reports whether hash already has a receipt.
func (x *Executor) mined(ctx context.Context, conn *chain.Connection, hash common.Hash) bool {
	_, err := conn.Transport.Receipt(ctx, hash)
	return err == nil
}

// fail records the outcome of a failed submission and returns err.
func (x *Executor) fail(env string, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case IsTransactionError(err):
		outcome = string(KindOf(err))
	}
	x.metrics.outcome(env, outcome)
	return err
}

// sendError classifies a transport error from the send phase. Retryable
// kinds are returned as is; everything else is wrapped so the retry loop
// stops.
func sendError(err error, attempts int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	te := &TransactionError{Reason: err.Error(), Attempts: attempts, Err: err}
	switch {
	case errors.Is(err, chain.ErrNonceConflict):
		te.Kind = KindNonceConflict
		return te
	case errors.Is(err, chain.ErrUnavailable):
		te.Kind = KindNetworkUnavailable
		return te
	case errors.Is(err, chain.ErrInsufficientFunds):
		te.Kind = KindInsufficientFunds
	default:
		te.Kind = KindRejected
	}
	return backoff.Permanent(te)
}
