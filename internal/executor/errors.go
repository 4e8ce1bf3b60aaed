package executor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies a transaction failure.
type Kind string

const (
	// KindNonceConflict means the node rejected the nonce. Retryable after a
	// nonce refresh.
	KindNonceConflict Kind = "NONCE_CONFLICT"
	// KindNetworkUnavailable means the node could not be reached. Retryable.
	KindNetworkUnavailable Kind = "NETWORK_UNAVAILABLE"
	// KindTimeout means the transaction was sent but not confirmed in time.
	// It may still be mined, so it is never resent automatically.
	KindTimeout Kind = "TIMEOUT"
	// KindCancelled means the run was cancelled after the transaction was
	// sent and before it was confirmed. It may still be mined.
	KindCancelled Kind = "CANCELLED"
	// KindReverted means the transaction was mined and failed.
	KindReverted Kind = "REVERTED"
	// KindInsufficientFunds means the signer cannot pay for the transaction.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindRejected covers any other refusal by the node or signer.
	KindRejected Kind = "REJECTED"
)

// Retryable reports whether a failure of this kind may succeed if retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNonceConflict, KindNetworkUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// TransactionError describes a failed submission.
type TransactionError struct {
	Kind     Kind
	Reason   string
	TxHash   common.Hash // zero if nothing was accepted by the node
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != (common.Hash{}) {
		msg += fmt.Sprintf(" (tx=%s)", e.TxHash.Hex())
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *TransactionError) Retryable() bool { return e.Kind.Retryable() }

// IsTransactionError reports whether err is a TransactionError.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}

// KindOf returns the Kind of a TransactionError in err's chain, or "".
func KindOf(err error) Kind {
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
