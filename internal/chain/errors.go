package chain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by collaborators. Transports wrap the raw node
// error with one of these so the executor can classify failures without
// parsing messages itself.
var (
	ErrPending           = errors.New("transaction pending")
	ErrNonceConflict     = errors.New("nonce conflict")
	// ErrAlreadyKnown means the node already holds this exact signed
	// transaction, so an earlier send reached it.
	ErrAlreadyKnown      = errors.New("transaction already known")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnavailable       = errors.New("network unavailable")
	ErrUnknownRole       = errors.New("unknown signer role")
	ErrNoKey             = errors.New("role has no signing key")
)

// ArtifactNotFoundError is returned when an artifact name is unknown to the
// registry of an environment.
type ArtifactNotFoundError struct {
	Name        string
	Environment string
}

func (e *ArtifactNotFoundError) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("artifact %q not found in environment %q", e.Name, e.Environment)
	}
	return fmt.Sprintf("artifact %q not found", e.Name)
}

// IsArtifactNotFound reports whether err is an ArtifactNotFoundError.
func IsArtifactNotFound(err error) bool {
	var nf *ArtifactNotFoundError
	return errors.As(err, &nf)
}
