package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrMissingDigest         = errors.New("artifact has no digest")
	ErrPolicyViolation       = errors.New("policy violation")
	ErrScanThresholdExceeded = errors.New("scan threshold exceeded")
	ErrApprovalDenied        = errors.New("approval denied")
	ErrApprovalTimeout       = errors.New("approval timed out")
	ErrRolloutFailed         = errors.New("rollout failed")
	ErrRollbackFailed        = errors.New("rollback failed")
	ErrNoLastKnownGood       = errors.New("no last known good artifact")
	ErrCancelled             = errors.New("run cancelled")
	ErrSuperseded            = errors.New("superseded by another run")
	ErrRunTerminal           = errors.New("run is terminal")
)

// TransientError marks a network or timeout class failure talking to an
// external collaborator. Only these are retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
