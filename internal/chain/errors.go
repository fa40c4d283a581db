package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is a best-effort classification of a chain failure.
type Kind string

const (
	KindRejected          Kind = "rejected"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindReverted          Kind = "reverted"
	KindTimeout           Kind = "timeout"
	KindOther             Kind = "other"
)

var (
	// ErrReverted marks a mined transaction whose receipt status is failed.
	ErrReverted = errors.New("execution reverted")
	// ErrNoSigner is returned when submitting without a configured key.
	ErrNoSigner = errors.New("no signing key configured")
)

// Error is a failed submit or confirmation wait. Nothing was recorded off-chain
// and resubmitting is the caller's decision.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and attaches the operation name. An *Error passes through.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps an RPC or signer error to a Kind. Node and wallet errors carry
// no structured codes, so this matches on message text and can misfire.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrReverted) {
		return KindReverted
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected by user"):
		return KindRejected
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "reverted"):
		return KindReverted
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	default:
		return KindOther
	}
}
