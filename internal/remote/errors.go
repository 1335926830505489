package remote

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by a mutation matches exactly one of them via errors.Is.
var (
	ErrTransient  = errors.New("transient network error")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
	ErrUpload     = errors.New("attachment upload failed")
)

// Error is a classified failure of a remote operation.
type Error struct {
	Kind      error
	Op        string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	target := e.Op
	if e.MessageID != "" {
		target = fmt.Sprintf("%s %s", e.Op, e.MessageID)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", target, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", target, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and tags it with the operation and message id.
// A nil err stays nil.
func Wrap(op, messageID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Op: op, MessageID: messageID, Err: existing.Err}
	}
	return &Error{Kind: Kind(err), Op: op, MessageID: messageID, Err: err}
}

// Kind maps an arbitrary error onto the taxonomy. Unknown errors are treated as transient
// so the caller keeps a retry affordance.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermission):
		return ErrPermission
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrUpload):
		return ErrUpload
	case errors.Is(err, ErrTransient):
		return ErrTransient
	default:
		return ErrTransient
	}
}

// Retryable reports whether resubmitting the same operation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrUpload)
}
