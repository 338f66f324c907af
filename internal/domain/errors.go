package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for containment and for control-plane replies.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStorage
	KindProtocolState
	KindSend
	KindDuplicate
	KindInterpreter
	KindNotFound
	KindInvalid
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "StorageError"
	case KindProtocolState:
		return "ProtocolStateError"
	case KindSend:
		return "SendError"
	case KindDuplicate:
		return "DuplicateMessage"
	case KindInterpreter:
		return "InterpreterError"
	case KindNotFound:
		return "NotFound"
	case KindInvalid:
		return "InvalidRequest"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "UnknownError"
	}
}

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("duplicate message")
	ErrIdentityConflict = errors.New("identity key changed")
	ErrPreKeyExhausted  = errors.New("pre-key not available")
	ErrWrongKey         = errors.New("database key does not match")
	ErrBotDeleted       = errors.New("bot is being deleted")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare kind, e.g. errors.Is(err, &Error{Kind: KindSend}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retry wraps err as a retryable error of the given kind.
func Retry(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err, Retryable: true}
}

// KindOf returns the kind of the outermost *Error in the chain. Sentinels
// without an explicit wrapper are classified by identity.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateMessage):
		return KindDuplicate
	case errors.Is(err, ErrIdentityConflict), errors.Is(err, ErrPreKeyExhausted):
		return KindProtocolState
	case errors.Is(err, ErrWrongKey):
		return KindStorage
	}
	return KindUnknown
}

// IsRetryable reports whether any *Error in the chain is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Retryable {
			return true
		}
		err = e.Err
	}
	return false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
