package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicateReference     = errors.New("duplicate transaction reference")
)

// ErrorKind is the wire name of a failure class.
type ErrorKind string

const (
	KindValidation             ErrorKind = "VALIDATION_ERROR"
	KindSameAccount            ErrorKind = "SAME_ACCOUNT"
	KindAccountNotFound        ErrorKind = "ACCOUNT_NOT_FOUND"
	KindAccountFrozen          ErrorKind = "ACCOUNT_FROZEN"
	KindCurrencyMismatch       ErrorKind = "CURRENCY_MISMATCH"
	KindInsufficientFunds      ErrorKind = "INSUFFICIENT_FUNDS"
	KindLimitExceeded          ErrorKind = "LIMIT_EXCEEDED"
	KindCannotReverse          ErrorKind = "CANNOT_REVERSE"
	KindDuplicateRequest       ErrorKind = "DUPLICATE_REQUEST"
	KindExportTooLarge         ErrorKind = "EXPORT_TOO_LARGE"
	KindInvalidTransactionType ErrorKind = "INVALID_TRANSACTION_TYPE"
	KindTransactionNotFound    ErrorKind = "TRANSACTION_NOT_FOUND"
	KindForbidden              ErrorKind = "FORBIDDEN"
	KindInvalidStateTransition ErrorKind = "INVALID_STATE_TRANSITION"
	KindConcurrentModification ErrorKind = "CONCURRENT_MODIFICATION"
	KindStorageFailure         ErrorKind = "STORAGE_FAILURE"
)

// Transient reports whether the kind is an internal failure the caller may retry.
func (k ErrorKind) Transient() bool {
	return k == KindConcurrentModification || k == KindStorageFailure
}

type LedgerError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *LedgerError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches any LedgerError of the same kind, so the sentinels below work with errors.Is.
func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation             = &LedgerError{Kind: KindValidation}
	ErrSameAccount            = &LedgerError{Kind: KindSameAccount}
	ErrAccountNotFound        = &LedgerError{Kind: KindAccountNotFound}
	ErrAccountFrozen          = &LedgerError{Kind: KindAccountFrozen}
	ErrCurrencyMismatch       = &LedgerError{Kind: KindCurrencyMismatch}
	ErrInsufficientFunds      = &LedgerError{Kind: KindInsufficientFunds}
	ErrLimitExceeded          = &LedgerError{Kind: KindLimitExceeded}
	ErrCannotReverse          = &LedgerError{Kind: KindCannotReverse}
	ErrDuplicateRequest       = &LedgerError{Kind: KindDuplicateRequest}
	ErrExportTooLarge         = &LedgerError{Kind: KindExportTooLarge}
	ErrInvalidTransactionType = &LedgerError{Kind: KindInvalidTransactionType}
	ErrTransactionNotFound    = &LedgerError{Kind: KindTransactionNotFound}
	ErrForbidden              = &LedgerError{Kind: KindForbidden}
	ErrInvalidStateTransition = &LedgerError{Kind: KindInvalidStateTransition}
)

func NewError(kind ErrorKind, format string, args ...any) *LedgerError {
	return &LedgerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *LedgerError {
	return &LedgerError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error. Storage sentinels map to their internal kinds,
// anything unrecognised is a storage failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, ErrConcurrentModification) {
		return KindConcurrentModification
	}
	if errors.Is(err, ErrDuplicateReference) {
		return KindDuplicateRequest
	}
	return KindStorageFailure
}

// MessageOf returns the human part of a LedgerError, or the error text.
func MessageOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) && le.Message != "" {
		return le.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
