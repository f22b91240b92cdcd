package exchange

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindRetryable      ErrorKind = "retryable"
	KindTerminal       ErrorKind = "terminal"
	KindNotFound       ErrorKind = "not_found"
	KindUnknownOutcome ErrorKind = "unknown_outcome"
	KindSessionExpired ErrorKind = "session_expired"
	KindRateLimited    ErrorKind = "rate_limited"
)

var (
	ErrNotFound       = errors.New("ордер не найден")
	ErrSessionExpired = errors.New("сессия кошелька истекла")
)

type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrSessionExpired:
		return e.Kind == KindSessionExpired
	}
	return false
}

func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Classify сводит ошибку шлюза к одному из видов. Неизвестные ошибки считаются повторяемыми.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnknownOutcome
	}
	if errors.Is(err, ErrSessionExpired) {
		return KindSessionExpired
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.Canceled) {
		return KindTerminal
	}
	return KindRetryable
}

func IsRetryable(err error) bool {
	kind := Classify(err)
	return kind == KindRetryable || kind == KindRateLimited
}
