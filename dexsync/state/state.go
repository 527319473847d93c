// Package state holds the result variants emitted by the sync and trade
// services. A State is always exactly one of Loading, Success, Error or
// Empty; consumers switch on Kind and read the matching payload.
package state

import "errors"

var (
	ErrNotConnected = errors.New("no connectivity and no cached data")
	ErrNotFound     = errors.New("not found")
	ErrNotSignedIn  = errors.New("user not signed in")
	ErrInvalidTrade = errors.New("invalid trade data")
)

type Kind int

const (
	KindLoading Kind = iota
	KindSuccess
	KindError
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// State is a tagged union over a query's observable result. The zero value
// is Loading.
type State[T any] struct {
	kind Kind
	data T
	msg  string
}

func LoadingOf[T any]() State[T] {
	return State[T]{kind: KindLoading}
}

func SuccessOf[T any](data T) State[T] {
	return State[T]{kind: KindSuccess, data: data}
}

func ErrorOf[T any](msg string) State[T] {
	if msg == "" {
		msg = "unknown error"
	}
	return State[T]{kind: KindError, msg: msg}
}

// FailureOf wraps an error into the Error variant, carrying its message
// through verbatim so the presentation layer can render it as-is.
func FailureOf[T any](err error) State[T] {
	if err == nil {
		return ErrorOf[T]("")
	}
	return ErrorOf[T](err.Error())
}

func EmptyOf[T any]() State[T] {
	return State[T]{kind: KindEmpty}
}

func (s State[T]) Kind() Kind { return s.kind }

func (s State[T]) IsLoading() bool { return s.kind == KindLoading }
func (s State[T]) IsSuccess() bool { return s.kind == KindSuccess }
func (s State[T]) IsError() bool   { return s.kind == KindError }
func (s State[T]) IsEmpty() bool   { return s.kind == KindEmpty }

// Data returns the Success payload. It is only meaningful when IsSuccess.
func (s State[T]) Data() T { return s.data }

// ErrMsg returns the Error message. It is only meaningful when IsError.
func (s State[T]) ErrMsg() string { return s.msg }
