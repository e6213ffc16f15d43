package actor

import (
	"github.com/snehjoshi/gnssbus/internal/errcode"
)

// ReplyKind tags the variant held by a Reply.
type ReplyKind uint8

const (
	KindOk ReplyKind = iota + 1
	KindOkList
	KindOkVoid
	KindError
)

// Reply is the result of a request: Ok(value), OkList(values), OkVoid or
// Error(code, message).
type Reply[T any] struct {
	Kind    ReplyKind
	Value   T
	Values  []T
	Code    int
	Message string
}

// Ok wraps a single value.
func Ok[T any](v T) Reply[T] { return Reply[T]{Kind: KindOk, Value: v} }

// OkList wraps a list of values.
func OkList[T any](vs []T) Reply[T] { return Reply[T]{Kind: KindOkList, Values: vs} }

// OkVoid reports success with no payload.
func OkVoid[T any]() Reply[T] { return Reply[T]{Kind: KindOkVoid} }

// ErrorOf builds an error reply.
func ErrorOf[T any](code int, msg string) Reply[T] {
	return Reply[T]{Kind: KindError, Code: code, Message: msg}
}

// InternalError is the opaque reply for unexpected failures.
func InternalError[T any]() Reply[T] {
	return ErrorOf[T](errcode.Internal.Code, errcode.Internal.Message)
}

// IsOk reports whether the reply is any of the success variants.
func (r Reply[T]) IsOk() bool { return r.Kind != KindError && r.Kind != 0 }

// Err returns the domain error carried by an error reply, or nil.
func (r Reply[T]) Err() error {
	if r.Kind != KindError {
		return nil
	}
	return errcode.New(r.Code, r.Message)
}

// replyError lets Ask recognise an error reply whose type parameter differs
// from the one the caller asked for.
func (r Reply[T]) replyError() (int, string, bool) {
	return r.Code, r.Message, r.Kind == KindError
}

type erasedReply interface {
	replyError() (int, string, bool)
}
