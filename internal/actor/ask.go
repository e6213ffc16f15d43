package actor

import (
	"context"
	"fmt"
	"time"
)

// DefaultAskTimeout applies when Ask is called with a non-positive timeout.
const DefaultAskTimeout = 5 * time.Second

// Request is a message that carries an optional reply address.
type Request interface {
	ReplyTo() *Ref
}

// BaseRequest is embedded by request messages to satisfy Request.
type BaseRequest struct {
	Reply *Ref `json:"-"`
}

// ReplyTo returns the reply address, which may be nil.
func (b BaseRequest) ReplyTo() *Ref { return b.Reply }

// Ask builds a request bound to a fresh reply address, sends it to `to` and
// waits up to timeoutSeconds for the first reply.
//
// The reply address holds a single slot: the first reply wins, duplicates are
// rejected with ErrMailboxFull and replies after the timeout with ErrStopped.
// An error reply of another Reply type is converted to Reply[T]; any other
// message is reported as an internal error.
func Ask[T any](to *Ref, factory func(replyTo *Ref) Request, timeoutSeconds int) (Reply[T], error) {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeoutSeconds <= 0 {
		timeout = DefaultAskTimeout
	}
	return AskContext[T](context.Background(), to, factory, timeout)
}

// AskContext is Ask with a caller context and a sub-second timeout. The wait
// ends on whichever comes first: a reply, the timeout or ctx.
func AskContext[T any](ctx context.Context, to *Ref, factory func(replyTo *Ref) Request, timeout time.Duration) (Reply[T], error) {
	var zero Reply[T]
	if to == nil {
		return zero, ErrNilRef
	}

	tmp := newRef("", 1)
	defer tmp.stop()

	if err := to.Tell(factory(tmp), tmp); err != nil {
		return zero, fmt.Errorf("actor: ask %s: %w", to.Name(), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-tmp.mailbox:
		return convertReply[T](env.msg)
	case <-timer.C:
		stats.askTimeouts.Add(1)
		return zero, fmt.Errorf("%w: %s after %s", ErrTimeout, to.Name(), timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func convertReply[T any](msg any) (Reply[T], error) {
	switch r := msg.(type) {
	case Reply[T]:
		return r, nil
	case *Reply[T]:
		if r != nil {
			return *r, nil
		}
	case erasedReply:
		if code, text, isErr := r.replyError(); isErr {
			return ErrorOf[T](code, text), nil
		}
	}
	return InternalError[T](), fmt.Errorf("actor: unexpected reply type %T", msg)
}
