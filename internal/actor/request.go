package actor

import (
	"fmt"
	"runtime/debug"

	"github.com/snehjoshi/gnssbus/internal/errcode"
)

// The wrappers below run a request handler and turn its outcome into a Reply
// sent to req.ReplyTo(), or to the implicit sender when the request has no
// reply address.
//
//   - a nil error yields Ok / OkList / OkVoid
//   - an *errcode.Error yields Error(code, message)
//   - any other error, or a panic, yields the internal-error reply and is
//     logged with full detail
//
// Each wrapper returns true only when the handler succeeded, so the caller
// can decide whether to continue after the reply went out.

// Exec runs fn and replies only on failure.
func Exec(c *Context, req Request, fn func() error) bool {
	return run(c, req, func() (any, error) {
		return nil, fn()
	}, errorReply[struct{}], noReply)
}

// Call runs a handler that already produces a typed reply.
func Call[T any](c *Context, req Request, fn func() (Reply[T], error)) bool {
	return run(c, req, func() (any, error) {
		r, err := fn()
		return r, err
	}, errorReply[T], identity)
}

// CallMapped is Call with the Ok payload passed through mapFn.
func CallMapped[T, R any](c *Context, req Request, fn func() (Reply[T], error), mapFn func(T) R) bool {
	return run(c, req, func() (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return mapReply(r, mapFn), nil
	}, errorReply[R], identity)
}

// CallSingle replies Ok(value).
func CallSingle[T any](c *Context, req Request, fn func() (T, error)) bool {
	return run(c, req, func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, err
		}
		return Ok(v), nil
	}, errorReply[T], identity)
}

// CallSingleMapped replies Ok(mapFn(value)).
func CallSingleMapped[T, R any](c *Context, req Request, fn func() (T, error), mapFn func(T) R) bool {
	return run(c, req, func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, err
		}
		return Ok(mapFn(v)), nil
	}, errorReply[R], identity)
}

// CallList replies OkList(values).
func CallList[T any](c *Context, req Request, fn func() ([]T, error)) bool {
	return run(c, req, func() (any, error) {
		vs, err := fn()
		if err != nil {
			return nil, err
		}
		return OkList(vs), nil
	}, errorReply[T], identity)
}

// CallListMapped replies OkList with every value passed through mapFn.
func CallListMapped[T, R any](c *Context, req Request, fn func() ([]T, error), mapFn func(T) R) bool {
	return run(c, req, func() (any, error) {
		vs, err := fn()
		if err != nil {
			return nil, err
		}
		out := make([]R, len(vs))
		for i, v := range vs {
			out[i] = mapFn(v)
		}
		return OkList(out), nil
	}, errorReply[R], identity)
}

// CallVoid replies OkVoid.
func CallVoid(c *Context, req Request, fn func() error) bool {
	return run(c, req, func() (any, error) {
		if err := fn(); err != nil {
			return nil, err
		}
		return OkVoid[struct{}](), nil
	}, errorReply[struct{}], identity)
}

// ─── internals ───────────────────────────────────────────────────────────────

func identity(v any) any { return v }

func noReply(any) any { return nil }

func errorReply[T any](err error) any {
	if e, ok := errcode.As(err); ok {
		return ErrorOf[T](e.Code, e.Message)
	}
	return InternalError[T]()
}

func mapReply[T, R any](r Reply[T], mapFn func(T) R) Reply[R] {
	switch r.Kind {
	case KindOk:
		return Ok(mapFn(r.Value))
	case KindOkList:
		out := make([]R, len(r.Values))
		for i, v := range r.Values {
			out[i] = mapFn(v)
		}
		return OkList(out)
	case KindOkVoid:
		return OkVoid[R]()
	default:
		return ErrorOf[R](r.Code, r.Message)
	}
}

// run executes handler, maps the outcome and sends it. onErr builds the error
// reply; onOk post-processes the success value (nil means no reply).
func run(c *Context, req Request, handler func() (any, error), onErr func(error) any, onOk func(any) any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked",
				"req_type", fmt.Sprintf("%T", req),
				"panic", r,
				"stack", string(debug.Stack()))
			sendReply(c, req, onErr(fmt.Errorf("panic: %v", r)))
			ok = false
		}
	}()

	v, err := handler()
	if err != nil {
		if e, isDomain := errcode.As(err); isDomain {
			c.logger.Warn("request failed",
				"req_type", fmt.Sprintf("%T", req), "code", e.Code, "msg", e.Message)
		} else {
			c.logger.Error("request failed with internal error",
				"req_type", fmt.Sprintf("%T", req), "error", err)
		}
		sendReply(c, req, onErr(err))
		return false
	}
	if out := onOk(v); out != nil {
		sendReply(c, req, out)
	}
	return true
}

func sendReply(c *Context, req Request, reply any) {
	var to *Ref
	if req != nil {
		to = req.ReplyTo()
	}
	if to == nil {
		to = c.sender
	}
	if to == nil {
		c.logger.Debug("no reply address, reply dropped", "req_type", fmt.Sprintf("%T", req))
		return
	}
	if err := to.Tell(reply, c.self); err != nil {
		c.logger.Debug("reply not delivered", "to", to.Name(), "error", err)
	}
}
