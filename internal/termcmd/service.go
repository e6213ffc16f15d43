package termcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/snehjoshi/gnssbus/internal/actor"
	"github.com/snehjoshi/gnssbus/internal/errcode"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// ServiceName is the directory name of the command service actor.
const ServiceName = "termcmd"

// ─── Requests ────────────────────────────────────────────────────────────────

// CreateCmdReq creates a command. Replies Ok(*types.TermCmd).
type CreateCmdReq struct {
	actor.BaseRequest
	Cmd     *types.TermCmd
	Publish bool
}

// FindCmdReq looks a command up by ID, or by ExternalID when ID is empty.
// Replies Ok(*types.TermCmd), or a not-found error on a cache miss.
type FindCmdReq struct {
	actor.BaseRequest
	ID         string
	ExternalID string
}

// MarkSentReq marks a command sent. Replies Ok(*types.TermCmd).
type MarkSentReq struct {
	actor.BaseRequest
	Cmd    *types.TermCmd
	SentTm int64
	MsgSn  *int
}

// MarkAckReq records an acknowledgement. Replies Ok(*types.TermCmd).
type MarkAckReq struct {
	actor.BaseRequest
	Cmd *types.TermCmd
	Ack Ack
}

// MarkCompletedReq completes a command. Replies Ok(*types.TermCmd).
type MarkCompletedReq struct {
	actor.BaseRequest
	Cmd    *types.TermCmd
	Status types.Status
	EndTm  int64
}

// ─── Actor ───────────────────────────────────────────────────────────────────

type serviceActor struct {
	c *Commander
}

// Receive dispatches requests to the Commander. Creation blocks on the DAO
// round trip, so it is detached; lookups and mark calls only touch the cache
// and queue their writes.
func (a *serviceActor) Receive(ctx *actor.Context) {
	switch m := ctx.Message().(type) {
	case CreateCmdReq:
		ctx.Detach(cmdKey(m.Cmd), func(dc *actor.Context) {
			actor.CallSingle(dc, m, func() (*types.TermCmd, error) {
				return a.c.CreateCmd(dc.Context(), m.Cmd, m.Publish)
			})
		})
	case FindCmdReq:
		actor.CallSingle(ctx, m, func() (*types.TermCmd, error) {
			return a.find(ctx.Context(), m)
		})
	case MarkSentReq:
		actor.CallSingle(ctx, m, func() (*types.TermCmd, error) {
			if err := checkCmd(m.Cmd); err != nil {
				return nil, err
			}
			return a.c.MarkCmdSent(ctx.Context(), m.Cmd, m.SentTm, m.MsgSn), nil
		})
	case MarkAckReq:
		actor.CallSingle(ctx, m, func() (*types.TermCmd, error) {
			if err := checkCmd(m.Cmd); err != nil {
				return nil, err
			}
			return a.c.MarkCmdAck(ctx.Context(), m.Cmd, m.Ack), nil
		})
	case MarkCompletedReq:
		actor.CallSingle(ctx, m, func() (*types.TermCmd, error) {
			if err := checkCmd(m.Cmd); err != nil {
				return nil, err
			}
			return a.c.MarkCmdCompleted(ctx.Context(), m.Cmd, m.Status, m.EndTm)
		})
	default:
		ctx.Logger().Warn("unexpected message", "type", fmt.Sprintf("%T", m))
	}
}

func (a *serviceActor) find(ctx context.Context, m FindCmdReq) (*types.TermCmd, error) {
	var (
		cmd *types.TermCmd
		ok  bool
		err error
	)
	switch {
	case m.ID != "":
		cmd, ok, err = a.c.FindCmd(ctx, m.ID)
	case m.ExternalID != "":
		cmd, ok, err = a.c.FindCmdByExternalID(ctx, m.ExternalID)
	default:
		return nil, errcode.InvalidParam("id")
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.NotFound("cmd")
	}
	return cmd, nil
}

func checkCmd(cmd *types.TermCmd) error {
	if cmd == nil || cmd.ID == "" {
		return errcode.InvalidParam("id")
	}
	return nil
}

func cmdKey(cmd *types.TermCmd) string {
	if cmd == nil {
		return ""
	}
	if cmd.ExternalID != "" {
		return cmd.ExternalID
	}
	return cmd.ID
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service is the request/reply front-end of a Commander.
type Service struct {
	ref     *actor.Ref
	c       *Commander
	timeout time.Duration
}

// StartService spawns the service actor in sys. askTimeout bounds the
// convenience methods below.
func StartService(sys *actor.System, c *Commander, askTimeout time.Duration) (*Service, error) {
	ref, err := sys.Spawn(ServiceName, &serviceActor{c: c})
	if err != nil {
		return nil, fmt.Errorf("termcmd: spawn service: %w", err)
	}
	if askTimeout <= 0 {
		askTimeout = actor.DefaultAskTimeout
	}
	return &Service{ref: ref, c: c, timeout: askTimeout}, nil
}

// Ref returns the service actor's address.
func (s *Service) Ref() *actor.Ref { return s.ref }

// Commander returns the wrapped Commander.
func (s *Service) Commander() *Commander { return s.c }

// Create asks the service to create cmd.
func (s *Service) Create(ctx context.Context, cmd *types.TermCmd, publish bool) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return CreateCmdReq{BaseRequest: actor.BaseRequest{Reply: r}, Cmd: cmd, Publish: publish}
	})
}

// Find asks for a cached command by id.
func (s *Service) Find(ctx context.Context, id string) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return FindCmdReq{BaseRequest: actor.BaseRequest{Reply: r}, ID: id}
	})
}

// FindByExternalID asks for a cached command by external id.
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return FindCmdReq{BaseRequest: actor.BaseRequest{Reply: r}, ExternalID: externalID}
	})
}

// MarkSent asks the service to mark cmd sent.
func (s *Service) MarkSent(ctx context.Context, cmd *types.TermCmd, sentTm int64, msgSn *int) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return MarkSentReq{BaseRequest: actor.BaseRequest{Reply: r}, Cmd: cmd, SentTm: sentTm, MsgSn: msgSn}
	})
}

// MarkAck asks the service to record an acknowledgement.
func (s *Service) MarkAck(ctx context.Context, cmd *types.TermCmd, ack Ack) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return MarkAckReq{BaseRequest: actor.BaseRequest{Reply: r}, Cmd: cmd, Ack: ack}
	})
}

// MarkCompleted asks the service to complete cmd.
func (s *Service) MarkCompleted(ctx context.Context, cmd *types.TermCmd, status types.Status, endTm int64) (*types.TermCmd, error) {
	return s.ask(ctx, func(r *actor.Ref) actor.Request {
		return MarkCompletedReq{BaseRequest: actor.BaseRequest{Reply: r}, Cmd: cmd, Status: status, EndTm: endTm}
	})
}

// ask returns the reply value, the reply's domain error, or a transport error
// (actor.ErrTimeout and friends).
func (s *Service) ask(ctx context.Context, factory func(*actor.Ref) actor.Request) (*types.TermCmd, error) {
	reply, err := actor.AskContext[*types.TermCmd](ctx, s.ref, factory, s.timeout)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return reply.Value, nil
}
