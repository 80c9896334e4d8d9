// Package dispatch implements the Main Dispatch Loop (§4.1): decode every
// message arriving on LS's own inbound endpoint, route it to exactly one
// handler, and send any reply to the originator named by the message's
// target_uid.
//
// Grounded on original_source/server.py's big if/elif dispatch, turned
// into a type switch in handle() with one case per decoded message type,
// the way the teacher's internal/http/handler router maps method+path to a
// single function.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/primitives"
	"github.com/dragon-hpc/localservices/internal/processmgr"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"go.uber.org/zap"
)

// Router delivers an encoded response to the endpoint identified by a
// target_uid, and reports protocol violations for anything else (§4.1).
type Router struct {
	GSInputCUID  int64
	LauncherCUID int64

	// Send delivers raw to the channel bound to targetCUID. Both
	// GSInputCUID and LauncherCUID must resolve through it.
	Send func(targetCUID int64, raw []byte) error

	// OnProtocolViolation is called when a response names a target_uid
	// that is neither GS nor the launcher (§4.1: "any other value is a
	// protocol violation -> abnormal termination").
	OnProtocolViolation func(targetUID int64)
}

func (r *Router) route(targetUID int64, resp any) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	switch targetUID {
	case r.GSInputCUID, r.LauncherCUID:
		_ = r.Send(targetUID, raw)
	default:
		if r.OnProtocolViolation != nil {
			r.OnProtocolViolation(targetUID)
		}
	}
}

// Hooks are the side-effecting notification handlers that aren't simple
// request/response pairs (§4.1's second table).
type Hooks struct {
	OnGSHalted   func(*messages.GSHalted)
	OnTeardown   func()
	OnHaltTA     func()
	OnTAHalted   func()
	OnDumpState  func(filename string)

	// OnAbnormalTermination drives §4.1's "unknown or malformed messages
	// trigger abnormal termination" rule (§7 taxonomy item 5), matching
	// the original main_loop's parse-failure and unexpected-type branches.
	OnAbnormalTermination func(reason string)
}

// Loop is the Main Dispatch Loop (§4.1, §5: "one Main Dispatch thread").
type Loop struct {
	log   *zap.Logger
	cfg   config.Config
	inbox *primitives.Channel

	resources *resourcemgr.Manager
	processes *processmgr.Manager

	router Router
	hooks  Hooks
}

func New(log *zap.Logger, cfg config.Config, inbox *primitives.Channel, resources *resourcemgr.Manager, processes *processmgr.Manager, router Router, hooks Hooks) *Loop {
	return &Loop{
		log:       log.Named("dispatch"),
		cfg:       cfg,
		inbox:     inbox,
		resources: resources,
		processes: processes,
		router:    router,
		hooks:     hooks,
	}
}

// Run decodes and dispatches until ctx is cancelled (§4.7 step 1: "the
// main loop finishes draining its queue, then exits").
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drainQueue()
			return ctx.Err()
		default:
		}

		raw, ok, err := l.inbox.Recv(l.cfg.ShutdownRespTimeout)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		l.handleRaw(raw)
	}
}

// drainQueue processes whatever is already queued without blocking, the
// "main loop finishes draining" half of the shutdown sequence.
func (l *Loop) drainQueue() {
	for l.inbox.Poll(0) {
		raw, ok, err := l.inbox.Recv(0)
		if err != nil || !ok {
			return
		}
		l.handleRaw(raw)
	}
}

func (l *Loop) handleRaw(raw []byte) {
	msg, err := messages.Decode(raw)
	if err != nil {
		l.log.Warn("failed to decode inbound message", zap.Error(err))
		if l.hooks.OnAbnormalTermination != nil {
			l.hooks.OnAbnormalTermination(fmt.Sprintf("malformed message: %v", err))
		}
		return
	}
	l.handle(msg)
}

func (l *Loop) handle(msg any) {
	switch m := msg.(type) {
	case *messages.PoolCreate:
		l.handlePoolCreate(m)
	case *messages.PoolDestroy:
		l.handlePoolDestroy(m)
	case *messages.ChannelCreate:
		l.handleChannelCreate(m)
	case *messages.ChannelDestroy:
		l.handleChannelDestroy(m)
	case *messages.ProcessCreate:
		l.router.route(m.Target, l.processes.Create(m))
	case *messages.ProcessKill:
		l.router.route(m.Target, l.processes.Kill(m))
	case *messages.FwdInput:
		if resp := l.processes.FwdInput(m); resp != nil {
			l.router.route(m.Target, resp)
		}
	case *messages.GSHalted:
		if l.hooks.OnGSHalted != nil {
			l.hooks.OnGSHalted(m)
		}
	case *messages.Teardown:
		if l.hooks.OnTeardown != nil {
			l.hooks.OnTeardown()
		}
	case *messages.HaltTA:
		if l.hooks.OnHaltTA != nil {
			l.hooks.OnHaltTA()
		}
	case *messages.TAHalted:
		if l.hooks.OnTAHalted != nil {
			l.hooks.OnTAHalted()
		}
	case *messages.DumpState:
		if l.hooks.OnDumpState != nil {
			l.hooks.OnDumpState(m.Filename)
		}
	default:
		l.log.Warn("no handler for decoded message type", zap.String("type", fmt.Sprintf("%T", msg)))
		if l.hooks.OnAbnormalTermination != nil {
			l.hooks.OnAbnormalTermination(fmt.Sprintf("unexpected message type %T", msg))
		}
	}
}

func (l *Loop) handlePoolCreate(m *messages.PoolCreate) {
	p, err := l.resources.CreatePool(m.MUID, m.Size, m.Name)
	if err != nil {
		l.router.route(m.Target, &messages.PoolCreateResponse{Response: messages.NewFail(messages.TCPoolCreateResponse, m.Tag, err.Error())})
		return
	}
	l.router.route(m.Target, &messages.PoolCreateResponse{
		Response: messages.NewSuccess(messages.TCPoolCreateResponse, m.Tag),
		Desc:     p.Descriptor(),
	})
}

func (l *Loop) handlePoolDestroy(m *messages.PoolDestroy) {
	if err := l.resources.DestroyPool(m.MUID); err != nil {
		l.router.route(m.Target, &messages.PoolDestroyResponse{Response: messages.NewFail(messages.TCPoolDestroyResponse, m.Tag, err.Error())})
		return
	}
	l.router.route(m.Target, &messages.PoolDestroyResponse{Response: messages.NewSuccess(messages.TCPoolDestroyResponse, m.Tag)})
}

func (l *Loop) handleChannelCreate(m *messages.ChannelCreate) {
	ch, err := l.resources.CreateChannel(m.CUID, m.MUID, m.Options)
	if err != nil {
		l.router.route(m.Target, &messages.ChannelCreateResponse{Response: messages.NewFail(messages.TCChannelCreateResp, m.Tag, err.Error())})
		return
	}
	l.router.route(m.Target, &messages.ChannelCreateResponse{
		Response: messages.NewSuccess(messages.TCChannelCreateResp, m.Tag),
		Desc:     ch.Descriptor(),
	})
}

func (l *Loop) handleChannelDestroy(m *messages.ChannelDestroy) {
	if err := l.resources.DestroyChannel(m.CUID); err != nil {
		l.router.route(m.Target, &messages.ChannelDestroyResponse{Response: messages.NewFail(messages.TCChannelDestroyResp, m.Tag, err.Error())})
		return
	}
	l.router.route(m.Target, &messages.ChannelDestroyResponse{Response: messages.NewSuccess(messages.TCChannelDestroyResp, m.Tag)})
}
