// Package shutdown implements the Shutdown Controller (§4.7): the three
// latches (LS shutdown, GS-gone, TA-gone), supervision of the
// long-running loops, and the terminal teardown sequence.
//
// Grounded on golang.org/x/sync/errgroup, which the examples pack reaches
// for wherever a fixed set of goroutines must all be cancelled together
// and their first error observed — the Go idiom for the spec's "installed
// thread-exception hook" (§7 taxonomy item 6), since Go has no ambient
// per-thread exception hook to install.
package shutdown

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToLauncher sends a framed message to the launcher back-end (§4.7 step 4,
// §7 abnormal termination procedure).
type ToLauncher func(msg any) error

// Killer terminates every surviving child and waits up to KillWait in total
// (one shared deadline, not one per child), implemented by
// processmgr.Manager plus the process table.
type Killer interface {
	KillAllAndWait(wait time.Duration)
}

// Controller owns the three shutdown latches and drives the terminal
// sequence (§4.7).
type Controller struct {
	log        *zap.Logger
	cfg        config.Config
	resources  *resourcemgr.Manager
	killer     Killer
	toLauncher ToLauncher

	lsShutdown atomic.Bool
	gsGone     atomic.Bool
	taGone     atomic.Bool

	cancel context.CancelFunc
}

func New(log *zap.Logger, cfg config.Config, resources *resourcemgr.Manager, killer Killer, toLauncher ToLauncher) *Controller {
	return &Controller{
		log:        log.Named("shutdown"),
		cfg:        cfg,
		resources:  resources,
		killer:     killer,
		toLauncher: toLauncher,
	}
}

// LSShuttingDown reports whether the LS shutdown latch is set.
func (c *Controller) LSShuttingDown() bool { return c.lsShutdown.Load() }

// GSGone reports whether the GS-gone latch is set.
func (c *Controller) GSGone() bool { return c.gsGone.Load() }

// TAGone reports whether the TA-gone latch is set.
func (c *Controller) TAGone() bool { return c.taGone.Load() }

// OnTeardown sets the LS shutdown latch (§4.7: "Teardown -> LS shutdown").
func (c *Controller) OnTeardown() {
	c.log.Info("teardown received, setting LS shutdown latch")
	c.triggerShutdown()
}

// OnGSHalted sets the GS-gone latch and forwards GSHalted to the launcher
// exactly once (§5 ordering guarantee), regardless of whether it arrived
// as a message or was parsed off GS's stdout.
func (c *Controller) OnGSHalted(msg *messages.GSHalted) {
	if c.gsGone.Swap(true) {
		return // already delivered once
	}
	if err := c.toLauncher(msg); err != nil {
		c.log.Warn("failed to forward GSHalted to launcher", zap.Error(err))
	}
}

// OnHaltTA is the inbound directive to stop the Transport Agent; LS itself
// only reacts to TAHalted, so this is a pass-through hook for callers that
// need to relay it (kept symmetric with OnTeardown/OnTAHalted).
func (c *Controller) OnHaltTA() {}

// OnTAHalted sets the TA-gone latch (§4.7).
func (c *Controller) OnTAHalted() {
	c.taGone.Store(true)
}

// AbnormalTermination is the single procedure of §7: send
// AbnormalTermination to the launcher, log at Error (zap has no CRITICAL
// level; this is the documented mapping), and set the LS shutdown latch.
func (c *Controller) AbnormalTermination(reason string) {
	c.log.Error("abnormal termination", zap.String("reason", reason))
	msg := &messages.AbnormalTermination{
		Envelope: messages.Envelope{TC: messages.TCAbnormalTermination, Tag: messages.NextTag()},
		ErrInfo:  reason,
	}
	if err := c.toLauncher(msg); err != nil {
		c.log.Warn("failed to send AbnormalTermination to launcher", zap.Error(err))
	}
	c.triggerShutdown()
}

// OnProtocolViolation is error taxonomy item 5 (§7): unparseable message or
// unknown target_uid on a well-formed request.
func (c *Controller) OnProtocolViolation(targetUID int64) {
	c.AbnormalTermination(fmt.Sprintf("protocol violation: unknown target_uid %d", targetUID))
}

func (c *Controller) triggerShutdown() {
	if c.lsShutdown.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Supervise runs the given long-running loops under an errgroup (§5
// "preemptive threads ... one Main Dispatch thread plus three workers";
// main also passes the diagnostics server, making five).
// A panic in any loop is recovered and converted into an abnormal
// termination (§7 taxonomy item 6), the Go analogue of an installed
// thread-exception hook. Supervise blocks until every loop has exited, at
// which point the terminal sequence (§4.7 steps 3-5) runs. The join has no
// time bound: cfg.QuiesceTime is not consulted, and a loop that never
// returns keeps Supervise waiting.
func (c *Controller) Supervise(ctx context.Context, loops map[string]func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, loop := range loops {
		name, loop := name, loop
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s panicked: %v", name, r)
				}
			}()
			return loop(gctx)
		})
	}

	err := g.Wait()
	if err != nil && err != context.Canceled {
		c.AbnormalTermination(err.Error())
	}

	c.runTerminalSequence()
	return err
}

// runTerminalSequence implements §4.7 steps 4-5 once the loops have been
// joined by g.Wait() above: HaltBE to the launcher, then cleanup(), with
// KillWait bounding the wait for killed children.
func (c *Controller) runTerminalSequence() {
	halt := &messages.HaltBE{Envelope: messages.Envelope{TC: messages.TCHaltBE, Tag: messages.NextTag()}}
	if err := c.toLauncher(halt); err != nil { // step 4
		c.log.Warn("failed to send HaltBE to launcher", zap.Error(err))
	}

	c.killer.KillAllAndWait(c.cfg.KillWait) // step 5: kill every surviving child
	c.resources.Shutdown()                  // step 5: then destroy every channel and pool
}
