// Package inputpump implements the Input Pump (§4.6): a bounded-wait loop
// draining inbound channels into their bound child's stdin.
//
// Grounded on original_source's InputConnector.forward() (poll-then-write
// loop) generalized from a single connector to a fan-in set, the same
// shape the teacher's supervision loops use for their own tracked-set
// iteration in process_manager.go.
package inputpump

import (
	"context"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/procmodel"
	"go.uber.org/zap"
)

// Pump is the Input Pump (§4.6). Connectors are only ever touched from the
// Run goroutine; Register hands a connector off over a channel.
type Pump struct {
	log *zap.Logger
	cfg config.Config

	conns map[int64]*procmodel.InputConnector
	add   chan *procmodel.InputConnector
}

func New(log *zap.Logger, cfg config.Config) *Pump {
	return &Pump{
		log:   log.Named("inputpump"),
		cfg:   cfg,
		conns: make(map[int64]*procmodel.InputConnector),
		add:   make(chan *procmodel.InputConnector, 64),
	}
}

// Register schedules a connector to join the fan-in set on the next
// iteration (called by the Process Manager right after spawn).
func (p *Pump) Register(c *procmodel.InputConnector) {
	p.add <- c
}

// Run drives the bounded poll-and-forward loop until ctx is cancelled
// (§4.7 step 2). Each connector gets a zero-wait poll, and the loop sleeps
// ShutdownRespTimeout only when no connector had data, so it never stalls
// waiting on one quiet child while others have data ready.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.drainPending()

		if len(p.conns) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.ShutdownRespTimeout):
				continue
			}
		}

		idle := true
		for cuid, c := range p.conns {
			if c.Dead() {
				delete(p.conns, cuid)
				c.Close()
				continue
			}
			if !c.Poll(0) {
				continue
			}
			idle = false

			eof, err := c.Forward()
			if err != nil {
				p.log.Warn("stdin forward failed, closing connector", zap.Int64("c_uid", cuid), zap.Error(err))
				c.MarkDead()
			}
			if eof || err != nil {
				delete(p.conns, cuid)
				c.Close()
			}
		}

		if idle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.ShutdownRespTimeout):
			}
		}
	}
}

func (p *Pump) drainPending() {
	for {
		select {
		case c := <-p.add:
			p.conns[c.CUID] = c
		default:
			return
		}
	}
}
