// Package outputpump implements the Output Pump (§4.5): a single
// poll-driven loop multiplexing every child's stdout/stderr file handle,
// delivering chunks to outbound channels (or the launcher), and detecting
// the two terminate-via-output conditions (GSHalted on GS's stdout,
// any critical process writing to its stderr).
//
// Grounded on the spec's selector-based fan-in model together with the
// other_examples runc/containerd poll-driven I/O relay idiom; the
// teacher's processmgr instead spawns one goroutine per pipe
// (handleStdout/handleStderr scanning loops), which doesn't give a single
// interception point for GSHalted-on-stdout, so this package generalizes
// that into one unix.Poll loop over every registered connector's fd.
package outputpump

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/procmodel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// OnGSHalted is invoked when a GSHalted message is parsed off GS's stdout
// (§4.5 step 3); the caller routes it through the normal GSHalted handler.
type OnGSHalted func(msg *messages.GSHalted)

// OnAbnormal is invoked when output arrives where only a termination
// payload was expected and it didn't parse as one (§4.5 step 3).
type OnAbnormal func(reason string)

// Pump is the Output Pump (§4.5).
type Pump struct {
	log *zap.Logger
	cfg config.Config

	onGSHalted OnGSHalted
	onAbnormal OnAbnormal

	// conns, add and remove are only ever touched from the Run goroutine:
	// Register/Deregister hand connectors off over a channel instead of
	// locking, so the poll loop never contends with callers.
	conns map[uintptr]*procmodel.OutputConnector

	add    chan *procmodel.OutputConnector
	remove chan *procmodel.OutputConnector
}

func New(log *zap.Logger, cfg config.Config, onGSHalted OnGSHalted, onAbnormal OnAbnormal) *Pump {
	return &Pump{
		log:        log.Named("outputpump"),
		cfg:        cfg,
		onGSHalted: onGSHalted,
		onAbnormal: onAbnormal,
		conns:      make(map[uintptr]*procmodel.OutputConnector),
		add:        make(chan *procmodel.OutputConnector, 64),
		remove:     make(chan *procmodel.OutputConnector, 64),
	}
}

// Register schedules a connector to join the poll set on the next loop
// iteration (§4.5; called by the Process Manager right after spawn).
func (p *Pump) Register(c *procmodel.OutputConnector) {
	p.add <- c
}

// Deregister schedules a connector's removal (called by the Death Reaper
// on reap; on EOF the pump removes and closes the connector itself).
func (p *Pump) Deregister(c *procmodel.OutputConnector) {
	p.remove <- c
}

// Run drives the poll loop until ctx is cancelled (§4.7 step 2).
func (p *Pump) Run(ctx context.Context) error {
	timeoutMS := int(p.cfg.ShutdownRespTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 1
	}

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

		fds := make([]unix.PollFd, 0, len(p.conns))
		owners := make([]*procmodel.OutputConnector, 0, len(p.conns))
		for _, c := range p.conns {
			fds = append(fds, unix.PollFd{Fd: int32(c.Fd()), Events: unix.POLLIN})
			owners = append(owners, c)
		}

		n, err := unix.Poll(fds, timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Warn("poll failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			p.service(owners[i], pfd.Revents)
		}
	}
}

func (p *Pump) drainPending() {
	for {
		select {
		case c := <-p.add:
			p.conns[c.Fd()] = c
		case c := <-p.remove:
			delete(p.conns, c.Fd())
			c.Close()
		default:
			return
		}
	}
}

func (p *Pump) service(c *procmodel.OutputConnector, revents int16) {
	buf := make([]byte, messages.FwdOutputMax)
	n, err := c.File.Read(buf)

	if n > 0 {
		p.handleData(c, buf[:n])
	}

	if err != nil {
		if err != io.EOF {
			p.log.Debug("output read error, closing connector", zap.Int64("p_uid", c.PUID), zap.Error(err))
		}
		delete(p.conns, c.Fd())
		c.Close()
		return
	}

	if revents&(unix.POLLHUP|unix.POLLERR) != 0 && n == 0 {
		delete(p.conns, c.Fd())
		c.Close()
	}
}

// handleData implements §4.5 step 3 for GS's stdout and any critical
// process's stderr; everything else goes through Deliver/chunking.
func (p *Pump) handleData(c *procmodel.OutputConnector, data []byte) {
	if c.GSStdout || c.CriticalProc {
		if msg, err := messages.Decode(data); err == nil {
			if halted, ok := msg.(*messages.GSHalted); ok {
				if p.onGSHalted != nil {
					p.onGSHalted(halted)
				}
				// §4.5 step 3: mark EOF on GS's stdout once GSHalted has
				// been parsed off it — nothing more is ever expected on
				// this stream, so stop polling it.
				delete(p.conns, c.Fd())
				c.Close()
				return
			}
		}
		if p.onAbnormal != nil {
			p.onAbnormal(fmt.Sprintf("unexpected output on termination-only stream for p_uid %d", c.PUID))
		}
		return
	}

	if err := c.Deliver(data, messages.ChunkSize); err != nil {
		p.log.Warn("failed to deliver output", zap.Int64("p_uid", c.PUID), zap.Error(err))
	}
}
