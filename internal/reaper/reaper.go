// Package reaper implements the Death Reaper (§4.4): a non-blocking
// waitpid loop that reclaims exited children, emits ProcessExit
// notifications, and escalates critical-process deaths.
//
// Grounded on the other_examples runc/containerd non-blocking-wait idiom
// (wait4(-1, WNOHANG) in a sleep-on-empty loop) and the teacher's
// reap-once-per-pid discipline in process_manager.go, generalized from
// cmd.Wait() (which only reaps a pid this process itself forked and is
// still tracking via goroutine) to a raw wait4 loop that can reap any
// child, matching the spec's "one thread reaps everything" model.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/procmodel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Table is the subset of processmgr.Manager the reaper needs.
type Table interface {
	RemoveByPID(pid int) (*procmodel.Record, bool)
}

// OutputPump lets the reaper tell the Output Pump a connector's writer
// has gone away, so pending reads get one final drain before close (§4.4
// step 5, §4.5).
type OutputPump interface {
	Deregister(c *procmodel.OutputConnector)
}

// Escalation is invoked when a critical process exits abnormally (§4.4
// step 4); the shutdown controller supplies this.
type Escalation func(reason string)

// Latches reports the Shutdown Controller's current latch state, so §4.4
// step 4's escalation condition can be gated on it rather than on the exit
// code (the shutdown controller supplies this).
type Latches interface {
	LSShuttingDown() bool
	GSGone() bool
	TAGone() bool
}

// Emit delivers a decoded ProcessExit to its destination (GS, by default,
// or the requester that set return_cuid) (§4.4 step 3).
type Emit func(rec *procmodel.Record, exit messages.ProcessExit)

// Reaper is the Death Reaper loop (§4.4).
type Reaper struct {
	log        *zap.Logger
	cfg        config.Config
	table      Table
	outputPump OutputPump
	emit       Emit
	escalate   Escalation
	latches    Latches
}

func New(log *zap.Logger, cfg config.Config, table Table, outputPump OutputPump, emit Emit, escalate Escalation, latches Latches) *Reaper {
	return &Reaper{
		log:        log.Named("reaper"),
		cfg:        cfg,
		table:      table,
		outputPump: outputPump,
		emit:       emit,
		escalate:   escalate,
		latches:    latches,
	}
}

// Run drains exited children until ctx is cancelled (§4.4, §4.7 step 2).
// It never blocks in wait4 itself — WNOHANG makes every call return
// immediately, and the loop sleeps cfg.ShutdownRespTimeout when nothing was reaped, the
// same back-off shape as the other_examples runc reaper.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drainFinal()
			return ctx.Err()
		default:
		}

		reaped := r.reapOnce()
		if !reaped {
			select {
			case <-ctx.Done():
				r.drainFinal()
				return ctx.Err()
			case <-time.After(r.cfg.ShutdownRespTimeout):
			}
		}
	}
}

// reapOnce makes one non-blocking wait4(-1, WNOHANG) call and processes at
// most one exit. It reports whether it reaped anything.
func (r *Reaper) reapOnce() bool {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
	if err != nil || pid <= 0 {
		return false
	}

	rec, ok := r.table.RemoveByPID(pid)
	if !ok {
		// Reaped something this table never registered (e.g. a grandchild
		// that got reparented to us); nothing more to do.
		return true
	}
	if rec.MarkReaped() {
		return true
	}

	r.finalizeExit(rec, status)
	return true
}

// drainFinal performs one last zero-timeout reap pass at LS shutdown
// (§4.7 step 2: "Death Reaper does one final zero-timeout wait").
func (r *Reaper) drainFinal() {
	for r.reapOnce() {
	}
}

func (r *Reaper) finalizeExit(rec *procmodel.Record, status unix.WaitStatus) {
	if rec.StdoutConnector != nil {
		r.outputPump.Deregister(rec.StdoutConnector)
	}
	if rec.StderrConnector != nil {
		r.outputPump.Deregister(rec.StderrConnector)
	}
	if rec.StdinConnector != nil {
		rec.StdinConnector.MarkDead()
		rec.StdinConnector.Close()
	}

	exitCode := exitCodeOf(status)
	r.emit(rec, messages.ProcessExit{
		Envelope: messages.Envelope{TC: messages.TCProcessExit, Tag: messages.NextTag()},
		PUID:     rec.PUID,
		ExitCode: exitCode,
	})

	if r.shouldEscalate(rec) {
		r.escalate(abnormalReason(rec, status))
	}
}

// shouldEscalate implements §4.4 step 4's gate as the original states it
// (server.py:1093-1108): a critical process's death escalates unless LS is
// already shutting down, or the death is the already-expected departure of
// GS (p_uid == GSPUID, GS-gone latch set) or TA (p_uid == TAPUID, TA-gone
// latch set). The exit code plays no part: an uncommanded critical death,
// even a clean exit 0, is abnormal.
func (r *Reaper) shouldEscalate(rec *procmodel.Record) bool {
	if !rec.Critical || r.latches.LSShuttingDown() {
		return false
	}
	if rec.PUID == r.cfg.GSPUID && r.latches.GSGone() {
		return false
	}
	if rec.PUID == r.cfg.TAPUID && r.latches.TAGone() {
		return false
	}
	return true
}

func exitCodeOf(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return -int(status.Signal())
	default:
		return -1
	}
}

func abnormalReason(rec *procmodel.Record, status unix.WaitStatus) string {
	if status.Signaled() {
		return fmt.Sprintf("critical process p_uid=%d killed by signal %s", rec.PUID, status.Signal())
	}
	return fmt.Sprintf("critical process p_uid=%d exited with code %d", rec.PUID, status.ExitStatus())
}
