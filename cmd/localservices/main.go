// Command localservices is the Dragon Local Services node agent entry
// point: it wires the Resource Manager, Process Manager, Death Reaper,
// Output/Input Pumps, Main Dispatch Loop, Shutdown Controller and
// diagnostics surface together and runs until torn down.
//
// Grounded on the teacher's cmd/zmux-server/main.go wiring style (explicit
// construction, no DI framework, zap.NewDevelopmentConfig with a
// colorized level encoder and no timestamp/caller noise).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/diag"
	"github.com/dragon-hpc/localservices/internal/dispatch"
	"github.com/dragon-hpc/localservices/internal/inputpump"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/outputpump"
	"github.com/dragon-hpc/localservices/internal/primitives"
	"github.com/dragon-hpc/localservices/internal/procmodel"
	"github.com/dragon-hpc/localservices/internal/processmgr"
	"github.com/dragon-hpc/localservices/internal/reaper"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"github.com/dragon-hpc/localservices/internal/shutdown"
	"github.com/dragon-hpc/localservices/pkg/fmtt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Well-known c_uids for the two endpoints the dispatch router knows how to
// address (§4.1). A real deployment learns these from the launcher at
// boot; this reference build fixes them, the same way it fixes the infra
// pool's m_uid below.
const (
	lsInboxCUID    = 1
	gsInputCUID    = 2
	launcherCUID   = 3
	infraPoolMUID  = 1
	infraPoolBytes = 16 << 20
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	bootID := uuid.New()
	log.Info("starting local services", zap.String("boot_id", bootID.String()))

	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resources := resourcemgr.New(log)
	if _, err := resources.CreatePool(infraPoolMUID, infraPoolBytes, "infra"); err != nil {
		log.Fatal("failed to create infrastructure pool", zap.Error(err))
	}

	inbox := primitives.NewChannel(lsInboxCUID, infraPoolMUID, 256)
	transport := newStdioTransport(log)

	toLauncher := func(msg any) error {
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return transport.Send(launcherCUID, raw)
	}

	var procs *processmgr.Manager
	ctl := shutdown.New(log, cfg, resources, killerFunc(func() *processmgr.Manager { return procs }), toLauncher)

	outPump := outputpump.New(log, cfg,
		func(msg *messages.GSHalted) { ctl.OnGSHalted(msg) },
		func(reason string) { ctl.AbnormalTermination(reason) },
	)
	inPump := inputpump.New(log, cfg)

	procs = processmgr.New(processmgr.Deps{
		Log:        log,
		Cfg:        cfg,
		Resources:  resources,
		OutputPump: outPump,
		InputPump:  inPump,
		ToLauncher: func(fo messages.FwdOutput) error {
			raw, err := json.Marshal(fo)
			if err != nil {
				return err
			}
			return transport.Send(launcherCUID, raw)
		},
		InfraPoolMUID: infraPoolMUID,
	})

	reap := reaper.New(log, cfg, procs, outPump, emitExit(transport), func(reason string) { ctl.AbnormalTermination(reason) }, ctl)

	router := dispatch.Router{
		GSInputCUID:  gsInputCUID,
		LauncherCUID: launcherCUID,
		Send:         transport.Send,
		OnProtocolViolation: ctl.OnProtocolViolation,
	}
	diagServer := diag.NewServer(log, cfg, resources, procs, ctl)
	hooks := dispatch.Hooks{
		OnGSHalted:            ctl.OnGSHalted,
		OnTeardown:            ctl.OnTeardown,
		OnHaltTA:              ctl.OnHaltTA,
		OnTAHalted:            ctl.OnTAHalted,
		OnDumpState:           diagServer.DumpState,
		OnAbnormalTermination: ctl.AbnormalTermination,
	}
	loop := dispatch.New(log, cfg, inbox, resources, procs, router, hooks)

	go transport.ReadInto(inbox)

	err := ctl.Supervise(ctx, map[string]func(context.Context) error{
		"dispatch":   loop.Run,
		"reaper":     reap.Run,
		"outputpump": outPump.Run,
		"inputpump":  inPump.Run,
		"diag":       diagServer.Run,
	})

	if err != nil && err != context.Canceled {
		log.Warn("local services stopped with error", zap.Error(err))
		fmtt.PrintErrChain(err)
		os.Exit(1)
	}
	log.Info("local services stopped")
}

// killerFunc adapts a lazily-available *processmgr.Manager (it's
// constructed after the Shutdown Controller, which needs to reference it)
// into a shutdown.Killer.
type killerFunc func() *processmgr.Manager

func (f killerFunc) KillAllAndWait(wait time.Duration) {
	if m := f(); m != nil {
		m.KillAllAndWait(wait)
	}
}

// emitExit builds the reaper.Emit callback: ProcessExit goes to the
// requester's return_cuid if one was given at ProcessCreate time,
// otherwise to GS (§4.4 step 3).
func emitExit(transport *stdioTransport) func(rec *procmodel.Record, exit messages.ProcessExit) {
	return func(rec *procmodel.Record, exit messages.ProcessExit) {
		target := int64(gsInputCUID)
		if rec.ReturnCUID != nil {
			target = *rec.ReturnCUID
		}
		raw, err := json.Marshal(exit)
		if err != nil {
			return
		}
		_ = transport.Send(target, raw)
	}
}

// stdioTransport is the reference "launcher/GS endpoint" wiring for this
// single-node build: newline-delimited JSON in on stdin, newline-delimited
// "target_uid raw_json" frames out on stdout. A production deployment
// replaces this with the real cross-node gateway transport (§1: network
// transport implementation is explicitly out of scope).
type stdioTransport struct {
	log *zap.Logger
	out *bufio.Writer
	mu  sync.Mutex
}

func newStdioTransport(log *zap.Logger) *stdioTransport {
	return &stdioTransport{log: log.Named("transport"), out: bufio.NewWriter(os.Stdout)}
}

func (t *stdioTransport) Send(targetCUID int64, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.out, "%d %s\n", targetCUID, raw); err != nil {
		return err
	}
	return t.out.Flush()
}

// ReadInto feeds every line from stdin into inbox as a raw message. It
// runs for the process lifetime; there is no clean way to interrupt a
// blocked stdin read short of closing the descriptor, so this goroutine
// is not part of the supervised errgroup (it has nothing left to forward
// to once inbox's owner has shut down, and exits on stdin EOF).
func (t *stdioTransport) ReadInto(inbox *primitives.Channel) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), messages.FwdInputMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := inbox.Send(cp); err != nil {
			t.log.Warn("failed to enqueue inbound message", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("stdin transport closed with error", zap.Error(err))
	}
}
