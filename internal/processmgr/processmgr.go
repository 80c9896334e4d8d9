// Package processmgr implements the Process Manager (§4.3): ProcessCreate,
// ProcessKill, and FwdInput, plus the environment-merge, stdio-plumbing, PMI
// wire-up, and CPU-affinity steps ProcessCreate requires.
//
// Grounded on the teacher's processmgr.process_manager.go spawn/supervise
// pipeline (SysProcAttr{Setpgid,Pdeathsig}, stderr draining, SIGTERM→SIGKILL
// escalation in KillAllAndWait) generalized from a single fixed-shape process to the
// spec's full ProcessCreate request surface.
package processmgr

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/primitives"
	"github.com/dragon-hpc/localservices/internal/procmodel"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyExists = errors.New("processmgr: t_p_uid already registered")
	ErrNotFound      = errors.New("processmgr: p_uid not found")
)

// OutputRegistrar is implemented by the Output Pump (§4.5).
type OutputRegistrar interface {
	Register(c *procmodel.OutputConnector)
}

// InputRegistrar is implemented by the Input Pump (§4.6).
type InputRegistrar interface {
	Register(c *procmodel.InputConnector)
}

// Deps are the Process Manager's external collaborators, injected at
// construction to keep processmgr free of import cycles with the pumps and
// dispatch layer.
type Deps struct {
	Log        *zap.Logger
	Cfg        config.Config
	Resources  *resourcemgr.Manager
	OutputPump OutputRegistrar
	InputPump  InputRegistrar
	// ToLauncher frames and delivers stdout/stderr bytes that have no
	// outbound channel, or whose channel consumer died (§4.5).
	ToLauncher func(messages.FwdOutput) error
	// InfraPoolMUID is the pool PMI launch channels (§4.3 step 6) are
	// allocated from.
	InfraPoolMUID int64
}

// Manager is the Process Manager (§4.3). It maintains the process table
// (pid -> record, p_uid -> pid) under a single mutex (§5).
type Manager struct {
	deps Deps
	log  *zap.Logger

	mu     sync.Mutex
	byPID  map[int]*procmodel.Record
	byPUID map[int64]int
}

func New(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		log:    deps.Log.Named("processmgr"),
		byPID:  make(map[int]*procmodel.Record),
		byPUID: make(map[int64]int),
	}
}

// Lookup returns the record for a p_uid, used by Create's duplicate check,
// Kill and FwdInput.
func (m *Manager) Lookup(puid int64) (*procmodel.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.byPUID[puid]
	if !ok {
		return nil, false
	}
	rec, ok := m.byPID[pid]
	return rec, ok
}

// RemoveByPID removes and returns the record reaped for pid (Death Reaper
// step 1, §4.4). Unknown pid returns ok=false.
func (m *Manager) RemoveByPID(pid int) (*procmodel.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byPID[pid]
	if !ok {
		return nil, false
	}
	delete(m.byPID, pid)
	delete(m.byPUID, rec.PUID)
	return rec, true
}

// Snapshot returns the live p_uids, for diagnostics (§4.8) and DumpState.
func (m *Manager) Snapshot() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.byPUID))
	for puid := range m.byPUID {
		out = append(out, puid)
	}
	return out
}

// spawnPlumbing tracks the parent-side file handles that must be closed
// once the child has Start()ed (the child keeps its own dup'd copy),
// alongside the connectors the rest of LS keeps using afterward.
type spawnPlumbing struct {
	closeAfterStart []*os.File

	stdinConn  *procmodel.InputConnector
	stdoutConn *procmodel.OutputConnector
	stderrConn *procmodel.OutputConnector
	stdoutDesc string
	stderrDesc string
}

func (p *spawnPlumbing) closeAll() {
	for _, f := range p.closeAfterStart {
		_ = f.Close()
	}
}

// Create implements ProcessCreate (§4.3).
func (m *Manager) Create(req *messages.ProcessCreate) *messages.ProcessCreateResponse {
	if _, exists := m.Lookup(req.TPUID); exists {
		return fail(req.Envelope.Tag, fmt.Sprintf("%v: t_p_uid=%d", ErrAlreadyExists, req.TPUID))
	}

	env := mergeEnv(req.Env)
	cmd := exec.Command(req.Exe, req.Args...)
	cmd.Dir = req.RunDir
	applySysProcAttr(cmd)

	plumbing := &spawnPlumbing{}

	if err := m.plumbStdin(req, cmd, plumbing); err != nil {
		return fail(req.Envelope.Tag, fmt.Sprintf("stdin plumbing: %v", err))
	}
	if err := m.plumbStdout(req, env, cmd, plumbing); err != nil {
		plumbing.closeAll()
		return fail(req.Envelope.Tag, fmt.Sprintf("stdout plumbing: %v", err))
	}
	if err := m.plumbStderr(req, env, cmd, plumbing); err != nil {
		plumbing.closeAll()
		return fail(req.Envelope.Tag, fmt.Sprintf("stderr plumbing: %v", err))
	}

	var pmodCh *primitives.Channel
	if req.PMIInfo != nil {
		ch, err := m.plumbPMI(*req.PMIInfo, env)
		if err != nil {
			plumbing.closeAll()
			return fail(req.Envelope.Tag, fmt.Sprintf("pmi plumbing: %v", err))
		}
		pmodCh = ch
	}

	cmd.Env = envToSlice(env)

	m.mu.Lock()
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		plumbing.closeAll()
		// Channels created above are intentionally left
		// allocated on this failure path, reproducing the leak documented
		// in SPEC_FULL.md §9 rather than unwinding it.
		return fail(req.Envelope.Tag, fmt.Sprintf("spawn: %v", err))
	}
	plumbing.closeAll()

	rec := &procmodel.Record{
		PUID:            req.TPUID,
		PID:             cmd.Process.Pid,
		Critical:        req.Critical,
		ReturnCUID:      req.ReturnCUID,
		StdinReq:        procmodel.Disposition(req.StdinReq),
		StdoutReq:       procmodel.Disposition(req.StdoutReq),
		StderrReq:       procmodel.Disposition(req.StderrReq),
		StdinConnector:  plumbing.stdinConn,
		StdoutConnector: plumbing.stdoutConn,
		StderrConnector: plumbing.stderrConn,
		Cmd:             cmd,
	}
	m.byPID[rec.PID] = rec
	m.byPUID[rec.PUID] = rec.PID
	m.mu.Unlock()

	// Step 8 (§4.3): affinity reset, with the documented grandchild race.
	if err := setAffinityAllCores(rec.PID); err != nil {
		m.log.Warn("failed to set CPU affinity", zap.Int("pid", rec.PID), zap.Error(err))
	}

	if plumbing.stdinConn != nil {
		m.deps.InputPump.Register(plumbing.stdinConn)
	}
	if plumbing.stdoutConn != nil {
		m.deps.OutputPump.Register(plumbing.stdoutConn)
	}
	if plumbing.stderrConn != nil {
		m.deps.OutputPump.Register(plumbing.stderrConn)
	}

	if pmodCh != nil {
		if err := pmodCh.Send(pmiWireupRecord(*req.PMIInfo)); err != nil {
			m.log.Warn("failed to send PMI wire-up record", zap.Int64("p_uid", rec.PUID), zap.Error(err))
		}
	}

	if req.InitialStdin != "" && plumbing.stdinConn != nil {
		if err := plumbing.stdinConn.WriteDirect([]byte(req.InitialStdin + "\n")); err != nil {
			m.log.Warn("failed to write initial stdin", zap.Int64("p_uid", rec.PUID), zap.Error(err))
		}
	}

	resp := &messages.ProcessCreateResponse{
		Response:   messages.NewSuccess(messages.TCProcessCreateResp, req.Envelope.Tag),
		PUID:       rec.PUID,
		PID:        rec.PID,
		StdoutDesc: plumbing.stdoutDesc,
		StderrDesc: plumbing.stderrDesc,
	}
	if req.StdinChan != nil {
		if ch, ok := m.deps.Resources.Channel(req.StdinChan.CUID); ok {
			resp.StdinDesc = ch.Descriptor()
		}
	}
	return resp
}

// plumbStdin implements §4.3 step 3.
func (m *Manager) plumbStdin(req *messages.ProcessCreate, cmd *exec.Cmd, p *spawnPlumbing) error {
	if req.StdinChan == nil {
		return nil
	}
	conn, err := m.makeInboundConnection(*req.StdinChan)
	if err != nil {
		return err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdin = r
	p.closeAfterStart = append(p.closeAfterStart, r)
	conn.Attach()
	p.stdinConn = procmodel.NewInputConnector(req.StdinChan.CUID, conn, w)
	return nil
}

// plumbStdout implements §4.3 step 4.
func (m *Manager) plumbStdout(req *messages.ProcessCreate, env map[string]string, cmd *exec.Cmd, p *spawnPlumbing) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = w
	p.closeAfterStart = append(p.closeAfterStart, w)

	// When stderr is merged onto stdout (DispStdout, §4.3 step 5), no
	// separate stderr connector ever exists, so the §4.5 critical-stderr
	// escalation path has to be reachable through the merged stdout
	// connector instead — otherwise a critical process with stderr=STDOUT
	// could never trip it.
	mergedCritical := req.Critical && req.StderrReq == messages.DispStdout

	switch {
	case req.StdoutChan != nil:
		ch, cerr := m.deps.Resources.CreateChannel(req.StdoutChan.CUID, req.StdoutChan.MUID, req.StdoutChan.Options)
		if cerr != nil {
			return cerr
		}
		outConn := primitives.NewConnection(ch, primitives.OutboundOnly, primitives.User, req.StdoutChan.Options.MinBlockSize)
		outConn.Attach()
		p.stdoutDesc = ch.Descriptor()
		env[config.EnvStdoutDesc] = p.stdoutDesc
		p.stdoutConn = procmodel.NewChannelOutputConnector(req.TPUID, 1, r, outConn, true, mergedCritical, m.launcherSink(req, 1))

	case env[config.EnvStdoutDesc] != "":
		if ch, ok := m.attachForeignChannel(env[config.EnvStdoutDesc]); ok {
			outConn := primitives.NewConnection(ch, primitives.OutboundOnly, primitives.User, 0)
			outConn.Attach()
			p.stdoutDesc = env[config.EnvStdoutDesc]
			p.stdoutConn = procmodel.NewChannelOutputConnector(req.TPUID, 1, r, outConn, false, mergedCritical, m.launcherSink(req, 1))
		} else {
			// Foreign/cross-node descriptor this node cannot locally
			// attach to: fall back to forwarding to the launcher (case c).
			p.stdoutConn = procmodel.NewLauncherOutputConnector(req.TPUID, 1, r, mergedCritical, m.launcherSink(req, 1))
		}

	default:
		p.stdoutConn = procmodel.NewLauncherOutputConnector(req.TPUID, 1, r, mergedCritical, m.launcherSink(req, 1))
	}

	if p.stdoutConn != nil && req.TPUID == m.deps.Cfg.GSPUID {
		p.stdoutConn.GSStdout = true
	}

	return nil
}

// plumbStderr implements §4.3 step 5.
func (m *Manager) plumbStderr(req *messages.ProcessCreate, env map[string]string, cmd *exec.Cmd, p *spawnPlumbing) error {
	switch req.StderrReq {
	case messages.DispStdout:
		// Reuse the stdout pipe; the OS merges both streams into the same
		// write-end, and the stdout descriptor is propagated as the stderr
		// environment variable too.
		cmd.Stderr = cmd.Stdout
		env[config.EnvStderrDesc] = p.stdoutDesc
		p.stderrDesc = p.stdoutDesc
		return nil

	case messages.DispDevNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		cmd.Stderr = devnull
		p.closeAfterStart = append(p.closeAfterStart, devnull)
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stderr = w
	p.closeAfterStart = append(p.closeAfterStart, w)

	critical := req.Critical

	switch {
	case req.StderrChan != nil:
		ch, cerr := m.deps.Resources.CreateChannel(req.StderrChan.CUID, req.StderrChan.MUID, req.StderrChan.Options)
		if cerr != nil {
			return cerr
		}
		outConn := primitives.NewConnection(ch, primitives.OutboundOnly, primitives.User, req.StderrChan.Options.MinBlockSize)
		outConn.Attach()
		p.stderrDesc = ch.Descriptor()
		env[config.EnvStderrDesc] = p.stderrDesc
		p.stderrConn = procmodel.NewChannelOutputConnector(req.TPUID, 2, r, outConn, true, critical, m.launcherSink(req, 2))

	case env[config.EnvStderrDesc] != "":
		if ch, ok := m.attachForeignChannel(env[config.EnvStderrDesc]); ok {
			outConn := primitives.NewConnection(ch, primitives.OutboundOnly, primitives.User, 0)
			outConn.Attach()
			p.stderrDesc = env[config.EnvStderrDesc]
			p.stderrConn = procmodel.NewChannelOutputConnector(req.TPUID, 2, r, outConn, false, critical, m.launcherSink(req, 2))
		} else {
			p.stderrConn = procmodel.NewLauncherOutputConnector(req.TPUID, 2, r, critical, m.launcherSink(req, 2))
		}

	default:
		p.stderrConn = procmodel.NewLauncherOutputConnector(req.TPUID, 2, r, critical, m.launcherSink(req, 2))
	}

	return nil
}

func (m *Manager) attachForeignChannel(desc string) (*primitives.Channel, bool) {
	cuid, _, err := primitives.DecodeChannelDescriptor(desc)
	if err != nil {
		return nil, false
	}
	return m.deps.Resources.Channel(cuid)
}

// plumbPMI implements §4.3 step 6.
func (m *Manager) plumbPMI(info messages.PMIInfo, env map[string]string) (*primitives.Channel, error) {
	cuid := pmodChannelCUID(info.HostID, info.JobID, info.LocalRank)
	ch, err := m.deps.Resources.CreateChannel(cuid, m.deps.InfraPoolMUID, messages.ChannelOptions{Policy: "infrastructure"})
	if err != nil {
		// Already allocated by a prior rank's request racing this one:
		// reuse rather than fail the whole launch.
		if existing, ok := m.deps.Resources.Channel(cuid); ok {
			ch = existing
		} else {
			return nil, err
		}
	}

	env[config.EnvPmodChildChannel] = ch.Descriptor()
	env[config.EnvPMIControlPort] = fmt.Sprintf("%d", info.ControlPort)
	env[config.EnvMPICHOfiCxiPidBase] = fmt.Sprintf("%d", info.PIDBase)
	if info.PreloadPath != "" {
		env[config.EnvPMIPreloadPath] = info.PreloadPath
	}
	return ch, nil
}

// pmodChannelCUID deterministically derives a c_uid from (host_id, job_id,
// local_rank), matching §4.3 step 6's "deterministic function of" contract.
func pmodChannelCUID(hostID, jobID, localRank int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "pmod:%d:%d:%d", hostID, jobID, localRank)
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func pmiWireupRecord(info messages.PMIInfo) []byte {
	return []byte(fmt.Sprintf(`{"host_id":%d,"job_id":%d,"local_rank":%d}`, info.HostID, info.JobID, info.LocalRank))
}

func (m *Manager) launcherSink(req *messages.ProcessCreate, fdNum int) procmodel.LauncherSink {
	if m.deps.ToLauncher == nil {
		return nil
	}
	return func(data []byte) error {
		return m.deps.ToLauncher(messages.FwdOutput{
			Envelope: messages.Envelope{TC: messages.TCFwdOutput, Tag: messages.NextTag()},
			Idx:      m.deps.Cfg.NodeIndex,
			PUID:     req.TPUID,
			Data:     data,
			FDNum:    fdNum,
			Hostname: m.deps.Cfg.Hostname,
		})
	}
}

func (m *Manager) makeInboundConnection(req messages.ChannelCreate) (*primitives.Connection, error) {
	ch, err := m.deps.Resources.CreateChannel(req.CUID, req.MUID, req.Options)
	if err != nil {
		return nil, err
	}
	policy := primitives.User
	if req.Options.Policy == "infrastructure" {
		policy = primitives.Infrastructure
	}
	return primitives.NewConnection(ch, primitives.InboundOnly, policy, req.Options.MinBlockSize), nil
}

// Kill implements ProcessKill (§4.3).
func (m *Manager) Kill(req *messages.ProcessKill) *messages.ProcessKillResponse {
	rec, ok := m.Lookup(req.TPUID)
	if !ok {
		r := messages.NewFail(messages.TCProcessKillResp, req.Envelope.Tag, fmt.Sprintf("%v: p_uid=%d", ErrNotFound, req.TPUID))
		return &messages.ProcessKillResponse{Response: r}
	}

	// Signal the whole process group (negative pid), matching Setpgid's
	// purpose in applySysProcAttr: a child that forks its own children
	// still goes down as a unit.
	if err := syscall.Kill(-rec.PID, syscall.Signal(req.Signal)); err != nil {
		r := messages.NewFail(messages.TCProcessKillResp, req.Envelope.Tag, err.Error())
		return &messages.ProcessKillResponse{Response: r}
	}

	r := messages.NewSuccess(messages.TCProcessKillResp, req.Envelope.Tag)
	return &messages.ProcessKillResponse{Response: r}
}

// FwdInput implements FwdInput (§4.3): locate the target and write up to
// FwdInputMax bytes straight to its stdin (truncating with a warning),
// closing the connector on any write error.
func (m *Manager) FwdInput(req *messages.FwdInput) *messages.FwdInputErr {
	rec, ok := m.Lookup(req.TPUID)
	if !ok || rec.StdinConnector == nil {
		if !req.Confirm {
			return nil
		}
		r := messages.NewFail(messages.TCFwdInputErr, req.Envelope.Tag, fmt.Sprintf("%v: p_uid=%d", ErrNotFound, req.TPUID))
		return &messages.FwdInputErr{Response: r}
	}

	data := req.Input
	if len(data) > messages.FwdInputMax {
		m.log.Warn("truncating FwdInput payload", zap.Int("requested", len(data)), zap.Int("max", messages.FwdInputMax))
		data = data[:messages.FwdInputMax]
	}

	if err := rec.StdinConnector.WriteDirect(data); err != nil {
		rec.StdinConnector.MarkDead()
		rec.StdinConnector.Close()
		if req.Confirm {
			r := messages.NewFail(messages.TCFwdInputErr, req.Envelope.Tag, err.Error())
			return &messages.FwdInputErr{Response: r}
		}
		return nil
	}

	if req.Confirm {
		r := messages.NewSuccess(messages.TCFwdInputErr, req.Envelope.Tag)
		return &messages.FwdInputErr{Response: r}
	}
	return nil
}

// KillAllAndWait implements cleanup()'s child-kill step (§4.7 step 5):
// SIGTERM every surviving process group, wait up to `wait` for the Death
// Reaper to empty the table, then SIGKILL whatever is still alive.
func (m *Manager) KillAllAndWait(wait time.Duration) {
	pids := m.livePIDs()
	for _, pid := range pids {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if len(m.livePIDs()) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, pid := range m.livePIDs() {
		m.log.Warn("child ignored SIGTERM, sending SIGKILL", zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (m *Manager) livePIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.byPID))
	for pid := range m.byPID {
		pids = append(pids, pid)
	}
	return pids
}

func fail(ref uint64, info string) *messages.ProcessCreateResponse {
	return &messages.ProcessCreateResponse{Response: messages.NewFail(messages.TCProcessCreateResp, ref, info)}
}

func mergeEnv(caller map[string]string) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for _, k := range config.NodeLocalParams {
		delete(env, k)
	}
	for k, v := range caller {
		env[k] = v
	}
	return env
}

func envToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
