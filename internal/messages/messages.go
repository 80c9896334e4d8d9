// Package messages defines Local Services' wire protocol: tagged JSON
// control-plane messages (§6) plus the uniform response envelope (§4.1).
//
// The dispatch loop decodes by the "_tc" discriminant into one of the
// concrete types below, rather than a runtime type switch over a dynamic
// message class — the static-Go analogue of the source's dynamic dispatch
// (see SPEC_FULL.md §9).
package messages

import (
	"encoding/json"
	"sync/atomic"
)

// TypeCode is the "_tc" discriminant carried by every message.
type TypeCode string

const (
	TCPoolCreate           TypeCode = "SHPoolCreate"
	TCPoolCreateResponse   TypeCode = "SHPoolCreateResponse"
	TCPoolDestroy          TypeCode = "SHPoolDestroy"
	TCPoolDestroyResponse  TypeCode = "SHPoolDestroyResponse"
	TCChannelCreate        TypeCode = "SHChannelCreate"
	TCChannelCreateResp    TypeCode = "SHChannelCreateResponse"
	TCChannelDestroy       TypeCode = "SHChannelDestroy"
	TCChannelDestroyResp   TypeCode = "SHChannelDestroyResponse"
	TCProcessCreate        TypeCode = "SHProcessCreate"
	TCProcessCreateResp    TypeCode = "SHProcessCreateResponse"
	TCProcessKill          TypeCode = "SHProcessKill"
	TCProcessKillResp      TypeCode = "SHProcessKillResponse"
	TCProcessExit          TypeCode = "SHProcessExit"
	TCFwdInput             TypeCode = "SHFwdInput"
	TCFwdInputErr          TypeCode = "SHFwdInputErr"
	TCFwdOutput            TypeCode = "SHFwdOutput"
	TCAbnormalTermination  TypeCode = "AbnormalTermination"
	TCGSHalted             TypeCode = "GSHalted"
	TCTeardown             TypeCode = "SHTeardown"
	TCHaltTA               TypeCode = "HaltTA"
	TCTAHalted             TypeCode = "TAHalted"
	TCHaltBE               TypeCode = "HaltBE"
	TCDumpState            TypeCode = "SHDumpState"
)

// Err is the uniform success/failure code on every response (§4.1).
type Err string

const (
	Success Err = "SUCCESS"
	Fail    Err = "FAIL"
)

// tagCounter is the global, mutex-free monotonic tag source (§5: "the tag
// counter is a global under its own small mutex" — re-expressed with an
// atomic, which is the idiomatic Go equivalent of a counter guarded by a
// "small mutex").
var tagCounter atomic.Uint64

// NextTag returns a fresh monotonic tag for an outbound request.
func NextTag() uint64 {
	return tagCounter.Add(1)
}

// Envelope is embedded in every message for uniform tag/type access.
type Envelope struct {
	TC  TypeCode `json:"_tc"`
	Tag uint64   `json:"tag"`
}

// Response is the uniform reply shape (§4.1): (tag, ref, err, payload|err_info).
type Response struct {
	Envelope
	Ref     uint64 `json:"ref"`
	Err     Err    `json:"err"`
	ErrInfo string `json:"err_info,omitempty"`
}

// NewSuccess builds a success response envelope for the given request tag.
func NewSuccess(tc TypeCode, ref uint64) Response {
	return Response{Envelope: Envelope{TC: tc, Tag: NextTag()}, Ref: ref, Err: Success}
}

// NewFail builds a failure response envelope for the given request tag.
func NewFail(tc TypeCode, ref uint64, info string) Response {
	return Response{Envelope: Envelope{TC: tc, Tag: NextTag()}, Ref: ref, Err: Fail, ErrInfo: info}
}

// --- Resource Manager messages (§4.2) ---------------------------------------

type PoolCreate struct {
	Envelope
	MUID   int64  `json:"m_uid"`
	Size   uint64 `json:"size"`
	Name   string `json:"name"`
	Target int64  `json:"target_uid"`
}

type PoolCreateResponse struct {
	Response
	Desc string `json:"desc,omitempty"`
}

type PoolDestroy struct {
	Envelope
	MUID   int64 `json:"m_uid"`
	Target int64 `json:"target_uid"`
}

type PoolDestroyResponse struct {
	Response
}

type ChannelOptions struct {
	Capacity     int    `json:"capacity,omitempty"`
	MinBlockSize int    `json:"min_block_size,omitempty"`
	Policy       string `json:"policy,omitempty"` // "infrastructure" | "user"
}

type ChannelCreate struct {
	Envelope
	CUID    int64          `json:"c_uid"`
	MUID    int64          `json:"m_uid"`
	Options ChannelOptions `json:"options"`
	Target  int64          `json:"target_uid"`
}

type ChannelCreateResponse struct {
	Response
	Desc string `json:"desc,omitempty"`
}

type ChannelDestroy struct {
	Envelope
	CUID   int64 `json:"c_uid"`
	Target int64 `json:"target_uid"`
}

type ChannelDestroyResponse struct {
	Response
}

// --- Process Manager messages (§4.1, §4.3) ----------------------------------

// Disposition is the requested stdio handling for a child's stream.
type Disposition string

const (
	DispPipe      Disposition = "PIPE"
	DispDevNull   Disposition = "DEVNULL"
	DispStdout    Disposition = "STDOUT" // stderr only: merge into stdout
	DispInherited Disposition = "INHERITED"
)

type PMIInfo struct {
	HostID      int64  `json:"host_id"`
	JobID       int64  `json:"job_id"`
	LocalRank   int64  `json:"local_rank"`
	ControlPort int    `json:"control_port"`
	PIDBase     int    `json:"pid_base"`
	PreloadPath string `json:"preload_path,omitempty"`
}

type ProcessCreate struct {
	Envelope
	TPUID        int64             `json:"t_p_uid"`
	Exe          string            `json:"exe"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env"`
	RunDir       string            `json:"rundir"`
	Critical     bool              `json:"critical"`
	StdinReq     Disposition       `json:"stdin_req"`
	StdoutReq    Disposition       `json:"stdout_req"`
	StderrReq    Disposition       `json:"stderr_req"`
	StdinChan    *ChannelCreate    `json:"stdin_chan,omitempty"`
	StdoutChan   *ChannelCreate    `json:"stdout_chan,omitempty"`
	StderrChan   *ChannelCreate    `json:"stderr_chan,omitempty"`
	InitialStdin string            `json:"initial_stdin,omitempty"`
	PMIInfo      *PMIInfo          `json:"pmi_info,omitempty"`
	ReturnCUID   *int64            `json:"return_cuid,omitempty"`
	Target       int64             `json:"target_uid"`
}

type ProcessCreateResponse struct {
	Response
	PUID        int64  `json:"p_uid,omitempty"`
	PID         int    `json:"pid,omitempty"`
	StdinDesc   string `json:"stdin_desc,omitempty"`
	StdoutDesc  string `json:"stdout_desc,omitempty"`
	StderrDesc  string `json:"stderr_desc,omitempty"`
}

type ProcessKill struct {
	Envelope
	TPUID  int64 `json:"t_p_uid"`
	Signal int   `json:"signal"`
	Target int64 `json:"target_uid"`
}

type ProcessKillResponse struct {
	Response
}

// ProcessExit.MAX-equivalents live alongside FwdInput/FwdOutput below.
type ProcessExit struct {
	Envelope
	PUID     int64 `json:"p_uid"`
	ExitCode int   `json:"exit_code"`
}

// FwdInputMax is the payload cap for a single FwdInput request (§8).
const FwdInputMax = 64 * 1024

type FwdInput struct {
	Envelope
	TPUID   int64  `json:"t_p_uid"`
	Input   []byte `json:"input"`
	Confirm bool   `json:"confirm,omitempty"`
	Target  int64  `json:"target_uid"`
}

type FwdInputErr struct {
	Response
}

// FwdOutputMax is the per-frame payload cap read from a child's stdio (§6).
const FwdOutputMax = 64 * 1024

// ChunkSize is the maximum payload LS will push through an outbound channel
// in one message (§4.5, §6); larger reads are split client-side.
const ChunkSize = 300

type FwdOutput struct {
	Envelope
	Idx      int    `json:"idx"`
	PUID     int64  `json:"p_uid"`
	Data     []byte `json:"data"`
	FDNum    int    `json:"fd_num"` // 1=stdout, 2=stderr
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
}

// --- Shutdown / escalation messages (§4.1, §4.7) ----------------------------

type AbnormalTermination struct {
	Envelope
	ErrInfo string `json:"err_info"`
}

type GSHalted struct {
	Envelope
}

type Teardown struct {
	Envelope
}

type HaltTA struct {
	Envelope
}

type TAHalted struct {
	Envelope
}

type HaltBE struct {
	Envelope
}

type DumpState struct {
	Envelope
	Filename string `json:"filename,omitempty"`
}

// Targeted is implemented by every request message that carries a
// target_uid for response routing (§4.1: "a returned response is routed
// by the target-uid field").
type Targeted interface {
	TargetUID() int64
}

func (m *PoolCreate) TargetUID() int64      { return m.Target }
func (m *PoolDestroy) TargetUID() int64     { return m.Target }
func (m *ChannelCreate) TargetUID() int64   { return m.Target }
func (m *ChannelDestroy) TargetUID() int64  { return m.Target }
func (m *ProcessCreate) TargetUID() int64   { return m.Target }
func (m *ProcessKill) TargetUID() int64     { return m.Target }
func (m *FwdInput) TargetUID() int64        { return m.Target }

// Decode inspects the "_tc" field of raw and unmarshals into the matching
// concrete type, returning it as an `any`. Unknown type codes return
// ErrUnknownType so the caller can route to the protocol-violation /
// abnormal-termination path (§4.1, §7).
func Decode(raw []byte) (any, error) {
	var probe Envelope
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	switch probe.TC {
	case TCPoolCreate:
		var m PoolCreate
		return &m, json.Unmarshal(raw, &m)
	case TCPoolDestroy:
		var m PoolDestroy
		return &m, json.Unmarshal(raw, &m)
	case TCChannelCreate:
		var m ChannelCreate
		return &m, json.Unmarshal(raw, &m)
	case TCChannelDestroy:
		var m ChannelDestroy
		return &m, json.Unmarshal(raw, &m)
	case TCProcessCreate:
		var m ProcessCreate
		return &m, json.Unmarshal(raw, &m)
	case TCProcessKill:
		var m ProcessKill
		return &m, json.Unmarshal(raw, &m)
	case TCFwdInput:
		var m FwdInput
		return &m, json.Unmarshal(raw, &m)
	case TCAbnormalTermination:
		var m AbnormalTermination
		return &m, json.Unmarshal(raw, &m)
	case TCGSHalted:
		var m GSHalted
		return &m, json.Unmarshal(raw, &m)
	case TCTeardown:
		var m Teardown
		return &m, json.Unmarshal(raw, &m)
	case TCHaltTA:
		var m HaltTA
		return &m, json.Unmarshal(raw, &m)
	case TCTAHalted:
		var m TAHalted
		return &m, json.Unmarshal(raw, &m)
	case TCDumpState:
		var m DumpState
		return &m, json.Unmarshal(raw, &m)
	default:
		return nil, ErrUnknownType
	}
}

var ErrUnknownType = jsonError("messages: unknown _tc type code")

type jsonError string

func (e jsonError) Error() string { return string(e) }
