// Package procmodel holds the per-process data model shared by the Process
// Manager, Death Reaper, Output Pump and Input Pump (§3): ProcessRecord,
// InputConnector and OutputConnector.
//
// Grounded on the teacher's processmgr.process lifecycle (pipe ownership,
// close-once semantics) and on original_source/server.py's ProcessProps /
// InputConnector / OutputConnector for field-level fidelity (root_proc,
// writtenTo, critical_proc).
package procmodel

import (
	"os/exec"
	"sync"
)

// Record is a child-process handle (§3 ProcessRecord).
type Record struct {
	PUID     int64
	PID      int
	Critical bool
	// ReturnCUID is the c_uid of the originator to whom the exit
	// notification must be sent; nil falls back to GS (§3, §4.4).
	ReturnCUID *int64

	StdinReq  Disposition
	StdoutReq Disposition
	StderrReq Disposition

	StdinConnector  *InputConnector
	StdoutConnector *OutputConnector
	StderrConnector *OutputConnector

	Cmd *exec.Cmd

	mu       sync.Mutex
	reaped   bool
}

// Disposition mirrors messages.Disposition without importing the wire
// package, keeping procmodel dependency-free of the protocol layer.
type Disposition string

const (
	DispPipe      Disposition = "PIPE"
	DispDevNull   Disposition = "DEVNULL"
	DispStdout    Disposition = "STDOUT"
	DispInherited Disposition = "INHERITED"
)

// MarkReaped records that the Death Reaper has already consumed this
// record's exit status, guarding against double-processing (invariant 4).
func (r *Record) MarkReaped() (already bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	already = r.reaped
	r.reaped = true
	return already
}
