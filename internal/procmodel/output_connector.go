package procmodel

import (
	"os"
	"sync"

	"github.com/dragon-hpc/localservices/internal/primitives"
)

// OrphanPrefix tags data that fell back to the launcher because its
// outbound channel consumer had died (§4.5, §7 taxonomy item 3).
const OrphanPrefix = "[orphaned output]: "

// LauncherSink delivers framed stdout/stderr bytes to the launcher
// back-end when a connector has no (or a failed) outbound channel.
type LauncherSink func(data []byte) error

// OutputConnector is a one-to-one binding between a child's stdout or
// stderr file handle and either an outbound channel or a framed forwarding
// path back to the launcher (§3).
type OutputConnector struct {
	PUID  int64
	FDNum int // 1=stdout, 2=stderr
	File  *os.File

	// conn is nil when this connector forwards straight to the launcher
	// (no consumer ever requested a channel).
	conn *primitives.Connection

	// RootProc is true iff this connector owns the channel endpoint and is
	// responsible for sending the closing EOF frame (§3, invariant 5).
	RootProc bool
	// CriticalProc marks this as the connector carrying a critical
	// process's stderr (its own stderr connector, or its stdout connector
	// when stderr is merged onto stdout), for the
	// termination-embedded-in-stderr rule (§4.5).
	CriticalProc bool
	// GSStdout marks this as Global Services' own stdout connector: data
	// arriving here is a termination payload, not ordinary output (§4.5).
	GSStdout bool

	toLauncher LauncherSink

	mu        sync.Mutex
	writtenTo bool
	closed    bool
}

// NewChannelOutputConnector builds a connector that writes into an
// outbound Connection, falling back to toLauncher (tagged as orphaned) if
// the channel send fails.
func NewChannelOutputConnector(puid int64, fdNum int, file *os.File, conn *primitives.Connection, rootProc, criticalProc bool, toLauncher LauncherSink) *OutputConnector {
	return &OutputConnector{
		PUID: puid, FDNum: fdNum, File: file, conn: conn,
		RootProc: rootProc, CriticalProc: criticalProc, toLauncher: toLauncher,
	}
}

// NewLauncherOutputConnector builds a connector with no channel: everything
// it reads is framed straight to the launcher.
func NewLauncherOutputConnector(puid int64, fdNum int, file *os.File, criticalProc bool, toLauncher LauncherSink) *OutputConnector {
	return &OutputConnector{PUID: puid, FDNum: fdNum, File: file, CriticalProc: criticalProc, toLauncher: toLauncher}
}

// Fd returns the underlying file descriptor for the Output Pump's poll set
// (§4.5).
func (c *OutputConnector) Fd() uintptr {
	return c.File.Fd()
}

// HasChannel reports whether this connector has a live outbound channel.
func (c *OutputConnector) HasChannel() bool {
	return c.conn != nil
}

// Deliver routes a read chunk of child output: through the outbound
// channel in ≤ chunkSize pieces if one exists and sends succeed, otherwise
// (or on any send failure) to the launcher, tagged as orphaned on fallback
// (§4.5).
func (c *OutputConnector) Deliver(data []byte, chunkSize int) error {
	if len(data) == 0 {
		return nil
	}

	if c.conn != nil {
		if err := c.sendChunked(data, chunkSize); err == nil {
			c.mu.Lock()
			c.writtenTo = true
			c.mu.Unlock()
			return nil
		}
		// Consumer died or queue is backed up: fall back to the launcher,
		// tagged as orphaned (§7 taxonomy item 3).
		if c.toLauncher != nil {
			orphaned := append([]byte(OrphanPrefix), data...)
			return c.toLauncher(orphaned)
		}
		return nil
	}

	if c.toLauncher != nil {
		return c.toLauncher(data)
	}
	return nil
}

func (c *OutputConnector) sendChunked(data []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.conn.Channel.Send(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes once (no-op here since the pump already drained the file),
// closes the file handle, emits the closing EOF frame if this is the root
// connector and nothing was ever written, then closes the channel endpoint
// — only if RootProc (invariant 5). Idempotent.
func (c *OutputConnector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wroteAnything := c.writtenTo
	c.mu.Unlock()

	if c.File != nil {
		_ = c.File.Close()
	}

	if c.RootProc && c.conn != nil {
		if !wroteAnything {
			_ = c.conn.Channel.Send(nil) // zero-length EOF sentinel (§6)
		}
		c.conn.Detach()
	}
}
