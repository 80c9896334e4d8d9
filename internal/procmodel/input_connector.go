package procmodel

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dragon-hpc/localservices/internal/primitives"
)

// InputConnector is a one-to-one binding between an inbound channel and a
// child's stdin file handle (§3). Single-writer, single-reader; Close is
// idempotent (invariant: closed exactly once).
type InputConnector struct {
	CUID int64

	conn  *primitives.Connection
	stdin *os.File

	mu     sync.Mutex
	closed bool
	dead   bool
}

// NewInputConnector binds conn (an inbound Connection over a channel) to
// stdin (the child's stdin write-end held by this process).
func NewInputConnector(cuid int64, conn *primitives.Connection, stdin *os.File) *InputConnector {
	return &InputConnector{CUID: cuid, conn: conn, stdin: stdin}
}

// Poll reports whether inbound data is waiting without consuming it (§4.6).
func (c *InputConnector) Poll(timeout time.Duration) bool {
	return c.conn.Channel.Poll(timeout)
}

// Forward drains everything currently available on the inbound channel and
// writes it, UTF-8 encoded, to the child's stdin, flushing after each
// write — the direct analogue of original_source's InputConnector.forward()
// (§4.6). Returns eof=true if the channel reported closure.
func (c *InputConnector) Forward() (eof bool, err error) {
	for c.conn.Channel.Poll(0) {
		msg, ok, rerr := c.conn.Channel.Recv(0)
		if rerr != nil {
			return true, nil
		}
		if !ok {
			return false, nil
		}
		if len(msg) == 0 {
			// Zero-length frame is the documented stdin EOF sentinel (§6).
			return true, nil
		}
		if _, werr := c.stdin.Write(msg); werr != nil {
			return false, fmt.Errorf("procmodel: write stdin: %w", werr)
		}
	}
	return false, nil
}

// WriteDirect writes data straight to the child's stdin, bypassing the
// channel-drain path. Used for a FwdInput message's inline payload and for
// a ProcessCreate request's initial_stdin, both of which carry bytes
// outside the normal channel-queue flow.
func (c *InputConnector) WriteDirect(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("procmodel: input connector closed")
	}
	if len(data) == 0 {
		return nil
	}
	_, err := c.stdin.Write(data)
	return err
}

// MarkDead flags the connector as no longer serviceable (child exited, or
// an unrecoverable forward error occurred) without closing it — the Input
// Pump decides when to actually Close (§4.6).
func (c *InputConnector) MarkDead() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *InputConnector) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Close detaches from the channel and closes the stdin handle exactly
// once.
func (c *InputConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if c.conn != nil {
		c.conn.Detach()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
}
