package primitives

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChannelClosed is returned by Send/Recv once a Channel has been
// destroyed.
var ErrChannelClosed = errors.New("primitives: channel closed")

// defaultCapacity is the queue depth used when a ChannelCreate request
// doesn't specify one.
const defaultCapacity = 100

// Channel is a reliable in-memory message queue identified by a globally
// unique c_uid, allocated inside a specific Pool (§3). The queue is backed
// by a buffered Go channel of []byte messages; this is the "ChannelSet"
// unit polled by the Input Pump (§4.6) and the per-fd unit the Output Pump
// multiplexes toward (§4.5).
type Channel struct {
	CUID int64
	MUID int64

	mu     sync.Mutex
	closed bool
	ch     chan []byte
}

type channelDescriptor struct {
	CUID int64 `json:"c_uid"`
	MUID int64 `json:"m_uid"`
}

// NewChannel allocates a channel with the given queue capacity (0 uses the
// default).
func NewChannel(cuid, muid int64, capacity int) *Channel {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Channel{CUID: cuid, MUID: muid, ch: make(chan []byte, capacity)}
}

// Descriptor returns the stable, opaque, base64-encoded descriptor used to
// attach to this channel (§4.2).
func (c *Channel) Descriptor() string {
	b, _ := json.Marshal(channelDescriptor{CUID: c.CUID, MUID: c.MUID})
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeChannelDescriptor parses a descriptor produced by Descriptor.
func DecodeChannelDescriptor(desc string) (cuid, muid int64, err error) {
	raw, err := base64.StdEncoding.DecodeString(desc)
	if err != nil {
		return 0, 0, fmt.Errorf("primitives: decode channel descriptor: %w", err)
	}
	var d channelDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, 0, fmt.Errorf("primitives: unmarshal channel descriptor: %w", err)
	}
	return d.CUID, d.MUID, nil
}

// Send enqueues a message on the channel's outbound endpoint. A zero-length
// message is the documented EOF sentinel (§6).
func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	ch := c.ch
	c.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	default:
		// Queue full: the consumer isn't draining. Treated by callers as a
		// connector error (§7 taxonomy item 3) — orphaned output, never a
		// blocking send.
		return fmt.Errorf("primitives: channel %d queue full", c.CUID)
	}
}

// Poll reports whether a message is available within timeout without
// consuming it. timeout<=0 means a zero-wait check.
func (c *Channel) Poll(timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.ch
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	if len(ch) > 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-ch:
		// The queue was empty when the wait began, so the message taken here
		// is put back as the head unless another writer sent in between.
		select {
		case ch <- msg:
		default:
		}
		return true
	case <-t.C:
		return false
	}
}

// Recv blocks up to timeout for the next message. ok is false on timeout;
// err is ErrChannelClosed once the channel has been destroyed and drained.
func (c *Channel) Recv(timeout time.Duration) (msg []byte, ok bool, err error) {
	c.mu.Lock()
	ch := c.ch
	closed := c.closed
	c.mu.Unlock()

	// A message already queued is returned even when timeout is zero.
	select {
	case msg, open := <-ch:
		if !open {
			return nil, false, ErrChannelClosed
		}
		return msg, true, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case msg, open := <-ch:
		if !open {
			return nil, false, ErrChannelClosed
		}
		return msg, true, nil
	case <-t.C:
		if closed {
			return nil, false, ErrChannelClosed
		}
		return nil, false, nil
	}
}

// Destroy closes the channel. Idempotent.
func (c *Channel) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}
