package procmodel

import (
	"os"
	"testing"
	"time"

	"github.com/dragon-hpc/localservices/internal/primitives"
)

func newTestOutputConnector(t *testing.T, toLauncher LauncherSink) (*OutputConnector, *primitives.Channel) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })

	ch := primitives.NewChannel(1, 1, 8)
	conn := primitives.NewConnection(ch, primitives.OutboundOnly, primitives.User, 0)
	conn.Attach()

	c := NewChannelOutputConnector(1, 1, w, conn, true, false, toLauncher)
	return c, ch
}

func TestOutputConnectorDeliverGoesToChannel(t *testing.T) {
	c, ch := newTestOutputConnector(t, nil)
	if err := c.Deliver([]byte("chunk"), 300); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msg, ok, err := ch.Recv(50 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Recv: ok=%v err=%v", ok, err)
	}
	if string(msg) != "chunk" {
		t.Errorf("got %q, want %q", msg, "chunk")
	}
}

func TestOutputConnectorDeliverChunks(t *testing.T) {
	c, ch := newTestOutputConnector(t, nil)
	if err := c.Deliver([]byte("abcdef"), 2); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	var got string
	for i := 0; i < 3; i++ {
		msg, ok, err := ch.Recv(50 * time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("Recv chunk %d: ok=%v err=%v", i, ok, err)
		}
		got += string(msg)
	}
	if got != "abcdef" {
		t.Errorf("got %q, want %q", got, "abcdef")
	}
}

func TestOutputConnectorDeliverFallsBackOnFullQueue(t *testing.T) {
	var orphaned []byte
	c, ch := newTestOutputConnector(t, func(data []byte) error {
		orphaned = append([]byte{}, data...)
		return nil
	})

	// Fill the channel's queue capacity so the next send fails.
	const queueDepth = 8
	for i := 0; i < queueDepth; i++ {
		_ = ch.Send([]byte("x"))
	}

	if err := c.Deliver([]byte("overflow"), 300); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := OrphanPrefix + "overflow"
	if string(orphaned) != want {
		t.Errorf("got %q, want %q", orphaned, want)
	}
}

func TestOutputConnectorDeliverNoChannelGoesToLauncher(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })

	var got []byte
	c := NewLauncherOutputConnector(1, 1, w, false, func(data []byte) error {
		got = append([]byte{}, data...)
		return nil
	})
	if c.HasChannel() {
		t.Fatal("a launcher-only connector should report HasChannel()==false")
	}
	if err := c.Deliver([]byte("direct"), 300); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(got) != "direct" {
		t.Errorf("got %q, want %q", got, "direct")
	}
}

func TestOutputConnectorCloseSendsEOFWhenRootAndUnwritten(t *testing.T) {
	c, ch := newTestOutputConnector(t, nil)
	c.Close()

	msg, ok, err := ch.Recv(50 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Recv: ok=%v err=%v", ok, err)
	}
	if len(msg) != 0 {
		t.Errorf("expected a zero-length EOF sentinel, got %q", msg)
	}
}

func TestOutputConnectorCloseSkipsEOFWhenAlreadyWritten(t *testing.T) {
	c, ch := newTestOutputConnector(t, nil)
	if err := c.Deliver([]byte("data"), 300); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, _, err := ch.Recv(50 * time.Millisecond); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	c.Close()
	if ch.Poll(20 * time.Millisecond) {
		t.Fatal("no EOF sentinel expected once the connector already wrote data")
	}
}

func TestOutputConnectorCloseIsIdempotent(t *testing.T) {
	c, _ := newTestOutputConnector(t, nil)
	c.Close()
	c.Close()
}
