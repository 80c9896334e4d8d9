package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"go.uber.org/zap"
)

type fakeKiller struct {
	mu      sync.Mutex
	waited  []time.Duration
	invoked int
}

func (f *fakeKiller) KillAllAndWait(wait time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, wait)
	f.invoked++
}

type fakeLauncher struct {
	mu       sync.Mutex
	sent     []any
	failWith error
}

func (f *fakeLauncher) send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.failWith
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestController(t *testing.T) (*Controller, *fakeKiller, *fakeLauncher) {
	t.Helper()
	killer := &fakeKiller{}
	launcher := &fakeLauncher{}
	resources := resourcemgr.New(zap.NewNop())
	ctl := New(zap.NewNop(), config.Config{KillWait: time.Millisecond}, resources, killer, launcher.send)
	return ctl, killer, launcher
}

func TestOnTeardownSetsLSShutdownLatch(t *testing.T) {
	ctl, _, _ := newTestController(t)
	if ctl.LSShuttingDown() {
		t.Fatal("latch should start clear")
	}
	ctl.OnTeardown()
	if !ctl.LSShuttingDown() {
		t.Fatal("expected LS shutdown latch to be set")
	}
}

func TestOnGSHaltedDeliversExactlyOnce(t *testing.T) {
	ctl, _, launcher := newTestController(t)
	ctl.OnGSHalted(&messages.GSHalted{})
	ctl.OnGSHalted(&messages.GSHalted{})
	ctl.OnGSHalted(&messages.GSHalted{})

	if got := launcher.count(); got != 1 {
		t.Fatalf("expected GSHalted forwarded exactly once, got %d", got)
	}
	if !ctl.GSGone() {
		t.Fatal("expected GS-gone latch to be set")
	}
}

func TestOnTAHaltedSetsLatch(t *testing.T) {
	ctl, _, _ := newTestController(t)
	if ctl.TAGone() {
		t.Fatal("latch should start clear")
	}
	ctl.OnTAHalted()
	if !ctl.TAGone() {
		t.Fatal("expected TA-gone latch to be set")
	}
}

func TestAbnormalTerminationSendsAndSetsLatch(t *testing.T) {
	ctl, _, launcher := newTestController(t)
	ctl.AbnormalTermination("disk on fire")

	if launcher.count() != 1 {
		t.Fatalf("expected one message sent to the launcher, got %d", launcher.count())
	}
	if !ctl.LSShuttingDown() {
		t.Fatal("expected AbnormalTermination to set the LS shutdown latch")
	}
}

func TestOnProtocolViolationEscalatesToAbnormalTermination(t *testing.T) {
	ctl, _, launcher := newTestController(t)
	ctl.OnProtocolViolation(99)

	if launcher.count() != 1 {
		t.Fatalf("expected an AbnormalTermination sent, got %d messages", launcher.count())
	}
	if !ctl.LSShuttingDown() {
		t.Fatal("expected protocol violation to trigger shutdown")
	}
}

func TestSuperviseRunsTerminalSequenceAfterAllLoopsExit(t *testing.T) {
	ctl, killer, launcher := newTestController(t)

	loops := map[string]func(context.Context) error{
		"one": func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
		"two": func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	}

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- ctl.Supervise(ctx, loops) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not return after context cancellation")
	}

	if killer.invoked != 1 {
		t.Fatalf("expected KillAllAndWait invoked once, got %d", killer.invoked)
	}
	// HaltBE must be the last message sent to the launcher.
	if launcher.count() == 0 {
		t.Fatal("expected at least one launcher message (HaltBE)")
	}
}

func TestSupervisePanicBecomesAbnormalTermination(t *testing.T) {
	ctl, killer, launcher := newTestController(t)

	loops := map[string]func(context.Context) error{
		"panicker": func(ctx context.Context) error { panic("boom") },
		"quiet":    func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	}

	err := ctl.Supervise(context.Background(), loops)
	if err == nil {
		t.Fatal("expected Supervise to return the panic-derived error")
	}
	if !ctl.LSShuttingDown() {
		t.Fatal("expected panic recovery to trigger shutdown via AbnormalTermination")
	}
	if killer.invoked != 1 {
		t.Fatalf("expected terminal sequence to still run, got %d kill invocations", killer.invoked)
	}
	if launcher.count() < 2 { // AbnormalTermination + HaltBE
		t.Fatalf("expected both AbnormalTermination and HaltBE sent, got %d messages", launcher.count())
	}
}

func TestSuperviseLoopErrorTriggersAbnormalTermination(t *testing.T) {
	ctl, _, launcher := newTestController(t)
	wantErr := errors.New("loop failed")

	loops := map[string]func(context.Context) error{
		"failing": func(ctx context.Context) error { return wantErr },
		"quiet":   func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	}

	err := ctl.Supervise(context.Background(), loops)
	if err == nil {
		t.Fatal("expected Supervise to propagate the loop error")
	}
	if launcher.count() < 2 {
		t.Fatalf("expected AbnormalTermination and HaltBE sent, got %d messages", launcher.count())
	}
}
