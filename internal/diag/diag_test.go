package diag

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fakeSnapshotter struct {
	calls      int32
	poolIDs    []int64
	channelIDs []int64
}

func (f *fakeSnapshotter) Snapshot() ([]int64, []int64) {
	atomic.AddInt32(&f.calls, 1)
	return f.poolIDs, f.channelIDs
}

type fakeProcessSnapshotter struct {
	uids []int64
}

func (f *fakeProcessSnapshotter) Snapshot() []int64 { return f.uids }

type fakeLatches struct {
	ls, gs, ta bool
}

func (f *fakeLatches) LSShuttingDown() bool { return f.ls }
func (f *fakeLatches) GSGone() bool         { return f.gs }
func (f *fakeLatches) TAGone() bool         { return f.ta }

func TestServiceGetPopulatesSnapshot(t *testing.T) {
	resources := &fakeSnapshotter{poolIDs: []int64{1, 2}, channelIDs: []int64{3}}
	processes := &fakeProcessSnapshotter{uids: []int64{10, 20}}
	latches := &fakeLatches{gs: true}

	svc := newService(zap.NewNop(), resources, processes, latches, "")
	snap, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(snap.PoolIDs) != 2 || len(snap.ChannelIDs) != 1 || len(snap.ProcessUIDs) != 2 {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
	if !snap.GSGone {
		t.Error("expected GSGone to reflect the latch")
	}
}

func TestServiceGetCachesWithinTTL(t *testing.T) {
	resources := &fakeSnapshotter{}
	processes := &fakeProcessSnapshotter{}
	latches := &fakeLatches{}

	svc := newService(zap.NewNop(), resources, processes, latches, "")
	if _, err := svc.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := svc.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if atomic.LoadInt32(&resources.calls) != 1 {
		t.Fatalf("expected the second Get to hit the cache, resources.Snapshot called %d times", resources.calls)
	}
}

func TestServiceGetRefreshesAfterTTLExpires(t *testing.T) {
	resources := &fakeSnapshotter{}
	processes := &fakeProcessSnapshotter{}
	latches := &fakeLatches{}

	svc := newService(zap.NewNop(), resources, processes, latches, "")
	if _, err := svc.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	svc.cacheMu.Lock()
	svc.expires = time.Now().Add(-time.Millisecond) // force expiry
	svc.cacheMu.Unlock()

	if _, err := svc.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if atomic.LoadInt32(&resources.calls) != 2 {
		t.Fatalf("expected a refresh after TTL expiry, got %d calls", resources.calls)
	}
}

func TestServiceGetCoalescesConcurrentCallers(t *testing.T) {
	resources := &fakeSnapshotter{}
	processes := &fakeProcessSnapshotter{}
	latches := &fakeLatches{}

	svc := newService(zap.NewNop(), resources, processes, latches, "")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = svc.Get(context.Background())
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&resources.calls); calls > 2 {
		t.Errorf("expected singleflight to coalesce concurrent misses, got %d underlying calls", calls)
	}
}

func TestDumpToFileWritesSpewOutput(t *testing.T) {
	resources := &fakeSnapshotter{poolIDs: []int64{7}}
	processes := &fakeProcessSnapshotter{}
	latches := &fakeLatches{}
	svc := newService(zap.NewNop(), resources, processes, latches, "")

	path := filepath.Join(t.TempDir(), "dump.txt")
	if err := svc.DumpToFile(context.Background(), path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(contents), "PoolIDs") {
		t.Errorf("expected the dump to mention PoolIDs, got: %s", contents)
	}
}

func TestHandleSnapshotReturnsJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resources := &fakeSnapshotter{poolIDs: []int64{1}}
	processes := &fakeProcessSnapshotter{uids: []int64{5}}
	latches := &fakeLatches{}

	s := &Server{log: zap.NewNop(), svc: newService(zap.NewNop(), resources, processes, latches, "")}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/v1/snapshot", nil)

	s.handleSnapshot(c)

	if w.Code != 200 {
		t.Fatalf("expected HTTP 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "pool_ids") {
		t.Errorf("expected the response body to contain pool_ids, got %s", w.Body.String())
	}
}

func TestHandleDumpStateReturnsPlainText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resources := &fakeSnapshotter{}
	processes := &fakeProcessSnapshotter{}
	latches := &fakeLatches{}

	s := &Server{log: zap.NewNop(), svc: newService(zap.NewNop(), resources, processes, latches, "")}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/dumpstate", nil)

	s.handleDumpState(c)

	if w.Code != 200 {
		t.Fatalf("expected HTTP 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", ct)
	}
}

func TestRunWithEmptyDiagAddrIsNoop(t *testing.T) {
	s := &Server{log: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancellation with an empty DiagAddr")
	}
}
