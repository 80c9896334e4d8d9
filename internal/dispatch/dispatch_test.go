package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/primitives"
	"github.com/dragon-hpc/localservices/internal/processmgr"
	"github.com/dragon-hpc/localservices/internal/resourcemgr"
	"go.uber.org/zap"
)

const (
	gsCUID       = 2
	launcherCUID = 3
)

type sentFrame struct {
	target int64
	raw    []byte
}

func newTestLoop(t *testing.T) (*Loop, *[]sentFrame) {
	t.Helper()
	log := zap.NewNop()
	cfg := config.Config{ShutdownRespTimeout: 0}
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	var sent []sentFrame
	var violations []int64
	router := Router{
		GSInputCUID:  gsCUID,
		LauncherCUID: launcherCUID,
		Send: func(target int64, raw []byte) error {
			sent = append(sent, sentFrame{target, raw})
			return nil
		},
		OnProtocolViolation: func(target int64) { violations = append(violations, target) },
	}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, cfg, inbox, resources, processes, router, Hooks{})
	return loop, &sent
}

func TestHandlePoolCreateRoutesSuccess(t *testing.T) {
	loop, sent := newTestLoop(t)
	loop.handle(&messages.PoolCreate{
		Envelope: messages.Envelope{Tag: 1},
		MUID:     1,
		Size:     1024,
		Name:     "p",
		Target:   gsCUID,
	})

	if len(*sent) != 1 {
		t.Fatalf("expected one routed response, got %d", len(*sent))
	}
	var resp messages.PoolCreateResponse
	if err := json.Unmarshal((*sent)[0].raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Err != messages.Success {
		t.Errorf("expected success, got %+v", resp)
	}
	if (*sent)[0].target != gsCUID {
		t.Errorf("routed to %d, want %d", (*sent)[0].target, gsCUID)
	}
}

func TestHandlePoolCreateDuplicateFails(t *testing.T) {
	loop, sent := newTestLoop(t)
	loop.handle(&messages.PoolCreate{Envelope: messages.Envelope{Tag: 1}, MUID: 1, Size: 1024, Target: gsCUID})
	loop.handle(&messages.PoolCreate{Envelope: messages.Envelope{Tag: 2}, MUID: 1, Size: 1024, Target: gsCUID})

	if len(*sent) != 2 {
		t.Fatalf("expected two routed responses, got %d", len(*sent))
	}
	var resp messages.PoolCreateResponse
	if err := json.Unmarshal((*sent)[1].raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Err != messages.Fail {
		t.Errorf("expected the duplicate create to fail, got %+v", resp)
	}
}

func TestHandleUnroutableTargetIsProtocolViolation(t *testing.T) {
	log := zap.NewNop()
	cfg := config.Config{}
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	var violated int64 = -1
	router := Router{
		GSInputCUID:  gsCUID,
		LauncherCUID: launcherCUID,
		Send:         func(int64, []byte) error { return nil },
		OnProtocolViolation: func(target int64) { violated = target },
	}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, cfg, inbox, resources, processes, router, Hooks{})

	loop.handle(&messages.PoolDestroy{Envelope: messages.Envelope{Tag: 1}, MUID: 99, Target: 12345})

	if violated != 12345 {
		t.Fatalf("expected protocol violation for target 12345, got %d", violated)
	}
}

func TestHandleGSHaltedInvokesHook(t *testing.T) {
	log := zap.NewNop()
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	called := false
	hooks := Hooks{OnGSHalted: func(*messages.GSHalted) { called = true }}
	router := Router{GSInputCUID: gsCUID, LauncherCUID: launcherCUID, Send: func(int64, []byte) error { return nil }}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, config.Config{}, inbox, resources, processes, router, hooks)

	loop.handle(&messages.GSHalted{Envelope: messages.Envelope{Tag: 1}})
	if !called {
		t.Fatal("expected OnGSHalted to be invoked")
	}
}

func TestHandleTeardownInvokesHook(t *testing.T) {
	log := zap.NewNop()
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	called := false
	hooks := Hooks{OnTeardown: func() { called = true }}
	router := Router{GSInputCUID: gsCUID, LauncherCUID: launcherCUID, Send: func(int64, []byte) error { return nil }}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, config.Config{}, inbox, resources, processes, router, hooks)

	loop.handle(&messages.Teardown{Envelope: messages.Envelope{Tag: 1}})
	if !called {
		t.Fatal("expected OnTeardown to be invoked")
	}
}

func TestHandleRawDiscardsUndecodableMessage(t *testing.T) {
	loop, sent := newTestLoop(t)
	loop.handleRaw([]byte("not json"))
	if len(*sent) != 0 {
		t.Errorf("expected no routed response for an undecodable message, got %d", len(*sent))
	}
}

func TestHandleRawMalformedMessageTriggersAbnormalTermination(t *testing.T) {
	log := zap.NewNop()
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	var reason string
	hooks := Hooks{OnAbnormalTermination: func(r string) { reason = r }}
	router := Router{GSInputCUID: gsCUID, LauncherCUID: launcherCUID, Send: func(int64, []byte) error { return nil }}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, config.Config{}, inbox, resources, processes, router, hooks)

	loop.handleRaw([]byte("not json"))
	if reason == "" {
		t.Fatal("expected a malformed message to trigger abnormal termination")
	}
}

func TestHandleUnknownTypeTriggersAbnormalTermination(t *testing.T) {
	log := zap.NewNop()
	resources := resourcemgr.New(log)
	processes := processmgr.New(processmgr.Deps{Log: log, Resources: resources})

	var reason string
	hooks := Hooks{OnAbnormalTermination: func(r string) { reason = r }}
	router := Router{GSInputCUID: gsCUID, LauncherCUID: launcherCUID, Send: func(int64, []byte) error { return nil }}
	inbox := primitives.NewChannel(1, 1, 8)
	loop := New(log, config.Config{}, inbox, resources, processes, router, hooks)

	loop.handle("an unhandled message type")
	if reason == "" {
		t.Fatal("expected an unrecognized message type to trigger abnormal termination")
	}
}
