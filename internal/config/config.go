// Package config loads Local Services' runtime configuration from the
// environment. It stays deliberately small and framework-free, the same way
// the teacher's internal/env package is a handful of explicit lookups rather
// than a generic config library.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dragon-hpc/localservices/pkg/hostutil"
)

// Spec-mandated timeouts (§5). Overridable via environment for tests.
const (
	defaultShutdownRespTimeout = 10 * time.Millisecond
	defaultQuiesceTime         = 1 * time.Second
	defaultKillWait            = 10 * time.Second
)

// Config is the full set of knobs Local Services needs at boot.
type Config struct {
	// NodeIndex is this node's position in the allocation (the "idx" field
	// threaded through FwdOutput).
	NodeIndex int
	Hostname  string

	// ShutdownRespTimeout bounds the latency of every selector/poll loop.
	ShutdownRespTimeout time.Duration
	// QuiesceTime is read from the environment but not consulted by the
	// shutdown controller, whose join of the worker goroutines has no time
	// bound.
	QuiesceTime time.Duration
	// KillWait bounds how long cleanup() waits for a killed child to exit.
	KillWait time.Duration

	// DiagAddr is the loopback bind address for the read-only diagnostics
	// HTTP surface (§2.3). Empty disables it.
	DiagAddr string
	// RedisAddr is the diagnostics mirror target (§4.8). Empty disables the
	// mirror; diagnostics still work from in-memory snapshots.
	RedisAddr string

	// GSPUID identifies the Global Services process for critical-death
	// escalation (§4.4).
	GSPUID int64
	// TAPUID identifies the Transport Agent process for critical-death
	// escalation (§4.4): a critical TA death is suppressed once TAHalted
	// has already set the TA-gone latch, the same way GSPUID is for GS.
	TAPUID int64
}

// FromEnv builds a Config from the process environment, falling back to
// spec-mandated defaults for anything unset.
func FromEnv() Config {
	host, _ := os.Hostname()

	return Config{
		NodeIndex:           envInt("DRAGON_LS_NODE_INDEX", 0),
		Hostname:            envHost("DRAGON_LS_HOSTNAME", host),
		ShutdownRespTimeout: envDuration("DRAGON_LS_SHUTDOWN_RESP_TIMEOUT", defaultShutdownRespTimeout),
		QuiesceTime:         envDuration("DRAGON_LS_QUIESCE_TIME", defaultQuiesceTime),
		KillWait:            envDuration("DRAGON_LS_KILL_WAIT", defaultKillWait),
		DiagAddr:            envString("DRAGON_LS_DIAG_ADDR", "127.0.0.1:7580"),
		RedisAddr:           envString("DRAGON_LS_REDIS_ADDR", ""),
		GSPUID:              int64(envInt("DRAGON_GS_PUID", 1)),
		TAPUID:              int64(envInt("DRAGON_TA_PUID", 0)),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// envHost is envString plus hostutil validation: a malformed override (typo,
// stray whitespace, a host:port pair) falls back to def rather
// than propagating garbage into every message LS tags with its own hostname.
func envHost(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if err := hostutil.ValidateHost(v); err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// NodeLocalParams lists environment variables stripped from the caller's
// requested environment before it is merged into a child process (§6). These
// carry node-local wiring (the node's own gateway/PMI setup) that must never
// leak into a user process that happens to request "inherit everything".
var NodeLocalParams = []string{
	"DRAGON_LS_NODE_INDEX",
	"DRAGON_LS_HOSTNAME",
	"DRAGON_LS_CUID",
	"DRAGON_GS_PUID",
	"DRAGON_TA_PUID",
}
