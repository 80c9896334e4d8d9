// Package diag implements the supplemented read-only diagnostics surface
// (SPEC_FULL.md §2.3/§4.8): a loopback-only HTTP endpoint exposing a
// coalesced snapshot of LS's live state, a best-effort Redis mirror of
// that snapshot, and a go-spew-backed DumpState handler.
//
// Grounded on the teacher's cmd/zmux-server/main.go gin wiring (ZapLogger
// middleware, gin-contrib/cors) and internal/service/channel_summary.go's
// singleflight-coalesced, TTL-cached snapshot pattern, generalized from
// channel-status summaries to LS's process/pool/channel tables. The
// mirror-to-Redis half is grounded on internal/redis/*'s
// "side-effects first, then best-effort persist" style.
package diag

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dragon-hpc/localservices/internal/config"
	"github.com/dragon-hpc/localservices/pkg/jsonx"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Snapshotter is implemented by the Resource Manager; the Process Manager
// implements ProcessSnapshotter.
type Snapshotter interface {
	Snapshot() (poolIDs, channelIDs []int64)
}

type ProcessSnapshotter interface {
	Snapshot() []int64
}

// Latches reports the Shutdown Controller's current latch state.
type Latches interface {
	LSShuttingDown() bool
	GSGone() bool
	TAGone() bool
}

// Snapshot is the payload served by GET /v1/snapshot and mirrored to
// Redis.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	PoolIDs     []int64   `json:"pool_ids"`
	ChannelIDs  []int64   `json:"channel_ids"`
	ProcessUIDs []int64   `json:"process_uids"`
	LSShutdown  bool      `json:"ls_shutdown"`
	GSGone      bool      `json:"gs_gone"`
	TAGone      bool      `json:"ta_gone"`
}

const snapshotTTL = 250 * time.Millisecond

// Service collapses concurrent snapshot requests and mirrors the result to
// Redis on a best-effort basis (SPEC_FULL.md §4.8).
type Service struct {
	log       *zap.Logger
	resources Snapshotter
	processes ProcessSnapshotter
	latches   Latches
	redis     *redis.Client

	sg singleflight.Group

	cacheMu sync.RWMutex
	cached  *Snapshot
	expires time.Time
}

func newService(log *zap.Logger, resources Snapshotter, processes ProcessSnapshotter, latches Latches, redisAddr string) *Service {
	s := &Service{
		log:       log.Named("diag"),
		resources: resources,
		processes: processes,
		latches:   latches,
	}
	if redisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return s
}

func (s *Service) Get(ctx context.Context) (*Snapshot, error) {
	s.cacheMu.RLock()
	if s.cached != nil && time.Now().Before(s.expires) {
		snap := *s.cached
		s.cacheMu.RUnlock()
		return &snap, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.sg.Do("snapshot", func() (any, error) {
		poolIDs, channelIDs := s.resources.Snapshot()
		snap := &Snapshot{
			GeneratedAt: time.Now(),
			PoolIDs:     poolIDs,
			ChannelIDs:  channelIDs,
			ProcessUIDs: s.processes.Snapshot(),
			LSShutdown:  s.latches.LSShuttingDown(),
			GSGone:      s.latches.GSGone(),
			TAGone:      s.latches.TAGone(),
		}

		s.cacheMu.Lock()
		s.cached = snap
		s.expires = time.Now().Add(snapshotTTL)
		s.cacheMu.Unlock()

		s.mirror(ctx, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// DumpToFile implements the SHDumpState directive (§4.1): write a
// go-spew rendering of the current snapshot to filename, or stdout if
// filename is empty.
func (s *Service) DumpToFile(ctx context.Context, filename string) error {
	snap, err := s.Get(ctx)
	if err != nil {
		return err
	}
	if filename == "" {
		spew.Dump(snap)
		return nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	spew.Fdump(f, snap)
	return nil
}

// mirror is best-effort: a failed write never fails the request that
// triggered the refresh, only gets logged (teacher's internal/redis
// persistence style).
func (s *Service) mirror(ctx context.Context, snap *Snapshot) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	if err := s.redis.HSet(ctx, "dragon:ls:snapshot",
		"generated_at", snap.GeneratedAt.Unix(),
		"pools", len(snap.PoolIDs),
		"channels", len(snap.ChannelIDs),
		"processes", len(snap.ProcessUIDs),
		"ls_shutdown", snap.LSShutdown,
	).Err(); err != nil {
		s.log.Warn("failed to mirror snapshot to redis", zap.Error(err))
	}
}

// Server is the loopback-only diagnostics HTTP surface.
type Server struct {
	log    *zap.Logger
	cfg    config.Config
	svc    *Service
	http   *http.Server
}

func NewServer(log *zap.Logger, cfg config.Config, resources Snapshotter, processes ProcessSnapshotter, latches Latches) *Server {
	log = log.Named("diag")
	svc := newService(log, resources, processes, latches, cfg.RedisAddr)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(zapLogger(log), gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://127.0.0.1", "http://localhost"},
		AllowMethods: []string{"GET", "POST"},
	}))
	engine.Use(secure.New(secure.Config{
		AllowedHosts:          []string{"127.0.0.1", "localhost"},
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
	}))

	s := &Server{log: log, cfg: cfg, svc: svc}

	engine.GET("/v1/snapshot", s.handleSnapshot)
	engine.POST("/v1/dumpstate", s.handleDumpState)

	s.http = &http.Server{Addr: cfg.DiagAddr, Handler: engine}
	return s
}

// Run serves diagnostics until ctx is cancelled. Binding is loopback-only
// by convention of Config.DiagAddr's default (SPEC_FULL.md §2.3); an empty
// address disables the surface entirely.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.DiagAddr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// DumpState writes a snapshot to filename, for the SHDumpState message
// handler (dispatch.Hooks.OnDumpState).
func (s *Server) DumpState(filename string) {
	if err := s.svc.DumpToFile(context.Background(), filename); err != nil {
		s.log.Warn("dump state failed", zap.Error(err))
	}
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.svc.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// dumpStateRequest is the optional body for POST /v1/dumpstate: an empty
// body dumps to the HTTP response, a non-empty one additionally writes the
// same dump to Filename on the LS host (mirroring the SHDumpState
// directive's file-or-stdout choice).
type dumpStateRequest struct {
	Filename string `json:"filename"`
}

// handleDumpState implements the SHDumpState directive's HTTP-triggerable
// twin: a best-effort human-readable state dump via go-spew.
func (s *Server) handleDumpState(c *gin.Context) {
	var req dumpStateRequest
	if c.Request.ContentLength > 0 {
		if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	snap, err := s.svc.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.Filename != "" {
		if err := s.svc.DumpToFile(c.Request.Context(), req.Filename); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, spew.Sdump(snap))
}

func zapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("diag request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
