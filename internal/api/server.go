// Package api serves the local control plane on the loopback interface.
// Everything a frontend needs goes through these endpoints; errors are
// sanitized so neither passphrases nor raw filesystem paths leak out.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"driveguard/internal/devices"
	"driveguard/internal/engine"
	"driveguard/internal/state"
)

// DefaultAddr is the loopback-only control plane address.
const DefaultAddr = "127.0.0.1:7878"

// BackupEngine is the repository surface the API needs.
type BackupEngine interface {
	Init(ctx context.Context, repo, passphrase string) (string, error)
	RepositoryID(ctx context.Context, repo, passphrase string) (string, error)
	Snapshots(ctx context.Context, repo, passphrase string) ([]engine.Snapshot, error)
	SnapshotStats(ctx context.Context, repo, passphrase, snapshotID string) (*engine.SnapshotStats, error)
	Restore(ctx context.Context, repo, passphrase, snapshotID, target string, includes []string) error
}

// DeviceManager is the disk tooling surface the API needs.
type DeviceManager interface {
	ListRemovable(ctx context.Context) ([]devices.Device, error)
	FindMountpoint(ctx context.Context, devnode string) (string, error)
	MountPartition(ctx context.Context, devnode string) (string, error)
	UnmountPartition(ctx context.Context, devnode string) error
	FormatPartitionExFat(ctx context.Context, devnode string) error
	SecureWipe(ctx context.Context, devnode string) error
	Eject(ctx context.Context, devnode string) error
	CheckPreflight(ctx context.Context, resticAvailable bool) devices.Preflight
}

// BackupStarter launches backup runs.
type BackupStarter interface {
	Run(ctx context.Context, driveID, passphrase string) (state.RunResult, error)
}

// Keychain is the passphrase cache surface.
type Keychain interface {
	Store(driveID, passphrase string) error
	Get(driveID string) (string, error)
	Delete(driveID string) error
	DeleteAll(driveIDs []string) error
}

// RunHistory reads persisted run outcomes.
type RunHistory interface {
	Recent(ctx context.Context, driveID string, limit int) ([]state.RunResult, error)
}

// Server hosts the control plane.
type Server struct {
	state    *state.State
	engine   BackupEngine
	devices  DeviceManager
	backups  BackupStarter
	keychain Keychain
	history  RunHistory
	registry *prometheus.Registry
	logger   zerolog.Logger
	version  string

	// OnScheduleChange is invoked after the backup schedule changes through
	// the config endpoint.
	OnScheduleChange func(expr string) error

	hub *statusHub
}

// NewServer wires the control plane. history and registry may be nil.
func NewServer(st *state.State, eng BackupEngine, dev DeviceManager, backups BackupStarter, kc Keychain, history RunHistory, registry *prometheus.Registry, version string, logger zerolog.Logger) *Server {
	return &Server{
		state:    st,
		engine:   eng,
		devices:  dev,
		backups:  backups,
		keychain: kc,
		history:  history,
		registry: registry,
		logger:   logger.With().Str("component", "api").Logger(),
		version:  version,
		hub:      newStatusHub(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/devices", s.handleDevices)
		v1.GET("/preflight", s.handlePreflight)
		v1.GET("/config", s.handleGetConfig)
		v1.PUT("/config", s.handlePutConfig)

		drives := v1.Group("/drives")
		{
			drives.POST("/setup", s.handleSetup)
			drives.POST("/mount", s.handleMount)
			drives.POST("/format", s.handleFormat)
			drives.POST("/eject", s.handleEject)
			drives.POST("/discontinue", s.handleDiscontinue)
			drives.POST("/update", s.handleUpdateDrive)
		}

		v1.POST("/backup/run", s.handleBackupRun)
		v1.GET("/snapshots", s.handleSnapshots)
		v1.GET("/snapshots/stats", s.handleSnapshotStats)
		v1.POST("/restore", s.handleRestore)
		v1.GET("/recovery-kit", s.handleRecoveryKit)
		v1.GET("/runs", s.handleRuns)
		v1.GET("/ws/status", s.handleStatusWS)
	}

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	return router
}

// Serve runs the HTTP server until the context is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control plane listening")
		errCh <- srv.ListenAndServe()
	}()

	go s.broadcastLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// fail writes a sanitized error. Raw tool output never reaches clients.
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Error: msg})
}
