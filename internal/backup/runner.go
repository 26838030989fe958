// Package backup orchestrates backup runs: repository bootstrap, the restic
// backup itself, verification, and retention pruning, with progress and
// outcomes published through the shared runtime state.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"driveguard/internal/config"
	"driveguard/internal/engine"
	"driveguard/internal/marker"
	"driveguard/internal/metrics"
	"driveguard/internal/state"
)

// ErrNoSources is returned when none of the configured backup sources exist
// on disk.
var ErrNoSources = errors.New("no backup sources exist")

// ErrUnknownDrive is returned for drive ids with no trust record.
var ErrUnknownDrive = errors.New("unknown drive")

// Engine is the subset of the restic wrapper the orchestrator needs.
type Engine interface {
	Init(ctx context.Context, repo, passphrase string) (string, error)
	RepositoryID(ctx context.Context, repo, passphrase string) (string, error)
	BackupWithProgress(ctx context.Context, repo, passphrase string, sources, includes, excludes []string, onProgress func(engine.Progress)) (*engine.BackupSummary, error)
	CheckQuick(ctx context.Context, repo, passphrase string) error
	CheckDeep(ctx context.Context, repo, passphrase string) error
	ForgetPrune(ctx context.Context, repo, passphrase string, retentionArgs []string) error
}

// Recorder persists finished runs.
type Recorder interface {
	Append(ctx context.Context, r state.RunResult) error
}

// Notifier announces run lifecycle events to the desktop.
type Notifier interface {
	BackupStarted(label string)
	BackupFinished(label string, success, interrupted bool)
}

// Runner drives the backup pipeline for one agent.
type Runner struct {
	state    *state.State
	engine   Engine
	history  Recorder
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// Passphrase looks up the cached passphrase for unattended runs.
	// Returning an error defers the run silently.
	Passphrase func(driveID string) (string, error)
}

// NewRunner wires the orchestrator. history, notifier and metrics may be nil.
func NewRunner(st *state.State, eng Engine, history Recorder, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{
		state:    st,
		engine:   eng,
		history:  history,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "backup").Logger(),
	}
}

// Run executes a full backup of the given trusted drive. It holds the
// drive's backup slot for the duration; a second call for the same drive
// fails with state.ErrBackupRunning.
func (r *Runner) Run(ctx context.Context, driveID, passphrase string) (state.RunResult, error) {
	drive, connected := r.state.Connected(driveID)
	if !connected {
		return state.RunResult{}, state.ErrDriveNotConnected
	}
	cfg := r.state.Config()
	trust, known := cfg.TrustedDrives[driveID]
	if !known {
		return state.RunResult{}, ErrUnknownDrive
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID, err := r.state.BeginBackup(driveID, cancel)
	if err != nil {
		return state.RunResult{}, err
	}

	logger := r.logger.With().Str("drive_id", driveID).Str("run_id", runID).Logger()
	result := state.RunResult{
		ID:        runID,
		DriveID:   driveID,
		Status:    state.StatusSuccess,
		Phase:     state.PhaseBackingUp,
		StartedAt: time.Now().UTC(),
	}

	result = r.execute(runCtx, logger, drive, trust, cfg, passphrase, result)
	// The watcher's poll can lag an unplug by one cycle. A drive that is gone
	// by the time the pipeline ends cannot have a trustworthy snapshot, no
	// matter what the engine reported.
	if _, still := r.state.Connected(driveID); !still {
		result = interruptedResult(result)
	}
	result.FinishedAt = time.Now().UTC()

	r.state.FinishBackup(driveID, result)
	r.finalize(logger, drive, result)
	if result.Status == state.StatusFailed && !result.Interrupted {
		return result, fmt.Errorf("backup failed: %s", result.Message)
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, logger zerolog.Logger, drive state.ConnectedDrive, trust config.TrustedDrive, cfg config.Config, passphrase string, result state.RunResult) state.RunResult {
	repo, ok := cfg.RepositoryPathFor(drive.DriveID, drive.MountPoint)
	if !ok {
		return failResult(result, ErrUnknownDrive)
	}

	repoID, err := r.ensureRepository(ctx, repo, passphrase, drive, trust)
	if err != nil {
		return failResult(result, err)
	}
	result.RepositoryID = repoID

	sources, err := ExpandSources(cfg.SourcesForDrive(drive.DriveID))
	if err != nil {
		result.Status = state.StatusFailed
		result.Message = err.Error()
		return result
	}

	if r.notifier != nil {
		r.notifier.BackupStarted(drive.Label)
	}
	logger.Info().Int("sources", len(sources)).Msg("backup started")

	summary, err := r.engine.BackupWithProgress(ctx, repo, passphrase, sources,
		cfg.IncludePatterns, cfg.ExcludePatterns,
		func(p engine.Progress) {
			r.state.SetProgress(drive.DriveID, state.Progress{
				Phase:       state.PhaseBackingUp,
				PercentDone: p.PercentDone,
				FilesDone:   p.FilesDone,
				TotalFiles:  p.TotalFiles,
				BytesDone:   p.BytesDone,
				TotalBytes:  p.TotalBytes,
			})
		})
	if err != nil {
		return failResult(result, err)
	}
	if summary != nil {
		result.SnapshotID = summary.SnapshotID
		result.BytesAdded = summary.DataAdded
		result.FilesBacked = summary.FilesProcessed
	}

	if cfg.QuickVerify {
		result.Phase = state.PhaseVerifyingQuick
		r.state.SetPhase(drive.DriveID, state.PhaseVerifyingQuick)
		if err := r.engine.CheckQuick(ctx, repo, passphrase); err != nil {
			if isInterrupted(ctx, err) {
				return interruptedResult(result)
			}
			logger.Warn().Err(err).Msg("quick verification reported errors")
			result = downgrade(result, "quick verification reported errors")
			if r.metrics != nil {
				r.metrics.VerificationFails.Inc()
			}
		}
	}

	if cfg.DeepVerify {
		result.Phase = state.PhaseVerifyingDeep
		r.state.SetPhase(drive.DriveID, state.PhaseVerifyingDeep)
		if err := r.engine.CheckDeep(ctx, repo, passphrase); err != nil {
			if isInterrupted(ctx, err) {
				return interruptedResult(result)
			}
			logger.Warn().Err(err).Msg("deep verification reported errors")
			result = downgrade(result, "deep verification reported errors")
			if r.metrics != nil {
				r.metrics.VerificationFails.Inc()
			}
		}
	}

	// Retention only runs on a clean pipeline; a degraded repository is left
	// untouched until the operator has looked at it.
	if args := cfg.Retention.ForgetArgs(); len(args) > 0 && result.Status == state.StatusSuccess {
		result.Phase = state.PhasePruning
		r.state.SetPhase(drive.DriveID, state.PhasePruning)
		if err := r.engine.ForgetPrune(ctx, repo, passphrase, args); err != nil {
			if isInterrupted(ctx, err) {
				return interruptedResult(result)
			}
			logger.Warn().Err(err).Msg("retention prune failed")
			result = downgrade(result, "retention prune failed")
		}
	}

	result.Phase = state.PhaseCompleted
	r.state.SetPhase(drive.DriveID, state.PhaseCompleted)
	return result
}

// ensureRepository initializes the repository on first use and keeps the
// repository id recorded in the trust record and the drive marker.
func (r *Runner) ensureRepository(ctx context.Context, repo, passphrase string, drive state.ConnectedDrive, trust config.TrustedDrive) (string, error) {
	var repoID string
	var err error
	if _, statErr := os.Stat(filepath.Join(repo, "config")); statErr != nil {
		repoID, err = r.engine.Init(ctx, repo, passphrase)
	} else {
		repoID, err = r.engine.RepositoryID(ctx, repo, passphrase)
	}
	if err != nil {
		return "", err
	}

	if repoID != "" && repoID != trust.RepositoryID {
		if err := r.state.UpdateConfig(func(c *config.Config) error {
			if t, ok := c.TrustedDrives[drive.DriveID]; ok {
				t.RepositoryID = repoID
				c.TrustedDrives[drive.DriveID] = t
			}
			return nil
		}); err != nil {
			r.logger.Warn().Err(err).Msg("could not persist repository id")
		}
		// Best effort: keep the marker on the drive in sync too.
		if m, readErr := marker.Read(drive.MountPoint); readErr == nil && m != nil {
			m.RepositoryID = repoID
			if writeErr := marker.Write(drive.MountPoint, m); writeErr != nil {
				r.logger.Debug().Err(writeErr).Msg("marker update skipped")
			}
		}
	}
	return repoID, nil
}

// finalize persists timestamps, records history, updates metrics and fires
// the desktop notification. All best effort.
func (r *Runner) finalize(logger zerolog.Logger, drive state.ConnectedDrive, result state.RunResult) {
	if result.SnapshotID != "" {
		if err := r.state.UpdateConfig(func(c *config.Config) error {
			c.UpdateLastBackup(drive.DriveID, result.FinishedAt.Unix(), result.SnapshotID)
			return nil
		}); err != nil {
			logger.Warn().Err(err).Msg("could not persist last backup time")
		}
	}
	if r.history != nil {
		if err := r.history.Append(context.Background(), result); err != nil {
			logger.Warn().Err(err).Msg("could not record run history")
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(string(result.Status), result.FinishedAt.Sub(result.StartedAt).Seconds(), result.BytesAdded)
	}
	if r.notifier != nil {
		r.notifier.BackupFinished(drive.Label, result.Status == state.StatusSuccess, result.Interrupted)
	}
	logger.Info().
		Str("status", string(result.Status)).
		Bool("interrupted", result.Interrupted).
		Str("snapshot_id", result.SnapshotID).
		Msg("backup finished")
}

// RunAuto starts an unattended backup if a passphrase is cached. Drives
// without a cached passphrase are skipped quietly; prompting belongs to the
// interactive surface.
func (r *Runner) RunAuto(ctx context.Context, driveID string) {
	if r.Passphrase == nil {
		return
	}
	passphrase, err := r.Passphrase(driveID)
	if err != nil {
		r.logger.Debug().Str("drive_id", driveID).Msg("auto backup deferred: no cached passphrase")
		return
	}
	if _, err := r.Run(ctx, driveID, passphrase); err != nil &&
		!errors.Is(err, state.ErrBackupRunning) && !errors.Is(err, state.ErrDriveNotConnected) {
		r.logger.Error().Err(err).Str("drive_id", driveID).Msg("auto backup failed")
	}
}

// ExpandSources resolves configured sources to absolute paths, expanding a
// leading ~ and dropping sources that do not exist. At least one source must
// survive.
func ExpandSources(sources []config.BackupSource) ([]string, error) {
	home, homeErr := os.UserHomeDir()
	var out []string
	for _, src := range sources {
		path := src.Path
		if path == "~" || strings.HasPrefix(path, "~/") {
			if homeErr != nil {
				continue
			}
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		out = append(out, path)
	}
	if len(out) == 0 {
		return nil, ErrNoSources
	}
	return out, nil
}

func isInterrupted(ctx context.Context, err error) bool {
	return errors.Is(err, engine.ErrInterrupted) || ctx.Err() != nil
}

func failResult(result state.RunResult, err error) state.RunResult {
	if errors.Is(err, engine.ErrInterrupted) {
		return interruptedResult(result)
	}
	result.Status = state.StatusFailed
	switch {
	case errors.Is(err, engine.ErrAuth):
		result.Message = "invalid passphrase or repository"
	default:
		result.Message = "backup failed"
	}
	return result
}

func interruptedResult(result state.RunResult) state.RunResult {
	result.Status = state.StatusFailed
	result.Interrupted = true
	result.Message = "drive disconnected during backup"
	return result
}

func downgrade(result state.RunResult, msg string) state.RunResult {
	if result.Status == state.StatusSuccess {
		result.Status = state.StatusPartial
	}
	if result.Message == "" {
		result.Message = msg
	}
	return result
}
