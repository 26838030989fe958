// Package state holds the agent's in-memory runtime: connected drives,
// in-flight backup and restore operations, cancellation handles, and the
// shared configuration. All access goes through the State mutex.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"driveguard/internal/config"
)

// ErrBackupRunning is returned when a backup is already in flight for a drive.
var ErrBackupRunning = errors.New("backup already running for this drive")

// ErrRestoreRunning is returned when a restore is already in flight anywhere.
var ErrRestoreRunning = errors.New("restore already running")

// ErrDriveNotConnected is returned when an operation needs a connected
// trusted drive that is not present.
var ErrDriveNotConnected = errors.New("trusted drive not connected")

// RunStatus is the terminal outcome of a backup run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// RunPhase is the step a backup run is currently in.
type RunPhase string

const (
	PhaseIdle           RunPhase = "idle"
	PhaseBackingUp      RunPhase = "backing_up"
	PhaseVerifyingQuick RunPhase = "verifying_quick"
	PhaseVerifyingDeep  RunPhase = "verifying_deep"
	PhasePruning        RunPhase = "pruning"
	PhaseCompleted      RunPhase = "completed"
)

// Progress mirrors the streaming backup progress for status consumers.
type Progress struct {
	Phase       RunPhase `json:"phase"`
	PercentDone float64  `json:"percent_done"`
	FilesDone   int64    `json:"files_done"`
	TotalFiles  int64    `json:"total_files"`
	BytesDone   int64    `json:"bytes_done"`
	TotalBytes  int64    `json:"total_bytes"`
}

// RunResult records the outcome of a finished backup run. Phase is the last
// pipeline step the run reached, so a failed run shows where it died.
type RunResult struct {
	ID           string    `json:"id"`
	DriveID      string    `json:"drive_id"`
	Status       RunStatus `json:"status"`
	Phase        RunPhase  `json:"phase,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	RepositoryID string    `json:"repository_id,omitempty"`
	BytesAdded   int64     `json:"bytes_added"`
	FilesBacked  int64     `json:"files_backed_up"`
	Message      string    `json:"message,omitempty"`
	Interrupted  bool      `json:"interrupted"`
}

// ConnectedDrive is a trusted drive currently plugged in and mounted.
type ConnectedDrive struct {
	DriveID    string    `json:"drive_id"`
	Label      string    `json:"label"`
	DevNode    string    `json:"-"`
	MountPoint string    `json:"-"`
	SeenAt     time.Time `json:"seen_at"`
}

// State is the shared runtime state. Config writes funnel through
// UpdateConfig so the persisted file and the in-memory copy never diverge.
type State struct {
	mu sync.RWMutex

	cfg   *config.Config
	store *config.Store

	connected map[string]ConnectedDrive // drive id -> drive
	running   map[string]RunProgressRef // drive id -> in-flight backup
	lastRuns  map[string]RunResult      // drive id -> most recent result

	restoreActive  bool
	restoreDriveID string
	restoreCancel  context.CancelFunc
}

// RunProgressRef tracks one in-flight backup.
type RunProgressRef struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Progress  Progress  `json:"progress"`

	cancel context.CancelFunc
}

// New creates runtime state around a loaded configuration.
func New(cfg *config.Config, store *config.Store) *State {
	return &State{
		cfg:       cfg,
		store:     store,
		connected: make(map[string]ConnectedDrive),
		running:   make(map[string]RunProgressRef),
		lastRuns:  make(map[string]RunResult),
	}
}

// Config returns a copy of the current configuration.
func (s *State) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// UpdateConfig mutates the configuration under the lock and persists it.
// Security invariants are re-enforced before saving.
func (s *State) UpdateConfig(fn func(*config.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.cfg); err != nil {
		return err
	}
	s.cfg.EnforceSecurityInvariants()
	if s.store == nil {
		return nil
	}
	return s.store.Save(s.cfg)
}

// DriveConnected records a trusted drive as present.
func (s *State) DriveConnected(d ConnectedDrive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[d.DriveID] = d
}

// DriveDisconnected removes a drive and returns a cancellation handle
// covering its in-flight backup and any restore reading from it. The caller
// fires the cancel outside the lock.
func (s *State) DriveDisconnected(driveID string) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, driveID)
	var cancels []context.CancelFunc
	if ref, ok := s.running[driveID]; ok && ref.cancel != nil {
		cancels = append(cancels, ref.cancel)
	}
	if s.restoreActive && s.restoreDriveID == driveID && s.restoreCancel != nil {
		cancels = append(cancels, s.restoreCancel)
	}
	if len(cancels) == 0 {
		return nil, false
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}, true
}

// Connected returns the drive's runtime record if it is plugged in.
func (s *State) Connected(driveID string) (ConnectedDrive, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.connected[driveID]
	return d, ok
}

// ConnectedDrives lists every trusted drive currently present.
func (s *State) ConnectedDrives() []ConnectedDrive {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectedDrive, 0, len(s.connected))
	for _, d := range s.connected {
		out = append(out, d)
	}
	return out
}

// BeginBackup reserves the single backup slot for a drive. The returned run
// id identifies the run in status reports and history.
func (s *State) BeginBackup(driveID string, cancel context.CancelFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[driveID]; busy {
		return "", ErrBackupRunning
	}
	runID := uuid.NewString()
	s.running[driveID] = RunProgressRef{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Progress:  Progress{Phase: PhaseBackingUp},
		cancel:    cancel,
	}
	return runID, nil
}

// SetProgress updates the in-flight progress for a drive. A no-op when the
// run already finished.
func (s *State) SetProgress(driveID string, p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.running[driveID]
	if !ok {
		return
	}
	ref.Progress = p
	s.running[driveID] = ref
}

// SetPhase updates only the phase of an in-flight run.
func (s *State) SetPhase(driveID string, phase RunPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.running[driveID]
	if !ok {
		return
	}
	ref.Progress.Phase = phase
	s.running[driveID] = ref
}

// FinishBackup releases the drive's backup slot and records the result.
func (s *State) FinishBackup(driveID string, result RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, driveID)
	s.lastRuns[driveID] = result
}

// RunningBackup returns the in-flight run for a drive, if any.
func (s *State) RunningBackup(driveID string) (RunProgressRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.running[driveID]
	return ref, ok
}

// BackupActive reports whether any backup is in flight.
func (s *State) BackupActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running) > 0
}

// LastRun returns the most recent finished run for a drive.
func (s *State) LastRun(driveID string) (RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lastRuns[driveID]
	return r, ok
}

// BeginRestore reserves the system-wide restore slot. The drive id ties the
// restore to its source drive so unplugging that drive cancels it.
func (s *State) BeginRestore(driveID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restoreActive {
		return ErrRestoreRunning
	}
	s.restoreActive = true
	s.restoreDriveID = driveID
	s.restoreCancel = cancel
	return nil
}

// FinishRestore releases the restore slot.
func (s *State) FinishRestore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreActive = false
	s.restoreDriveID = ""
	s.restoreCancel = nil
}

// RestoreActive reports whether a restore is in flight.
func (s *State) RestoreActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restoreActive
}

// Snapshot is a point-in-time view of the whole runtime for status consumers.
type Snapshot struct {
	Connected []ConnectedDrive          `json:"connected_drives"`
	Running   map[string]RunProgressRef `json:"running"`
	LastRuns  map[string]RunResult      `json:"last_runs"`
	Restore   bool                      `json:"restore_active"`
}

// StatusSnapshot copies the runtime state for serialization.
func (s *State) StatusSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Connected: make([]ConnectedDrive, 0, len(s.connected)),
		Running:   make(map[string]RunProgressRef, len(s.running)),
		LastRuns:  make(map[string]RunResult, len(s.lastRuns)),
		Restore:   s.restoreActive,
	}
	for _, d := range s.connected {
		snap.Connected = append(snap.Connected, d)
	}
	for id, ref := range s.running {
		snap.Running[id] = ref
	}
	for id, r := range s.lastRuns {
		snap.LastRuns[id] = r
	}
	return snap
}
