// Package watcher detects drive hotplug by polling the removable device set
// and reacts to trusted drives appearing or disappearing.
package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"driveguard/internal/config"
	"driveguard/internal/marker"
	"driveguard/internal/metrics"
	"driveguard/internal/state"
)

// DeviceScanner enumerates removable device nodes and their mountpoints.
type DeviceScanner interface {
	ListRemovableNodes(ctx context.Context) ([]string, error)
	FindMountpoint(ctx context.Context, devnode string) (string, error)
}

// AutoRunner starts unattended backups.
type AutoRunner interface {
	RunAuto(ctx context.Context, driveID string)
}

// ConnectNotifier announces trusted drive arrivals.
type ConnectNotifier interface {
	TrustedDriveConnected(label string)
}

// MarkerReader reads the identity marker from a mount root. Indirected for
// tests.
type MarkerReader func(mountRoot string) (*marker.Marker, error)

// Watcher polls the device set and feeds arrivals and removals into the
// runtime state.
type Watcher struct {
	scanner    DeviceScanner
	state      *state.State
	runner     AutoRunner
	notifier   ConnectNotifier
	metrics    *metrics.Metrics
	readMarker MarkerReader
	logger     zerolog.Logger

	PollInterval  time.Duration
	MountAttempts int
	MountDelay    time.Duration

	known map[string]struct{} // devnode -> present
	nodes map[string]string   // devnode -> drive id, for removal lookups
}

// New creates a watcher. runner, notifier and metrics may be nil.
func New(scanner DeviceScanner, st *state.State, runner AutoRunner, notifier ConnectNotifier, m *metrics.Metrics, logger zerolog.Logger) *Watcher {
	return &Watcher{
		scanner:       scanner,
		state:         st,
		runner:        runner,
		notifier:      notifier,
		metrics:       m,
		readMarker:    marker.Read,
		logger:        logger.With().Str("component", "watcher").Logger(),
		PollInterval:  2 * time.Second,
		MountAttempts: 25,
		MountDelay:    400 * time.Millisecond,
		known:         make(map[string]struct{}),
		nodes:         make(map[string]string),
	}
}

// Run polls until the context is canceled. The first scan seeds the known
// set and still processes drives that were already plugged in at startup.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	w.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan performs one poll cycle: diff the device set, handle arrivals and
// removals.
func (w *Watcher) Scan(ctx context.Context) {
	nodes, err := w.scanner.ListRemovableNodes(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("device scan failed")
		return
	}

	current := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		current[node] = struct{}{}
		if _, seen := w.known[node]; !seen {
			w.handleAdded(ctx, node)
		}
	}
	for node := range w.known {
		if _, still := current[node]; !still {
			w.handleRemoved(node)
		}
	}
	w.known = current

	if w.metrics != nil {
		w.metrics.DrivesConnected.Set(float64(len(w.state.ConnectedDrives())))
	}
}

// handleAdded waits for the desktop automounter, reads the identity marker,
// and registers trusted drives.
func (w *Watcher) handleAdded(ctx context.Context, devnode string) {
	w.logger.Debug().Msg("removable device appeared")

	mount, ok := w.waitForMount(ctx, devnode)
	if !ok {
		return
	}

	m, err := w.readMarker(mount)
	if err != nil {
		w.logger.Debug().Err(err).Msg("marker unreadable")
		return
	}
	if m == nil {
		return
	}

	cfg := w.state.Config()
	trust, trusted := cfg.TrustedDrives[m.DriveID]
	if !trusted {
		w.logger.Debug().Msg("marked drive is not trusted here")
		return
	}

	w.state.DriveConnected(state.ConnectedDrive{
		DriveID:    m.DriveID,
		Label:      trust.Label,
		DevNode:    devnode,
		MountPoint: mount,
		SeenAt:     time.Now().UTC(),
	})
	w.nodes[devnode] = m.DriveID

	if err := w.state.UpdateConfig(func(c *config.Config) error {
		c.UpdateLastSeen(m.DriveID)
		return nil
	}); err != nil {
		w.logger.Warn().Err(err).Msg("could not persist last seen time")
	}

	w.logger.Info().Str("drive_id", m.DriveID).Msg("trusted drive connected")
	if w.notifier != nil {
		w.notifier.TrustedDriveConnected(trust.Label)
	}

	if cfg.AutoBackup && !cfg.ParanoidMode && w.runner != nil {
		go w.runner.RunAuto(ctx, m.DriveID)
	}
}

// handleRemoved tears down runtime state for an unplugged device and cancels
// any backup that was writing to it.
func (w *Watcher) handleRemoved(devnode string) {
	driveID, trusted := w.nodes[devnode]
	delete(w.nodes, devnode)
	if !trusted {
		return
	}

	cancel, running := w.state.DriveDisconnected(driveID)
	w.logger.Info().Str("drive_id", driveID).Bool("backup_running", running).Msg("trusted drive disconnected")
	if running {
		cancel()
	}
}

// waitForMount polls until the automounter has the device mounted.
func (w *Watcher) waitForMount(ctx context.Context, devnode string) (string, bool) {
	for attempt := 0; attempt < w.MountAttempts; attempt++ {
		mount, err := w.scanner.FindMountpoint(ctx, devnode)
		if err == nil && mount != "" {
			return mount, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(w.MountDelay):
		}
	}
	w.logger.Debug().Msg("device never mounted, skipping")
	return "", false
}
