package api

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"driveguard/internal/backup"
	"driveguard/internal/config"
	"driveguard/internal/devices"
	"driveguard/internal/engine"
	"driveguard/internal/marker"
	"driveguard/internal/recovery"
	"driveguard/internal/schedule"
	"driveguard/internal/state"
)

type driveCapacity struct {
	DriveID    string `json:"drive_id"`
	Label      string `json:"label"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalHuman string `json:"total_human"`
	FreeHuman  string `json:"free_human"`
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.state.Config()

	var capacities []driveCapacity
	for _, drive := range s.state.ConnectedDrives() {
		total, free, err := devices.MountUsage(drive.MountPoint)
		if err != nil {
			continue
		}
		capacities = append(capacities, driveCapacity{
			DriveID:    drive.DriveID,
			Label:      drive.Label,
			TotalBytes: total,
			FreeBytes:  free,
			TotalHuman: humanize.Bytes(total),
			FreeHuman:  humanize.Bytes(free),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"version":   s.version,
		"status":    s.state.StatusSnapshot(),
		"capacity":  capacities,
		"first_run": cfg.FirstRun(),
	})
}

func (s *Server) handleDevices(c *gin.Context) {
	devs, err := s.devices.ListRemovable(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("device listing failed")
		fail(c, http.StatusInternalServerError, "could not list removable devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devs})
}

func (s *Server) handlePreflight(c *gin.Context) {
	resticOK := s.engine != nil
	c.JSON(http.StatusOK, s.devices.CheckPreflight(c.Request.Context(), resticOK))
}

// configView is the externally visible configuration. The internal struct is
// exposed as-is; it holds no secrets.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.state.Config()
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var incoming config.Config
	if err := c.ShouldBindJSON(&incoming); err != nil {
		fail(c, http.StatusBadRequest, "invalid configuration payload")
		return
	}
	if err := schedule.Validate(incoming.BackupSchedule); err != nil {
		fail(c, http.StatusBadRequest, "invalid backup schedule")
		return
	}

	var paranoidEnabled bool
	var driveIDs []string
	err := s.state.UpdateConfig(func(cfg *config.Config) error {
		paranoidEnabled = incoming.ParanoidMode && !cfg.ParanoidMode

		// Trust records and per-drive history are managed through the drive
		// endpoints, not replaced wholesale here.
		incoming.TrustedDrives = cfg.TrustedDrives
		*cfg = incoming
		for id := range cfg.TrustedDrives {
			driveIDs = append(driveIDs, id)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("config update failed")
		fail(c, http.StatusInternalServerError, "could not save configuration")
		return
	}

	// Enabling paranoid mode evicts every cached passphrase.
	if paranoidEnabled && s.keychain != nil {
		if err := s.keychain.DeleteAll(driveIDs); err != nil {
			s.logger.Warn().Err(err).Msg("could not remove cached passphrases")
		}
	}

	if s.OnScheduleChange != nil {
		if err := s.OnScheduleChange(incoming.BackupSchedule); err != nil {
			s.logger.Warn().Err(err).Msg("schedule not applied")
		}
	}
	c.JSON(http.StatusOK, s.state.Config())
}

type setupRequest struct {
	Device        string                `json:"device" binding:"required"`
	Label         string                `json:"label"`
	Passphrase    string                `json:"passphrase" binding:"required"`
	Remember      *bool                 `json:"remember"`
	Format        bool                  `json:"format"`
	Wipe          bool                  `json:"wipe"`
	BackupSources []config.BackupSource `json:"backup_sources"`
}

// handleSetup turns a partition into a trusted backup drive: optional wipe
// and format, mount, identity marker, repository init, trust record, recovery
// kit, passphrase cache. A drive that already carries a marker keeps its
// identity, and an existing repository is opened instead of re-initialized so
// a wrong passphrase cannot clobber it.
func (s *Server) handleSetup(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "device and passphrase are required")
		return
	}
	ctx := c.Request.Context()
	cfg := s.state.Config()

	if req.Wipe {
		if mp, err := s.devices.FindMountpoint(ctx, req.Device); err == nil && mp != "" {
			if err := s.devices.UnmountPartition(ctx, req.Device); err != nil {
				s.deviceFail(c, err, "could not unmount device before wipe")
				return
			}
		}
		if err := s.devices.SecureWipe(ctx, req.Device); err != nil {
			s.deviceFail(c, err, "secure wipe failed")
			return
		}
		req.Format = true
	}
	if req.Format {
		if err := s.devices.FormatPartitionExFat(ctx, req.Device); err != nil {
			s.deviceFail(c, err, "format failed")
			return
		}
	}

	mount, err := s.devices.FindMountpoint(ctx, req.Device)
	if err != nil {
		mount, err = s.devices.MountPartition(ctx, req.Device)
		if err != nil {
			s.deviceFail(c, err, "could not mount device")
			return
		}
	}

	m, err := marker.Read(mount)
	if err != nil {
		s.logger.Error().Err(err).Msg("marker read failed")
		fail(c, http.StatusInternalServerError, "could not read drive marker")
		return
	}

	label := config.SanitizeLabel(req.Label)
	if label == "" && m != nil {
		label = m.Label
	}
	if label == "" {
		label = defaultLabel()
	}
	excludeID := ""
	if m != nil {
		excludeID = m.DriveID
	}
	if cfg.LabelExists(label, excludeID) {
		fail(c, http.StatusConflict, "a drive with this label already exists")
		return
	}

	if m == nil {
		m, err = marker.New(label)
		if err != nil {
			fail(c, http.StatusInternalServerError, "could not generate drive identity")
			return
		}
	} else {
		// Identity is fixed for the life of the medium; only the label moves.
		m.Label = label
	}
	if err := marker.Write(mount, m); err != nil {
		s.logger.Error().Err(err).Msg("marker write failed")
		fail(c, http.StatusInternalServerError, "could not write drive marker")
		return
	}

	repo := filepath.Join(mount, marker.RepositoryRelPath)
	var repoID string
	if _, statErr := os.Stat(filepath.Join(repo, "config")); statErr == nil {
		repoID, err = s.engine.RepositoryID(ctx, repo, req.Passphrase)
		if err != nil {
			s.engineFail(c, err, "could not open repository")
			return
		}
	} else {
		repoID, err = s.engine.Init(ctx, repo, req.Passphrase)
		if err != nil {
			s.logger.Error().Err(err).Msg("repository init failed")
			fail(c, http.StatusInternalServerError, "could not initialize repository")
			return
		}
	}
	m.RepositoryID = repoID
	if err := marker.Write(mount, m); err != nil {
		s.logger.Debug().Err(err).Msg("marker update skipped")
	}

	if err := s.state.UpdateConfig(func(cfg *config.Config) error {
		if cfg.TrustedDrives == nil {
			cfg.TrustedDrives = make(map[string]config.TrustedDrive)
		}
		cfg.TrustedDrives[m.DriveID] = config.TrustedDrive{
			DriveID:        m.DriveID,
			Label:          label,
			RepositoryPath: marker.RepositoryRelPath,
			RepositoryID:   repoID,
			LastSeenEpoch:  time.Now().Unix(),
			BackupSources:  req.BackupSources,
		}
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Msg("trust record save failed")
		fail(c, http.StatusInternalServerError, "could not save trust record")
		return
	}

	kit := recovery.New(m.DriveID, label, repoID, "")
	if err := kit.WriteToDir(filepath.Join(mount, marker.Dir)); err != nil {
		s.logger.Warn().Err(err).Msg("recovery kit not written")
	}

	remember := cfg.RememberPass
	if req.Remember != nil {
		remember = *req.Remember
	}
	if remember && !cfg.ParanoidMode && s.keychain != nil {
		if err := s.keychain.Store(m.DriveID, req.Passphrase); err != nil {
			s.logger.Warn().Err(err).Msg("passphrase not cached")
		}
	}

	s.state.DriveConnected(state.ConnectedDrive{
		DriveID:    m.DriveID,
		Label:      label,
		DevNode:    req.Device,
		MountPoint: mount,
		SeenAt:     time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{
		"drive_id":      m.DriveID,
		"label":         label,
		"repository_id": repoID,
	})
}

type deviceRequest struct {
	Device string `json:"device" binding:"required"`
}

func (s *Server) handleMount(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "device is required")
		return
	}
	mount, err := s.devices.MountPartition(c.Request.Context(), req.Device)
	if err != nil {
		s.deviceFail(c, err, "could not mount device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mountpoint": mount})
}

func (s *Server) handleFormat(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "device is required")
		return
	}
	if err := s.devices.FormatPartitionExFat(c.Request.Context(), req.Device); err != nil {
		s.deviceFail(c, err, "format failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"formatted": true})
}

type ejectRequest struct {
	DriveID string `json:"drive_id"`
	Device  string `json:"device"`
}

func (s *Server) handleEject(c *gin.Context) {
	var req ejectRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.DriveID == "" && req.Device == "") {
		fail(c, http.StatusBadRequest, "drive_id or device is required")
		return
	}

	devnode := req.Device
	if devnode == "" {
		drive, connected := s.state.Connected(req.DriveID)
		if !connected {
			fail(c, http.StatusConflict, state.ErrDriveNotConnected.Error())
			return
		}
		if _, running := s.state.RunningBackup(req.DriveID); running {
			fail(c, http.StatusConflict, "backup in progress; cancel it before ejecting")
			return
		}
		devnode = drive.DevNode
	}

	if err := s.devices.Eject(c.Request.Context(), devnode); err != nil {
		s.deviceFail(c, err, "eject failed")
		return
	}
	if req.DriveID != "" {
		s.state.DriveDisconnected(req.DriveID)
	}
	c.JSON(http.StatusOK, gin.H{"ejected": true})
}

type discontinueRequest struct {
	DriveID      string `json:"drive_id" binding:"required"`
	ConfirmLabel string `json:"confirm_label" binding:"required"`
	Wipe         bool   `json:"wipe"`
}

// handleDiscontinue forgets a trusted drive. The caller must type the
// drive's label to confirm. Without wipe, the repository on the drive is
// left untouched; only the trust record and cached passphrase go away.
func (s *Server) handleDiscontinue(c *gin.Context) {
	var req discontinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "drive_id and confirm_label are required")
		return
	}
	trust, known := s.state.Config().TrustedDrives[req.DriveID]
	if !known {
		fail(c, http.StatusNotFound, backup.ErrUnknownDrive.Error())
		return
	}
	if config.SanitizeLabel(req.ConfirmLabel) != trust.Label {
		fail(c, http.StatusBadRequest, "label confirmation does not match")
		return
	}
	if _, running := s.state.RunningBackup(req.DriveID); running {
		fail(c, http.StatusConflict, state.ErrBackupRunning.Error())
		return
	}

	if req.Wipe {
		drive, connected := s.state.Connected(req.DriveID)
		if !connected {
			fail(c, http.StatusConflict, state.ErrDriveNotConnected.Error())
			return
		}
		// Never point dd at a mounted filesystem. If the unmount fails, the
		// wipe does not happen.
		if err := s.devices.UnmountPartition(c.Request.Context(), drive.DevNode); err != nil {
			s.deviceFail(c, err, "could not unmount device before wipe")
			return
		}
		if err := s.devices.SecureWipe(c.Request.Context(), drive.DevNode); err != nil {
			s.deviceFail(c, err, "secure wipe failed")
			return
		}
	}

	found := false
	err := s.state.UpdateConfig(func(cfg *config.Config) error {
		if _, ok := cfg.TrustedDrives[req.DriveID]; ok {
			found = true
			delete(cfg.TrustedDrives, req.DriveID)
		}
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "could not save configuration")
		return
	}
	if !found {
		fail(c, http.StatusNotFound, backup.ErrUnknownDrive.Error())
		return
	}

	if s.keychain != nil {
		if err := s.keychain.Delete(req.DriveID); err != nil {
			s.logger.Warn().Err(err).Msg("could not remove cached passphrase")
		}
	}
	s.state.DriveDisconnected(req.DriveID)
	c.JSON(http.StatusOK, gin.H{"discontinued": true})
}

type updateDriveRequest struct {
	DriveID       string                 `json:"drive_id" binding:"required"`
	Label         *string                `json:"label"`
	BackupSources []config.BackupSource  `json:"backup_sources"`
}

func (s *Server) handleUpdateDrive(c *gin.Context) {
	var req updateDriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "drive_id is required")
		return
	}

	var updateErr error
	var newLabel string
	err := s.state.UpdateConfig(func(cfg *config.Config) error {
		drive, ok := cfg.TrustedDrives[req.DriveID]
		if !ok {
			updateErr = backup.ErrUnknownDrive
			return nil
		}
		if req.Label != nil {
			label := config.SanitizeLabel(*req.Label)
			if label == "" {
				updateErr = errors.New("label must not be empty")
				return nil
			}
			if cfg.LabelExists(label, req.DriveID) {
				updateErr = errors.New("a drive with this label already exists")
				return nil
			}
			drive.Label = label
			newLabel = label
		}
		if req.BackupSources != nil {
			drive.BackupSources = req.BackupSources
		}
		cfg.TrustedDrives[req.DriveID] = drive
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "could not save configuration")
		return
	}
	if updateErr != nil {
		status := http.StatusBadRequest
		if errors.Is(updateErr, backup.ErrUnknownDrive) {
			status = http.StatusNotFound
		}
		fail(c, status, updateErr.Error())
		return
	}

	// Keep the on-drive marker and the runtime record in step with the new
	// label. Best effort; the trust record is authoritative.
	if newLabel != "" {
		if drive, connected := s.state.Connected(req.DriveID); connected {
			drive.Label = newLabel
			s.state.DriveConnected(drive)
			if m, err := marker.Read(drive.MountPoint); err == nil && m != nil {
				m.Label = newLabel
				if err := marker.Write(drive.MountPoint, m); err != nil {
					s.logger.Debug().Err(err).Msg("marker label update skipped")
				}
			}
		}
	}
	c.JSON(http.StatusOK, s.state.Config().TrustedDrives[req.DriveID])
}

type backupRunRequest struct {
	DriveID    string `json:"drive_id" binding:"required"`
	Passphrase string `json:"passphrase"`
}

// handleBackupRun starts a backup asynchronously. Conflicts are reported
// immediately; the run outcome lands in status, history and notifications.
func (s *Server) handleBackupRun(c *gin.Context) {
	var req backupRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "drive_id is required")
		return
	}

	if _, connected := s.state.Connected(req.DriveID); !connected {
		fail(c, http.StatusConflict, state.ErrDriveNotConnected.Error())
		return
	}
	if _, running := s.state.RunningBackup(req.DriveID); running {
		fail(c, http.StatusConflict, state.ErrBackupRunning.Error())
		return
	}

	passphrase, err := s.passphraseFor(req.DriveID, req.Passphrase)
	if err != nil {
		fail(c, http.StatusUnauthorized, "passphrase required")
		return
	}

	// Cache the passphrase for future unattended runs when allowed.
	cfg := s.state.Config()
	if req.Passphrase != "" && cfg.RememberPass && !cfg.ParanoidMode && s.keychain != nil {
		if err := s.keychain.Store(req.DriveID, passphrase); err != nil {
			s.logger.Warn().Err(err).Msg("passphrase not cached")
		}
	}

	go func() {
		if _, err := s.backups.Run(context.Background(), req.DriveID, passphrase); err != nil {
			s.logger.Error().Err(err).Str("drive_id", req.DriveID).Msg("backup run failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	repo, passphrase, ok := s.repoAccess(c)
	if !ok {
		return
	}
	snaps, err := s.engine.Snapshots(c.Request.Context(), repo, passphrase)
	if err != nil {
		s.engineFail(c, err, "could not list snapshots")
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleSnapshotStats(c *gin.Context) {
	repo, passphrase, ok := s.repoAccess(c)
	if !ok {
		return
	}
	snapshotID := c.DefaultQuery("snapshot_id", "latest")
	stats, err := s.engine.SnapshotStats(c.Request.Context(), repo, passphrase, snapshotID)
	if err != nil {
		s.engineFail(c, err, "could not read snapshot stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_size":       stats.TotalSize,
		"total_size_human": humanize.Bytes(uint64(stats.TotalSize)),
		"total_file_count": stats.TotalFileCount,
	})
}

type restoreRequest struct {
	DriveID    string   `json:"drive_id" binding:"required"`
	SnapshotID string   `json:"snapshot_id"`
	Target     string   `json:"target" binding:"required"`
	Includes   []string `json:"includes"`
	Passphrase string   `json:"passphrase"`
}

// handleRestore runs a restore synchronously, holding the system-wide
// restore slot for the duration.
func (s *Server) handleRestore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "drive_id and target are required")
		return
	}
	drive, connected := s.state.Connected(req.DriveID)
	if !connected {
		fail(c, http.StatusConflict, state.ErrDriveNotConnected.Error())
		return
	}
	passphrase, err := s.passphraseFor(req.DriveID, req.Passphrase)
	if err != nil {
		fail(c, http.StatusUnauthorized, "passphrase required")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	if err := s.state.BeginRestore(req.DriveID, cancel); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	defer s.state.FinishRestore()

	snapshotID := req.SnapshotID
	if snapshotID == "" {
		snapshotID = "latest"
	}
	cfg := s.state.Config()
	repo, ok := cfg.RepositoryPathFor(req.DriveID, drive.MountPoint)
	if !ok {
		fail(c, http.StatusNotFound, backup.ErrUnknownDrive.Error())
		return
	}
	if err := s.engine.Restore(ctx, repo, passphrase, snapshotID, req.Target, req.Includes); err != nil {
		s.engineFail(c, err, "restore failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": true, "snapshot_id": snapshotID})
}

func (s *Server) handleRecoveryKit(c *gin.Context) {
	driveID := c.Query("drive_id")
	if driveID == "" {
		fail(c, http.StatusBadRequest, "drive_id is required")
		return
	}
	cfg := s.state.Config()
	trust, known := cfg.TrustedDrives[driveID]
	if !known {
		fail(c, http.StatusNotFound, backup.ErrUnknownDrive.Error())
		return
	}

	kit := recovery.New(driveID, trust.Label, trust.RepositoryID, "")
	// When the drive is plugged in, refresh the copy stored on it.
	if drive, connected := s.state.Connected(driveID); connected {
		if err := kit.WriteToDir(filepath.Join(drive.MountPoint, marker.Dir)); err != nil {
			s.logger.Warn().Err(err).Msg("recovery kit not written to drive")
		}
	}
	c.JSON(http.StatusOK, kit)
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []state.RunResult{}})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	runs, err := s.history.Recent(c.Request.Context(), c.Query("drive_id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history query failed")
		fail(c, http.StatusInternalServerError, "could not read run history")
		return
	}
	if runs == nil {
		runs = []state.RunResult{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// repoAccess resolves a drive_id query parameter to a repository path and
// passphrase, writing the error response itself on failure.
func (s *Server) repoAccess(c *gin.Context) (repo, passphrase string, ok bool) {
	driveID := c.Query("drive_id")
	if driveID == "" {
		fail(c, http.StatusBadRequest, "drive_id is required")
		return "", "", false
	}
	drive, connected := s.state.Connected(driveID)
	if !connected {
		fail(c, http.StatusConflict, state.ErrDriveNotConnected.Error())
		return "", "", false
	}
	passphrase, err := s.passphraseFor(driveID, c.GetHeader("X-Passphrase"))
	if err != nil {
		fail(c, http.StatusUnauthorized, "passphrase required")
		return "", "", false
	}
	cfg := s.state.Config()
	repo, ok = cfg.RepositoryPathFor(driveID, drive.MountPoint)
	if !ok {
		fail(c, http.StatusNotFound, backup.ErrUnknownDrive.Error())
		return "", "", false
	}
	return repo, passphrase, true
}

// passphraseFor prefers an explicitly supplied passphrase and falls back to
// the keychain.
func (s *Server) passphraseFor(driveID, supplied string) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	if s.keychain == nil {
		return "", errors.New("passphrase required")
	}
	return s.keychain.Get(driveID)
}

func (s *Server) deviceFail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, devices.ErrAuthorizationRequired):
		fail(c, http.StatusForbidden, "authorization required")
	case errors.Is(err, devices.ErrNotMounted):
		fail(c, http.StatusConflict, "device not mounted")
	default:
		s.logger.Error().Err(err).Msg(fallback)
		fail(c, http.StatusInternalServerError, fallback)
	}
}

func (s *Server) engineFail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, engine.ErrAuth):
		fail(c, http.StatusUnauthorized, "invalid passphrase or repository")
	case errors.Is(err, engine.ErrInterrupted):
		fail(c, http.StatusConflict, "operation interrupted")
	default:
		s.logger.Error().Err(err).Msg(fallback)
		fail(c, http.StatusInternalServerError, fallback)
	}
}

const labelAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// defaultLabel generates a fresh drive label of the form backup-q7x2p9.
func defaultLabel() string {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "backup-drive"
	}
	for i, b := range raw {
		raw[i] = labelAlphabet[int(b)%len(labelAlphabet)]
	}
	return "backup-" + string(raw)
}
