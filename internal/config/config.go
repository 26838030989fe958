// Package config manages the agent's persisted configuration, including the
// trusted drive records and the global backup policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LabelMaxLen caps drive and source labels. Marker files live on removable
// media and may have been edited outside the agent.
const LabelMaxLen = 512

// DefaultRepositoryRelPath is where new repositories are created, relative to
// the drive's mount root. Trust records written before the path was persisted
// fall back to it.
const DefaultRepositoryRelPath = ".driveguard/repo"

// SanitizeLabel trims a label, strips control characters and caps its length.
// Returns "" when nothing printable remains. Applied to every label read from
// user input or from a medium, so it must be idempotent.
func SanitizeLabel(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if n >= LabelMaxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// BackupSource is a labelled path to back up. Paths are only handed to the
// backup engine; they are never surfaced in logs or error messages.
type BackupSource struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// TrustedDrive is the host-local record of a paired drive.
type TrustedDrive struct {
	DriveID        string `json:"drive_id"`
	Label          string `json:"label,omitempty"`
	// RepositoryPath is relative to the mount root.
	RepositoryPath string `json:"repository_path"`
	RepositoryID   string `json:"repository_id,omitempty"`
	LastSeenEpoch  int64  `json:"last_seen_epoch,omitempty"`
	// LastBackupEpoch and LastBackupSnapshotID record the most recent
	// successful backup to this drive.
	LastBackupEpoch      int64  `json:"last_backup_epoch,omitempty"`
	LastBackupSnapshotID string `json:"last_backup_snapshot_id,omitempty"`
	// BackupSources, when set, overrides the global source list for this drive.
	BackupSources []BackupSource `json:"backup_sources,omitempty"`
}

// RetentionPolicy translates into the engine's forget/prune arguments.
type RetentionPolicy struct {
	Enabled      bool `json:"enabled"`
	KeepLast     int  `json:"keep_last"`
	KeepDaily    int  `json:"keep_daily"`
	KeepWeekly   int  `json:"keep_weekly"`
	KeepMonthly  int  `json:"keep_monthly"`
	KeepYearly   int  `json:"keep_yearly"`
	// MinSnapshots floors keep-last so a misconfigured policy cannot prune
	// everything.
	MinSnapshots int `json:"min_snapshots"`
}

// DefaultRetention returns the retention policy used for new configs.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{MinSnapshots: 3}
}

// ForgetArgs derives the engine's forget arguments. Empty when the policy is
// disabled. keep-last is floored at MinSnapshots; the remaining buckets are
// emitted only when nonzero, in fixed order.
func (p RetentionPolicy) ForgetArgs() []string {
	if !p.Enabled {
		return nil
	}
	var args []string
	keepLast := p.KeepLast
	if keepLast < p.MinSnapshots {
		keepLast = p.MinSnapshots
	}
	if keepLast > 0 {
		args = append(args, "--keep-last", fmt.Sprintf("%d", keepLast))
	}
	if p.KeepDaily > 0 {
		args = append(args, "--keep-daily", fmt.Sprintf("%d", p.KeepDaily))
	}
	if p.KeepWeekly > 0 {
		args = append(args, "--keep-weekly", fmt.Sprintf("%d", p.KeepWeekly))
	}
	if p.KeepMonthly > 0 {
		args = append(args, "--keep-monthly", fmt.Sprintf("%d", p.KeepMonthly))
	}
	if p.KeepYearly > 0 {
		args = append(args, "--keep-yearly", fmt.Sprintf("%d", p.KeepYearly))
	}
	return args
}

// Config holds the agent's persisted configuration.
type Config struct {
	TrustedDrives   map[string]TrustedDrive `json:"trusted_drives"`
	BackupSources   []BackupSource          `json:"backup_sources"`
	IncludePatterns []string                `json:"include_patterns"`
	ExcludePatterns []string                `json:"exclude_patterns"`
	Retention       RetentionPolicy         `json:"retention"`
	QuickVerify     bool                    `json:"quick_verify"`
	DeepVerify      bool                    `json:"deep_verify"`
	AutoBackup      bool                    `json:"auto_backup_on_insert"`
	RememberPass    bool                    `json:"remember_passphrase"`
	ParanoidMode    bool                    `json:"paranoid_mode"`
	// BackupSchedule is an optional cron expression; when set, connected
	// trusted drives with a cached passphrase are backed up on schedule.
	BackupSchedule string `json:"backup_schedule,omitempty"`
	// ResticPath overrides the engine binary lookup.
	ResticPath string `json:"restic_path,omitempty"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		TrustedDrives: make(map[string]TrustedDrive),
		BackupSources: []BackupSource{
			{Label: "Documents", Path: "~/Documents"},
			{Label: "Pictures", Path: "~/Pictures"},
			{Label: "Desktop", Path: "~/Desktop"},
		},
		Retention:    DefaultRetention(),
		QuickVerify:  true,
		AutoBackup:   true,
		RememberPass: true,
	}
}

// EnforceSecurityInvariants reconciles mutually exclusive flags. Paranoid mode
// forbids any cached passphrase.
func (c *Config) EnforceSecurityInvariants() {
	if c.ParanoidMode {
		c.RememberPass = false
	}
}

// FirstRun reports whether any drive has been paired yet.
func (c *Config) FirstRun() bool {
	return len(c.TrustedDrives) == 0
}

// RepositoryPathFor resolves a drive's repository under the given mount root.
func (c *Config) RepositoryPathFor(driveID, mountRoot string) (string, bool) {
	drive, ok := c.TrustedDrives[driveID]
	if !ok {
		return "", false
	}
	rel := drive.RepositoryPath
	if rel == "" {
		rel = DefaultRepositoryRelPath
	}
	return filepath.Join(mountRoot, rel), true
}

// SourcesForDrive returns the drive-specific source list if set, else the
// global default.
func (c *Config) SourcesForDrive(driveID string) []BackupSource {
	if drive, ok := c.TrustedDrives[driveID]; ok && len(drive.BackupSources) > 0 {
		return drive.BackupSources
	}
	return c.BackupSources
}

// LabelExists reports whether another trusted drive already uses this label,
// case-insensitively. excludeDriveID skips the drive being renamed.
func (c *Config) LabelExists(label, excludeDriveID string) bool {
	want := strings.ToLower(strings.TrimSpace(label))
	if want == "" {
		return false
	}
	for id, drive := range c.TrustedDrives {
		if id == excludeDriveID {
			continue
		}
		if strings.ToLower(strings.TrimSpace(drive.Label)) == want {
			return true
		}
	}
	return false
}

// UpdateLastSeen stamps the drive's last-seen time.
func (c *Config) UpdateLastSeen(driveID string) {
	if drive, ok := c.TrustedDrives[driveID]; ok {
		drive.LastSeenEpoch = time.Now().Unix()
		c.TrustedDrives[driveID] = drive
	}
}

// UpdateLastBackup records a completed backup for the drive.
func (c *Config) UpdateLastBackup(driveID string, epoch int64, snapshotID string) {
	if drive, ok := c.TrustedDrives[driveID]; ok {
		drive.LastBackupEpoch = epoch
		drive.LastBackupSnapshotID = snapshotID
		c.TrustedDrives[driveID] = drive
	}
}

// sanitizeLoaded re-sanitizes every label read from disk. The config file is
// host-local but labels in it may have originated from a tampered marker.
func (c *Config) sanitizeLoaded() {
	for id, drive := range c.TrustedDrives {
		drive.Label = SanitizeLabel(drive.Label)
		for i := range drive.BackupSources {
			if l := SanitizeLabel(drive.BackupSources[i].Label); l != "" {
				drive.BackupSources[i].Label = l
			} else {
				drive.BackupSources[i].Label = "Source"
			}
		}
		c.TrustedDrives[id] = drive
	}
	for i := range c.BackupSources {
		if l := SanitizeLabel(c.BackupSources[i].Label); l != "" {
			c.BackupSources[i].Label = l
		} else {
			c.BackupSources[i].Label = "Source"
		}
	}
}

// Store reads and writes the config file.
type Store struct {
	path string
}

// DefaultDir returns the agent's config directory (~/.driveguard).
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".driveguard"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// NewStore creates a store for the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration. A missing file yields the default config,
// persisted immediately so the first run leaves a file behind.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := s.Save(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.TrustedDrives == nil {
		cfg.TrustedDrives = make(map[string]TrustedDrive)
	}
	if cfg.Retention.MinSnapshots == 0 {
		cfg.Retention.MinSnapshots = DefaultRetention().MinSnapshots
	}
	cfg.sanitizeLoaded()
	cfg.EnforceSecurityInvariants()
	return &cfg, nil
}

// Save writes the configuration with user-only permissions.
func (s *Store) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
