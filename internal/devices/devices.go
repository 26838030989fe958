// Package devices enumerates removable block devices and performs mount,
// unmount, format and wipe operations through the system's disk tooling.
// Timing races against udev/udisks2 device settling are absorbed with bounded
// retries.
package devices

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrAuthorizationRequired marks failures where the mount/format helper
// reported an authorization denial, so callers can prompt instead of showing
// a generic failure.
var ErrAuthorizationRequired = errors.New("authorization required")

// ErrNotMounted is returned when an operation needs a mountpoint that does
// not exist.
var ErrNotMounted = errors.New("device not mounted")

// ErrMounted is returned when a destructive operation is refused because the
// device is still mounted.
var ErrMounted = errors.New("device still mounted")

// Runner executes an external tool and returns its output. Factored out so
// tests can script tool behavior.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return []byte(out.String()), []byte(errBuf.String()), err
}

// Device is a removable whole disk with its partitions.
type Device struct {
	Path       string      `json:"path"`
	Name       string      `json:"name"`
	Size       string      `json:"size"`
	Model      string      `json:"model,omitempty"`
	Removable  bool        `json:"removable"`
	Partitions []Partition `json:"partitions"`
}

// Partition is one partition of a removable disk.
type Partition struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Size        string   `json:"size"`
	FSType      string   `json:"fstype,omitempty"`
	Mountpoints []string `json:"mountpoints"`
}

// Scanner wraps the disk tooling. Retry delays are fields so tests can zero
// them.
type Scanner struct {
	runner       Runner
	logger       zerolog.Logger
	MountRetry   time.Duration
	UnmountRetry time.Duration
	SettleDelay  time.Duration
}

// NewScanner creates a Scanner using the real system tools.
func NewScanner(logger zerolog.Logger) *Scanner {
	return NewScannerWithRunner(execRunner{}, logger)
}

// NewScannerWithRunner creates a Scanner with a custom tool runner.
func NewScannerWithRunner(runner Runner, logger zerolog.Logger) *Scanner {
	return &Scanner{
		runner:       runner,
		logger:       logger.With().Str("component", "devices").Logger(),
		MountRetry:   1200 * time.Millisecond,
		UnmountRetry: 800 * time.Millisecond,
		SettleDelay:  1200 * time.Millisecond,
	}
}

type lsblkDevice struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Size        string        `json:"size"`
	Model       string        `json:"model"`
	RM          bool          `json:"rm"`
	Tran        string        `json:"tran"`
	Hotplug     bool          `json:"hotplug"`
	Type        string        `json:"type"`
	FSType      string        `json:"fstype"`
	Mountpoints []*string     `json:"mountpoints"`
	Children    []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

func (s *Scanner) lsblk(ctx context.Context, columns string) (*lsblkOutput, error) {
	stdout, stderr, err := s.runner.Run(ctx, "lsblk", "-J", "-o", columns)
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w: %s", err, trimmed(stderr))
	}
	var parsed lsblkOutput
	if err := json.Unmarshal(stdout, &parsed); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}
	return &parsed, nil
}

// qualifies reports whether a disk counts as removable media: marked
// removable, hot-pluggable, or attached over USB.
func qualifies(dev lsblkDevice) bool {
	return dev.RM || dev.Hotplug || dev.Tran == "usb"
}

// ListRemovable enumerates removable whole disks with their partitions.
func (s *Scanner) ListRemovable(ctx context.Context) ([]Device, error) {
	parsed, err := s.lsblk(ctx, "NAME,PATH,SIZE,MODEL,RM,TRAN,HOTPLUG,TYPE,FSTYPE,MOUNTPOINTS")
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0)
	for _, dev := range parsed.Blockdevices {
		if dev.Type != "disk" || !qualifies(dev) {
			continue
		}
		d := Device{
			Path:      devPath(dev),
			Name:      dev.Name,
			Size:      dev.Size,
			Model:     dev.Model,
			Removable: true,
		}
		for _, child := range dev.Children {
			if child.Type != "part" {
				continue
			}
			d.Partitions = append(d.Partitions, Partition{
				Path:        devPath(child),
				Name:        child.Name,
				Size:        child.Size,
				FSType:      child.FSType,
				Mountpoints: compactMounts(child.Mountpoints),
			})
		}
		devices = append(devices, d)
	}
	s.logger.Debug().Int("count", len(devices)).Msg("removable disks scanned")
	return devices, nil
}

// ListRemovableNodes returns every qualifying disk and partition device node.
// The watcher diffs this set to detect hotplug transitions.
func (s *Scanner) ListRemovableNodes(ctx context.Context) ([]string, error) {
	parsed, err := s.lsblk(ctx, "NAME,PATH,RM,TRAN,HOTPLUG,TYPE")
	if err != nil {
		return nil, err
	}
	var nodes []string
	for _, dev := range parsed.Blockdevices {
		if dev.Type != "disk" || !qualifies(dev) {
			continue
		}
		nodes = append(nodes, devPath(dev))
		for _, child := range dev.Children {
			if child.Type == "part" {
				nodes = append(nodes, devPath(child))
			}
		}
	}
	return nodes, nil
}

// FindMountpoint returns the first mountpoint of the given device node, or
// ErrNotMounted.
func (s *Scanner) FindMountpoint(ctx context.Context, devnode string) (string, error) {
	parsed, err := s.lsblk(ctx, "NAME,PATH,TYPE,FSTYPE,MOUNTPOINTS")
	if err != nil {
		return "", err
	}
	mp, found := findMountIn(parsed.Blockdevices, devnode)
	if !found || mp == "" {
		return "", ErrNotMounted
	}
	return mp, nil
}

func findMountIn(devs []lsblkDevice, devnode string) (string, bool) {
	for _, dev := range devs {
		if devPath(dev) == devnode {
			mounts := compactMounts(dev.Mountpoints)
			if len(mounts) > 0 {
				return mounts[0], true
			}
			return "", true
		}
		if mp, found := findMountIn(dev.Children, devnode); found {
			return mp, found
		}
	}
	return "", false
}

// MountPartition mounts the device via udisksctl. "not a mountable
// filesystem" failures are retried up to 3 times; the OS may still be
// settling a freshly formatted device. Authorization denials surface as
// ErrAuthorizationRequired.
func (s *Scanner) MountPartition(ctx context.Context, devnode string) (string, error) {
	for attempt := 1; attempt <= 3; attempt++ {
		_, stderr, err := s.runner.Run(ctx, "udisksctl", "mount", "-b", devnode)
		if err == nil {
			mp, err := s.FindMountpoint(ctx, devnode)
			if err != nil {
				return "", fmt.Errorf("mounted but mountpoint not found: %w", err)
			}
			s.logger.Info().Msg("mount succeeded")
			return mp, nil
		}
		msg := trimmed(stderr)
		if isAuthDenial(msg) {
			return "", fmt.Errorf("mount: %w", ErrAuthorizationRequired)
		}
		if strings.Contains(msg, "not a mountable filesystem") && attempt < 3 {
			s.logger.Debug().Int("attempt", attempt).Msg("device not yet mountable, waiting for settle")
			if err := sleepCtx(ctx, s.MountRetry); err != nil {
				return "", err
			}
			continue
		}
		return "", fmt.Errorf("mount failed: %s", msg)
	}
	return "", errors.New("mount failed")
}

// UnmountPartition unmounts the device via udisksctl.
func (s *Scanner) UnmountPartition(ctx context.Context, devnode string) error {
	_, stderr, err := s.runner.Run(ctx, "udisksctl", "unmount", "-b", devnode)
	if err != nil {
		msg := trimmed(stderr)
		if isAuthDenial(msg) {
			return fmt.Errorf("unmount: %w", ErrAuthorizationRequired)
		}
		return fmt.Errorf("unmount failed: %s", msg)
	}
	return nil
}

// Eject unmounts the device and powers it off so it can be unplugged safely.
func (s *Scanner) Eject(ctx context.Context, devnode string) error {
	if err := s.UnmountPartition(ctx, devnode); err != nil {
		return err
	}
	_, stderr, err := s.runner.Run(ctx, "udisksctl", "power-off", "-b", devnode)
	if err != nil {
		return fmt.Errorf("power off failed: %s", trimmed(stderr))
	}
	return nil
}

// newVolumeLabel generates the fixed-format volume label written during
// format: constant prefix plus 6 random hex characters, 11 characters total
// (the exFAT label limit).
func newVolumeLabel() string {
	raw := make([]byte, 3)
	if _, err := rand.Read(raw); err != nil {
		return "guard000000"
	}
	return "guard" + hex.EncodeToString(raw)
}

// FormatPartitionExFat formats the device as exFAT with a generated volume
// label. The device is unmounted first (retried up to 3 times). udisksctl's
// format verb is preferred; otherwise mkfs.exfat runs through pkexec, with an
// automatic -n to -L label-flag fallback for older tools.
func (s *Scanner) FormatPartitionExFat(ctx context.Context, devnode string) error {
	label := newVolumeLabel()

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := s.FindMountpoint(ctx, devnode); errors.Is(err, ErrNotMounted) {
			break
		}
		if err := s.UnmountPartition(ctx, devnode); err != nil {
			if attempt == 3 {
				return fmt.Errorf("unmount before format: %w", err)
			}
			s.logger.Warn().Int("attempt", attempt).Msg("unmount before format failed, retrying")
			if err := sleepCtx(ctx, s.UnmountRetry); err != nil {
				return err
			}
		}
	}

	if s.udisksctlSupportsFormat(ctx) {
		_, stderr, err := s.runner.Run(ctx, "udisksctl", "format", "-b", devnode, "--type", "exfat", "--label", label)
		if err != nil {
			msg := trimmed(stderr)
			if isAuthDenial(msg) {
				return fmt.Errorf("format: %w", ErrAuthorizationRequired)
			}
			return fmt.Errorf("format failed: %s", msg)
		}
		s.logger.Info().Msg("format succeeded")
		return nil
	}

	formatter, err := findExfatFormatter()
	if err != nil {
		return err
	}
	if err := s.runMkfsExfat(ctx, formatter, devnode, label); err != nil {
		return err
	}
	// The OS has not re-enumerated the new filesystem yet; settle udev and
	// give udisks2 a moment so the first mount attempt succeeds.
	_, _, _ = s.runner.Run(ctx, "udevadm", "settle")
	if err := sleepCtx(ctx, s.SettleDelay); err != nil {
		return err
	}
	s.logger.Info().Msg("format succeeded (mkfs fallback)")
	return nil
}

func (s *Scanner) runMkfsExfat(ctx context.Context, formatter, devnode, label string) error {
	_, stderr, err := s.runner.Run(ctx, "pkexec", formatter, "-n", label, devnode)
	if err == nil {
		return nil
	}
	msg := trimmed(stderr)
	if isAuthDenial(msg) {
		return fmt.Errorf("format: %w", ErrAuthorizationRequired)
	}
	if strings.Contains(msg, "invalid option") || strings.Contains(msg, "unknown option") {
		// Older mkfs.exfat builds spell the label flag -L.
		_, stderrAlt, errAlt := s.runner.Run(ctx, "pkexec", formatter, "-L", label, devnode)
		if errAlt == nil {
			return nil
		}
		return fmt.Errorf("format failed: %s", trimmed(stderrAlt))
	}
	return fmt.Errorf("format failed: %s", msg)
}

func (s *Scanner) udisksctlSupportsFormat(ctx context.Context) bool {
	stdout, _, err := s.runner.Run(ctx, "udisksctl", "help")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "format ") {
			return true
		}
	}
	return false
}

// SecureWipe overwrites the device with zeros through pkexec. Wiping a
// mounted filesystem corrupts it mid-write, so the kernel mount table is
// consulted first and ErrMounted returned while any mount remains.
func (s *Scanner) SecureWipe(ctx context.Context, devnode string) error {
	if mp, err := FindMountForDevice(devnode); err == nil && mp != "" {
		return fmt.Errorf("secure wipe: %w", ErrMounted)
	}
	if _, err := exec.LookPath("pkexec"); err != nil {
		return errors.New("pkexec not found; cannot run secure wipe")
	}
	s.logger.Info().Msg("starting secure wipe")
	_, stderr, err := s.runner.Run(ctx, "pkexec", "dd", "if=/dev/zero", "of="+devnode, "bs=4M", "status=progress")
	if err != nil {
		msg := trimmed(stderr)
		if isAuthDenial(msg) {
			return fmt.Errorf("secure wipe: %w", ErrAuthorizationRequired)
		}
		return fmt.Errorf("secure wipe failed: %s", msg)
	}
	s.logger.Info().Msg("secure wipe completed")
	return nil
}

// Preflight reports which external tools are available.
type Preflight struct {
	Restic          bool `json:"restic"`
	Lsblk           bool `json:"lsblk"`
	Udisksctl       bool `json:"udisksctl"`
	MkfsExfat       bool `json:"mkfs_exfat"`
	Pkexec          bool `json:"pkexec"`
	UdisksctlFormat bool `json:"udisksctl_format"`
}

// CheckPreflight probes the system tooling the agent depends on.
func (s *Scanner) CheckPreflight(ctx context.Context, resticAvailable bool) Preflight {
	has := func(name string) bool {
		_, err := exec.LookPath(name)
		return err == nil
	}
	return Preflight{
		Restic:          resticAvailable,
		Lsblk:           has("lsblk"),
		Udisksctl:       has("udisksctl"),
		MkfsExfat:       has("mkfs.exfat") || has("mkfs.exfatfs"),
		Pkexec:          has("pkexec"),
		UdisksctlFormat: s.udisksctlSupportsFormat(ctx),
	}
}

func findExfatFormatter() (string, error) {
	if path, err := exec.LookPath("mkfs.exfat"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("mkfs.exfatfs"); err == nil {
		return path, nil
	}
	return "", errors.New("mkfs.exfat not found")
}

func isAuthDenial(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "not authorized") || strings.Contains(lower, "authentication")
}

func devPath(dev lsblkDevice) string {
	if dev.Path != "" {
		return dev.Path
	}
	return "/dev/" + dev.Name
}

func compactMounts(raw []*string) []string {
	var mounts []string
	for _, mp := range raw {
		if mp != nil && *mp != "" {
			mounts = append(mounts, *mp)
		}
	}
	return mounts
}

func trimmed(stderr []byte) string {
	return strings.TrimSpace(string(stderr))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
