// Package engine wraps the restic CLI. Restic owns the repository format,
// encryption and deduplication; this package restricts itself to spawning it,
// feeding the passphrase out-of-band and translating its JSON output.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrInterrupted is returned when a subprocess was killed because its
// cancellation handle was raised (drive unplugged mid-operation).
var ErrInterrupted = errors.New("operation interrupted")

// ErrAuth is returned when the repository exists but cannot be opened with
// the given passphrase.
var ErrAuth = errors.New("invalid passphrase or repository")

// ErrNotAvailable is returned when no restic binary could be resolved.
var ErrNotAvailable = errors.New("restic not available")

// Snapshot is one repository snapshot as reported by restic.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags,omitempty"`
}

// SnapshotStats summarizes a single snapshot's contents.
type SnapshotStats struct {
	TotalSize      int64 `json:"total_size"`
	TotalFileCount int64 `json:"total_file_count"`
}

// BackupSummary is the terminal result of a backup run. All fields are zero
// when restic emitted no summary line; exit status alone decides success.
type BackupSummary struct {
	SnapshotID     string
	DataAdded      int64
	FilesProcessed int64
}

// Progress is one status update during a streaming backup.
type Progress struct {
	PercentDone float64
	FilesDone   int64
	TotalFiles  int64
	BytesDone   int64
	TotalBytes  int64
}

// Restic invokes the restic binary as a subprocess.
type Restic struct {
	binary string
	logger zerolog.Logger
}

// Resolve locates the restic binary. An explicit override wins; otherwise
// PATH is searched.
func Resolve(override string, logger zerolog.Logger) (*Restic, error) {
	binary := override
	if binary == "" {
		path, err := exec.LookPath("restic")
		if err != nil {
			return nil, fmt.Errorf("%w: not found in PATH", ErrNotAvailable)
		}
		binary = path
	}
	return &Restic{
		binary: binary,
		logger: logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Init initializes a new repository and returns its repository id.
func (r *Restic) Init(ctx context.Context, repo, passphrase string) (string, error) {
	r.logger.Info().Msg("initializing repository")
	if _, err := r.runCapture(ctx, repo, passphrase, "init"); err != nil {
		return "", fmt.Errorf("init repository: %w", err)
	}
	return r.RepositoryID(ctx, repo, passphrase)
}

// RepositoryID reads the repository id of an existing repository. Because the
// only common failure is a wrong passphrase, errors are classified as ErrAuth.
func (r *Restic) RepositoryID(ctx context.Context, repo, passphrase string) (string, error) {
	out, err := r.runCapture(ctx, repo, passphrase, "cat", "config")
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", ErrAuth, compactError(err))
	}
	var cfg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &cfg); err != nil {
		return "", fmt.Errorf("parse repository config: %w", err)
	}
	return cfg.ID, nil
}

// Snapshots lists all snapshots in the repository.
func (r *Restic) Snapshots(ctx context.Context, repo, passphrase string) ([]Snapshot, error) {
	out, err := r.runCapture(ctx, repo, passphrase, "snapshots", "--json")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var snapshots []Snapshot
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}
	return snapshots, nil
}

// SnapshotStats reads size and file count for one snapshot.
func (r *Restic) SnapshotStats(ctx context.Context, repo, passphrase, snapshotID string) (*SnapshotStats, error) {
	out, err := r.runCapture(ctx, repo, passphrase, "stats", "--json", "--snapshot", snapshotID)
	if err != nil {
		return nil, fmt.Errorf("snapshot stats: %w", err)
	}
	var stats SnapshotStats
	if err := json.Unmarshal(out, &stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return &stats, nil
}

// CheckQuick verifies repository structure and reads a data subset.
func (r *Restic) CheckQuick(ctx context.Context, repo, passphrase string) error {
	if _, err := r.runCapture(ctx, repo, passphrase, "check", "--read-data-subset=1/20"); err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	return nil
}

// CheckDeep verifies the repository reading all pack data.
func (r *Restic) CheckDeep(ctx context.Context, repo, passphrase string) error {
	if _, err := r.runCapture(ctx, repo, passphrase, "check", "--read-data"); err != nil {
		return fmt.Errorf("deep check: %w", err)
	}
	return nil
}

// ForgetPrune applies a derived retention argument list and prunes
// unreferenced data. A nil or empty argument list is a no-op.
func (r *Restic) ForgetPrune(ctx context.Context, repo, passphrase string, retentionArgs []string) error {
	if len(retentionArgs) == 0 {
		return nil
	}
	args := append([]string{"forget", "--prune"}, retentionArgs...)
	if _, err := r.runCapture(ctx, repo, passphrase, args...); err != nil {
		return fmt.Errorf("forget/prune: %w", err)
	}
	return nil
}

// BackupWithProgress runs a backup, decoding restic's JSON status lines as
// they are produced and forwarding them to onProgress. The returned summary
// comes from the terminal summary line; a missing summary is not an error on
// its own. Cancelling ctx kills the subprocess and yields ErrInterrupted.
// onProgress must return quickly; it is called from the output reader.
func (r *Restic) BackupWithProgress(ctx context.Context, repo, passphrase string, sources, includes, excludes []string, onProgress func(Progress)) (*BackupSummary, error) {
	args := []string{"backup", "--json"}
	for _, inc := range includes {
		args = append(args, "--include", inc)
	}
	for _, exc := range excludes {
		args = append(args, "--exclude", exc)
	}
	args = append(args, sources...)

	cmd := r.command(ctx, repo, passphrase, args...)
	cmd.Env = append(cmd.Env, "RESTIC_PROGRESS_FPS=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}

	r.logger.Info().Int("sources", len(sources)).Msg("starting backup")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn restic: %w", err)
	}

	summary := &BackupSummary{}
	sawSummary := false
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			switch msg := classifyLine(scanner.Bytes()).(type) {
			case Progress:
				onProgress(msg)
			case BackupSummary:
				*summary = msg
				sawSummary = true
			}
		}
	}()

	// After a kill, restic's children can keep the stdout pipe open, so the
	// reader alone cannot be trusted to reach EOF. Wait closes our read end
	// of the pipe once the process exits, which unblocks the reader.
	select {
	case <-scanDone:
	case <-ctx.Done():
	}
	waitErr := cmd.Wait()
	<-scanDone
	if ctx.Err() != nil {
		return nil, fmt.Errorf("backup: %w", ErrInterrupted)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("backup: %w: %s", waitErr, trimmedStderr(&stderr))
	}

	event := r.logger.Info().Bool("summary", sawSummary)
	if sawSummary {
		event = event.Int64("data_added", summary.DataAdded).Int64("files_processed", summary.FilesProcessed)
	}
	event.Msg("backup completed")
	return summary, nil
}

// Restore restores a snapshot into target. Same cancellation discipline as
// backup; output is buffered since restore needs no live progress.
func (r *Restic) Restore(ctx context.Context, repo, passphrase, snapshotID, target string, includes []string) error {
	args := []string{"restore", snapshotID, "--target", target}
	for _, inc := range includes {
		args = append(args, "--include", inc)
	}
	if _, err := r.runCapture(ctx, repo, passphrase, args...); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// command builds the restic invocation. The passphrase travels via the
// environment so it never appears in process listings or logs.
func (r *Restic) command(ctx context.Context, repo, passphrase string, args ...string) *exec.Cmd {
	full := append([]string{"--repo", repo}, args...)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Env = append(cmd.Environ(),
		"RESTIC_PASSWORD="+passphrase,
		"RESTIC_PROGRESS_FPS=0",
	)
	return cmd
}

// runCapture runs restic to completion and returns stdout. These calls have
// bounded output and are safe to buffer.
func (r *Restic) runCapture(ctx context.Context, repo, passphrase string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, repo, passphrase, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("subcommand", args[0]).Msg("executing restic")
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("restic %s: %w", args[0], ErrInterrupted)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, trimmedStderr(&stderr))
	}
	return stdout.Bytes(), nil
}

func trimmedStderr(buf *bytes.Buffer) string {
	msg := strings.TrimSpace(buf.String())
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// compactError reduces a wrapped exec error to its first line for sanitized
// surfacing.
func compactError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
