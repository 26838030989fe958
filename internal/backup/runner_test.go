package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"driveguard/internal/config"
	"driveguard/internal/engine"
	"driveguard/internal/state"
)

type fakeEngine struct {
	calls []string

	initID     string
	backupErr  error
	quickErr   error
	deepErr    error
	pruneErr   error
	summary    *engine.BackupSummary
	progress   []engine.Progress
	forgetArgs []string
}

func (f *fakeEngine) Init(_ context.Context, _, _ string) (string, error) {
	f.calls = append(f.calls, "init")
	return f.initID, nil
}

func (f *fakeEngine) RepositoryID(_ context.Context, _, _ string) (string, error) {
	f.calls = append(f.calls, "repo-id")
	return f.initID, nil
}

func (f *fakeEngine) BackupWithProgress(_ context.Context, _, _ string, _, _, _ []string, onProgress func(engine.Progress)) (*engine.BackupSummary, error) {
	f.calls = append(f.calls, "backup")
	for _, p := range f.progress {
		onProgress(p)
	}
	return f.summary, f.backupErr
}

func (f *fakeEngine) CheckQuick(_ context.Context, _, _ string) error {
	f.calls = append(f.calls, "check-quick")
	return f.quickErr
}

func (f *fakeEngine) CheckDeep(_ context.Context, _, _ string) error {
	f.calls = append(f.calls, "check-deep")
	return f.deepErr
}

func (f *fakeEngine) ForgetPrune(_ context.Context, _, _ string, args []string) error {
	f.calls = append(f.calls, "forget-prune")
	f.forgetArgs = args
	return f.pruneErr
}

type fakeNotify struct {
	started  int
	finished int
	success  bool
	interr   bool
}

func (f *fakeNotify) BackupStarted(string) { f.started++ }
func (f *fakeNotify) BackupFinished(_ string, success, interrupted bool) {
	f.finished++
	f.success = success
	f.interr = interrupted
}

// testSetup builds a state with one connected trusted drive whose backup
// source is a real temp directory.
func testSetup(t *testing.T) (*state.State, string) {
	t.Helper()
	srcDir := t.TempDir()
	mount := t.TempDir()

	cfg := config.Default()
	cfg.BackupSources = []config.BackupSource{{Label: "Data", Path: srcDir}}
	cfg.Retention.Enabled = true
	cfg.Retention.KeepLast = 7
	cfg.TrustedDrives = map[string]config.TrustedDrive{
		"drive-a": {DriveID: "drive-a", Label: "office-usb"},
	}

	st := state.New(cfg, nil)
	st.DriveConnected(state.ConnectedDrive{
		DriveID:    "drive-a",
		Label:      "office-usb",
		MountPoint: mount,
	})
	return st, mount
}

func newTestRunner(st *state.State, eng Engine, n Notifier) *Runner {
	return NewRunner(st, eng, nil, n, nil, zerolog.Nop())
}

func TestRunSuccessPipeline(t *testing.T) {
	st, _ := testSetup(t)
	eng := &fakeEngine{
		initID:  "repo-1",
		summary: &engine.BackupSummary{SnapshotID: "snap1", DataAdded: 2048, FilesProcessed: 12},
		progress: []engine.Progress{
			{PercentDone: 0.5, FilesDone: 6},
		},
	}
	notify := &fakeNotify{}
	r := newTestRunner(st, eng, notify)

	result, err := r.Run(context.Background(), "drive-a", "secret")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != state.StatusSuccess {
		t.Errorf("status = %v, want success", result.Status)
	}
	if result.SnapshotID != "snap1" || result.BytesAdded != 2048 || result.FilesBacked != 12 {
		t.Errorf("summary not captured: %+v", result)
	}
	if result.Phase != state.PhaseCompleted {
		t.Errorf("phase = %v, want completed", result.Phase)
	}
	if result.RepositoryID != "repo-1" {
		t.Errorf("repository id not recorded on result: %q", result.RepositoryID)
	}

	want := []string{"init", "backup", "check-quick", "forget-prune"}
	if len(eng.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", eng.calls, want)
	}
	for i := range want {
		if eng.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", eng.calls, want)
		}
	}

	// Retention args come from the configured policy.
	if len(eng.forgetArgs) == 0 || eng.forgetArgs[0] != "--keep-last" {
		t.Errorf("unexpected forget args: %v", eng.forgetArgs)
	}

	if notify.started != 1 || notify.finished != 1 || !notify.success {
		t.Errorf("notifications: %+v", notify)
	}

	// Repository id lands in the trust record.
	if got := st.Config().TrustedDrives["drive-a"].RepositoryID; got != "repo-1" {
		t.Errorf("repository id not persisted: %q", got)
	}
	// Run slot released.
	if _, running := st.RunningBackup("drive-a"); running {
		t.Error("backup slot still held after run")
	}
	// Last backup recorded.
	if got := st.Config().TrustedDrives["drive-a"].LastBackupSnapshotID; got != "snap1" {
		t.Errorf("last snapshot not persisted: %q", got)
	}
}

func TestRunVerificationFailureDowngrades(t *testing.T) {
	st, _ := testSetup(t)
	eng := &fakeEngine{
		summary:  &engine.BackupSummary{SnapshotID: "snap1"},
		quickErr: errors.New("pack a1b2: checksum mismatch"),
	}
	notify := &fakeNotify{}
	r := newTestRunner(st, eng, notify)

	result, err := r.Run(context.Background(), "drive-a", "secret")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusPartial {
		t.Errorf("status = %v, want partial", result.Status)
	}
	if result.Message != "quick verification reported errors" {
		t.Errorf("message = %q", result.Message)
	}
	// Retention never touches a repository that just failed verification.
	for _, c := range eng.calls {
		if c == "forget-prune" {
			t.Error("prune ran after verification downgrade")
		}
	}
	if notify.success {
		t.Error("partial run reported as success")
	}
}

func TestRunPruneFailureDowngrades(t *testing.T) {
	st, _ := testSetup(t)
	eng := &fakeEngine{
		summary:  &engine.BackupSummary{SnapshotID: "snap1"},
		pruneErr: errors.New("repo locked"),
	}
	r := newTestRunner(st, eng, &fakeNotify{})

	result, err := r.Run(context.Background(), "drive-a", "secret")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != state.StatusPartial || result.Message != "retention prune failed" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunInterrupted(t *testing.T) {
	st, _ := testSetup(t)
	eng := &fakeEngine{backupErr: engine.ErrInterrupted}
	notify := &fakeNotify{}
	r := newTestRunner(st, eng, notify)

	result, err := r.Run(context.Background(), "drive-a", "secret")
	if err != nil {
		t.Fatalf("interrupted run should not return an error: %v", err)
	}
	if result.Status != state.StatusFailed || !result.Interrupted {
		t.Errorf("result = %+v", result)
	}
	if result.Message != "drive disconnected during backup" {
		t.Errorf("message = %q", result.Message)
	}
	if !notify.interr {
		t.Error("interruption not announced")
	}
	// Verification and prune are skipped entirely.
	for _, c := range eng.calls {
		if c == "check-quick" || c == "forget-prune" {
			t.Errorf("step %s ran after interruption", c)
		}
	}
}

// unpluggingEngine yanks the drive from the runtime state during the backup
// call and then reports success, like a cable pulled in the watcher's poll
// window.
type unpluggingEngine struct {
	fakeEngine
	st *state.State
}

func (u *unpluggingEngine) BackupWithProgress(ctx context.Context, repo, pass string, sources, inc, exc []string, onProgress func(engine.Progress)) (*engine.BackupSummary, error) {
	if cancel, ok := u.st.DriveDisconnected("drive-a"); ok {
		cancel()
	}
	return u.fakeEngine.BackupWithProgress(ctx, repo, pass, sources, inc, exc, onProgress)
}

func TestRunFailsWhenDriveVanishesBeforeFinish(t *testing.T) {
	st, _ := testSetup(t)
	eng := &unpluggingEngine{st: st}
	eng.summary = &engine.BackupSummary{SnapshotID: "snap1"}
	notify := &fakeNotify{}
	r := newTestRunner(st, eng, notify)

	result, err := r.Run(context.Background(), "drive-a", "secret")
	if err != nil {
		t.Fatalf("interrupted run should not return an error: %v", err)
	}
	if result.Status != state.StatusFailed || !result.Interrupted {
		t.Errorf("result = %+v, want failed and interrupted", result)
	}
	if result.Message != "drive disconnected during backup" {
		t.Errorf("message = %q", result.Message)
	}
	if !notify.interr {
		t.Error("interruption not announced")
	}
}

func TestRunAuthFailure(t *testing.T) {
	st, mount := testSetup(t)
	// Existing repo config forces the open path instead of init.
	repoDir := filepath.Join(mount, ".driveguard", "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "config"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := &authFailEngine{}
	r := newTestRunner(st, eng, nil)

	result, err := r.Run(context.Background(), "drive-a", "wrong")
	if err == nil {
		t.Fatal("want error for auth failure")
	}
	if result.Status != state.StatusFailed {
		t.Errorf("status = %v", result.Status)
	}
	if result.Message != "invalid passphrase or repository" {
		t.Errorf("message = %q", result.Message)
	}
}

type authFailEngine struct{ fakeEngine }

func (a *authFailEngine) RepositoryID(context.Context, string, string) (string, error) {
	return "", engine.ErrAuth
}

func TestRunRejectsWhenDriveBusy(t *testing.T) {
	st, _ := testSetup(t)
	if _, err := st.BeginBackup("drive-a", func() {}); err != nil {
		t.Fatal(err)
	}
	r := newTestRunner(st, &fakeEngine{}, nil)

	_, err := r.Run(context.Background(), "drive-a", "secret")
	if !errors.Is(err, state.ErrBackupRunning) {
		t.Errorf("want ErrBackupRunning, got %v", err)
	}
}

func TestRunRejectsDisconnectedDrive(t *testing.T) {
	st, _ := testSetup(t)
	st.DriveDisconnected("drive-a")
	r := newTestRunner(st, &fakeEngine{}, nil)

	_, err := r.Run(context.Background(), "drive-a", "secret")
	if !errors.Is(err, state.ErrDriveNotConnected) {
		t.Errorf("want ErrDriveNotConnected, got %v", err)
	}
}

func TestRunAutoDefersWithoutPassphrase(t *testing.T) {
	st, _ := testSetup(t)
	eng := &fakeEngine{}
	r := newTestRunner(st, eng, nil)
	r.Passphrase = func(string) (string, error) { return "", errors.New("no cached passphrase") }

	r.RunAuto(context.Background(), "drive-a")
	if len(eng.calls) != 0 {
		t.Errorf("engine invoked despite missing passphrase: %v", eng.calls)
	}
}

func TestExpandSources(t *testing.T) {
	t.Run("drops missing and keeps existing", func(t *testing.T) {
		dir := t.TempDir()
		out, err := ExpandSources([]config.BackupSource{
			{Label: "Data", Path: dir},
			{Label: "Gone", Path: filepath.Join(dir, "does-not-exist")},
		})
		if err != nil {
			t.Fatalf("ExpandSources: %v", err)
		}
		if len(out) != 1 || out[0] != dir {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("tilde expansion", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		sub := filepath.Join(home, "Documents")
		if err := os.Mkdir(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		out, err := ExpandSources([]config.BackupSource{{Label: "Docs", Path: "~/Documents"}})
		if err != nil {
			t.Fatalf("ExpandSources: %v", err)
		}
		if len(out) != 1 || out[0] != sub {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("all missing is an error", func(t *testing.T) {
		_, err := ExpandSources([]config.BackupSource{{Label: "Gone", Path: "/does/not/exist"}})
		if !errors.Is(err, ErrNoSources) {
			t.Errorf("want ErrNoSources, got %v", err)
		}
	})
}
