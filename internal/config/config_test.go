package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeLabel(t *testing.T) {
	t.Run("empty and whitespace", func(t *testing.T) {
		if got := SanitizeLabel(""); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
		if got := SanitizeLabel("   "); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
		if got := SanitizeLabel("\t\n"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("trims", func(t *testing.T) {
		if got := SanitizeLabel("  my drive  "); got != "my drive" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("strips control characters", func(t *testing.T) {
		if got := SanitizeLabel("a\x00b\x1fc"); got != "abc" {
			t.Errorf("got %q", got)
		}
		if got := SanitizeLabel("ok\x0c"); got != "ok" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("caps length", func(t *testing.T) {
		long := strings.Repeat("a", LabelMaxLen+100)
		got := SanitizeLabel(long)
		if len(got) != LabelMaxLen {
			t.Errorf("expected %d chars, got %d", LabelMaxLen, len(got))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		inputs := []string{"plain", "  padded  ", "ctl\x01chars", strings.Repeat("x", LabelMaxLen*2)}
		for _, in := range inputs {
			once := SanitizeLabel(in)
			if twice := SanitizeLabel(once); twice != once {
				t.Errorf("not idempotent for %q: %q != %q", in, once, twice)
			}
		}
	})

	t.Run("unicode kept", func(t *testing.T) {
		if got := SanitizeLabel("ドライブ"); got != "ドライブ" {
			t.Errorf("got %q", got)
		}
	})
}

func TestForgetArgs(t *testing.T) {
	t.Run("disabled yields nothing", func(t *testing.T) {
		p := RetentionPolicy{Enabled: false, KeepLast: 10, KeepDaily: 7, MinSnapshots: 3}
		if args := p.ForgetArgs(); len(args) != 0 {
			t.Errorf("expected no args, got %v", args)
		}
	})

	t.Run("keep-last floored at min snapshots", func(t *testing.T) {
		p := RetentionPolicy{Enabled: true, KeepLast: 1, MinSnapshots: 3}
		args := p.ForgetArgs()
		want := []string{"--keep-last", "3"}
		assertArgs(t, args, want)
	})

	t.Run("keep-last above floor kept as-is", func(t *testing.T) {
		p := RetentionPolicy{Enabled: true, KeepLast: 10, MinSnapshots: 3}
		assertArgs(t, p.ForgetArgs(), []string{"--keep-last", "10"})
	})

	t.Run("buckets included iff nonzero in fixed order", func(t *testing.T) {
		p := RetentionPolicy{
			Enabled:      true,
			KeepLast:     5,
			KeepDaily:    7,
			KeepMonthly:  6,
			MinSnapshots: 3,
		}
		assertArgs(t, p.ForgetArgs(), []string{
			"--keep-last", "5",
			"--keep-daily", "7",
			"--keep-monthly", "6",
		})
	})

	t.Run("all buckets", func(t *testing.T) {
		p := RetentionPolicy{
			Enabled:     true,
			KeepLast:    4,
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 12,
			KeepYearly:  2,
		}
		assertArgs(t, p.ForgetArgs(), []string{
			"--keep-last", "4",
			"--keep-daily", "7",
			"--keep-weekly", "4",
			"--keep-monthly", "12",
			"--keep-yearly", "2",
		})
	})
}

func assertArgs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Default()
	cfg.TrustedDrives["drive-1"] = TrustedDrive{
		DriveID:        "drive-1",
		Label:          "Office USB",
		RepositoryPath: ".driveguard/repo",
	}

	t.Run("repository path for known drive", func(t *testing.T) {
		path, ok := cfg.RepositoryPathFor("drive-1", "/media/usb")
		if !ok {
			t.Fatal("expected drive to be found")
		}
		if path != filepath.Join("/media/usb", ".driveguard/repo") {
			t.Errorf("got %q", path)
		}
	})

	t.Run("repository path defaults for legacy records", func(t *testing.T) {
		cfg.TrustedDrives["drive-2"] = TrustedDrive{DriveID: "drive-2", Label: "legacy-usb"}
		path, ok := cfg.RepositoryPathFor("drive-2", "/media/usb")
		if !ok {
			t.Fatal("expected drive to be found")
		}
		if path != filepath.Join("/media/usb", DefaultRepositoryRelPath) {
			t.Errorf("got %q", path)
		}
	})

	t.Run("repository path for unknown drive", func(t *testing.T) {
		if _, ok := cfg.RepositoryPathFor("nope", "/media/usb"); ok {
			t.Error("expected not found")
		}
	})

	t.Run("sources default to global", func(t *testing.T) {
		sources := cfg.SourcesForDrive("drive-1")
		if len(sources) != len(cfg.BackupSources) {
			t.Errorf("expected global sources, got %v", sources)
		}
	})

	t.Run("per-drive sources override", func(t *testing.T) {
		drive := cfg.TrustedDrives["drive-1"]
		drive.BackupSources = []BackupSource{{Label: "Work", Path: "~/Work"}}
		cfg.TrustedDrives["drive-1"] = drive
		sources := cfg.SourcesForDrive("drive-1")
		if len(sources) != 1 || sources[0].Label != "Work" {
			t.Errorf("expected override, got %v", sources)
		}
	})

	t.Run("label duplicate detection is case-insensitive", func(t *testing.T) {
		if !cfg.LabelExists("office usb", "") {
			t.Error("expected duplicate")
		}
		if cfg.LabelExists("office usb", "drive-1") {
			t.Error("excluded drive should not count")
		}
		if cfg.LabelExists("", "") {
			t.Error("empty label never duplicates")
		}
	})

	t.Run("paranoid clears remember", func(t *testing.T) {
		c := Default()
		c.ParanoidMode = true
		c.RememberPass = true
		c.EnforceSecurityInvariants()
		if c.RememberPass {
			t.Error("paranoid mode must clear remember_passphrase")
		}
	})
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path)

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if !cfg.FirstRun() {
		t.Error("fresh config should be first run")
	}

	cfg.TrustedDrives["d1"] = TrustedDrive{
		DriveID:        "d1",
		Label:          "evil\x00label",
		RepositoryPath: ".driveguard/repo",
	}
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	drive, ok := loaded.TrustedDrives["d1"]
	if !ok {
		t.Fatal("drive missing after reload")
	}
	if drive.Label != "evillabel" {
		t.Errorf("label not sanitized on load: %q", drive.Label)
	}
	if loaded.FirstRun() {
		t.Error("config with a drive is not first run")
	}
}
