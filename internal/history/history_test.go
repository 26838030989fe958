package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"driveguard/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	runs := []state.RunResult{
		{ID: "run-1", DriveID: "drive-a", Status: state.StatusSuccess, StartedAt: base, FinishedAt: base.Add(time.Minute), SnapshotID: "snap1", BytesAdded: 1024, FilesBacked: 10},
		{ID: "run-2", DriveID: "drive-b", Status: state.StatusFailed, Phase: state.PhaseBackingUp, StartedAt: base.Add(time.Hour), FinishedAt: base.Add(61 * time.Minute), Message: "drive disconnected during backup", Interrupted: true},
		{ID: "run-3", DriveID: "drive-a", Status: state.StatusPartial, StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(121 * time.Minute), SnapshotID: "snap3"},
	}
	for _, r := range runs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append %s: %v", r.ID, err)
		}
	}

	t.Run("all drives newest first", func(t *testing.T) {
		got, err := s.Recent(ctx, "", 0)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("want 3 runs, got %d", len(got))
		}
		if got[0].ID != "run-3" || got[2].ID != "run-1" {
			t.Errorf("wrong order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
		}
	})

	t.Run("filtered by drive", func(t *testing.T) {
		got, err := s.Recent(ctx, "drive-b", 0)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 1 || got[0].ID != "run-2" {
			t.Fatalf("unexpected result: %+v", got)
		}
		if !got[0].Interrupted || got[0].Status != state.StatusFailed {
			t.Errorf("interrupted flag lost: %+v", got[0])
		}
		if got[0].Phase != state.PhaseBackingUp {
			t.Errorf("phase lost: %q", got[0].Phase)
		}
	})

	t.Run("limit respected", func(t *testing.T) {
		got, err := s.Recent(ctx, "", 1)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 1 || got[0].ID != "run-3" {
			t.Fatalf("unexpected result: %+v", got)
		}
	})
}

func TestRoundTripPreservesTimes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)

	err := s.Append(ctx, state.RunResult{
		ID: "run-t", DriveID: "drive-a", Status: state.StatusSuccess,
		Phase: state.PhaseCompleted, RepositoryID: "repo-1",
		StartedAt: started, FinishedAt: started.Add(90 * time.Second),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Recent(ctx, "drive-a", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if !got[0].StartedAt.Equal(started) {
		t.Errorf("started_at drifted: %v", got[0].StartedAt)
	}
	if !got[0].FinishedAt.Equal(started.Add(90 * time.Second)) {
		t.Errorf("finished_at drifted: %v", got[0].FinishedAt)
	}
	if got[0].Phase != state.PhaseCompleted || got[0].RepositoryID != "repo-1" {
		t.Errorf("phase or repository id lost: %+v", got[0])
	}
}
