package marker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMissing(t *testing.T) {
	m, err := Read(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil marker, got %+v", m)
	}
}

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()

	m, err := New("  Office USB\x01  ")
	if err != nil {
		t.Fatalf("new marker: %v", err)
	}
	if len(m.DriveID) != 64 {
		t.Fatalf("drive id should be 64 hex chars, got %d", len(m.DriveID))
	}
	if m.Label != "Office USB" {
		t.Fatalf("label not sanitized: %q", m.Label)
	}

	m.RepositoryID = "repo-abc"
	if err := Write(root, m); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Read(root)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got == nil {
		t.Fatal("expected marker")
	}
	if got.DriveID != m.DriveID {
		t.Errorf("drive id mismatch: %q != %q", got.DriveID, m.DriveID)
	}
	if got.Label != "Office USB" {
		t.Errorf("label mismatch: %q", got.Label)
	}
	if got.RepositoryID != "repo-abc" {
		t.Errorf("repository id mismatch: %q", got.RepositoryID)
	}
}

func TestReadSanitizesTamperedLabel(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := `{"drive_id":"abc123","created_epoch":1,"label":"bad\u0007label"}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Read(root)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Label != "badlabel" {
		t.Errorf("label not sanitized: %q", m.Label)
	}
}

func TestReadRejectsEmptyID(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(`{"label":"x"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(root); err == nil {
		t.Fatal("expected error for marker without drive id")
	}
}

func TestIdentityUniqueness(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if a.DriveID == b.DriveID {
		t.Fatal("two markers must not share an identity")
	}
}
