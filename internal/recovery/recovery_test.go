package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKitNeverContainsSecrets(t *testing.T) {
	kit := New("a1b2c3", "office-usb", "repo123", "0.16.4")
	kit.RepositoryPath = ".driveguard/repo"

	text := kit.Text()
	for _, banned := range []string{"passphrase:", "password:", "RESTIC_PASSWORD="} {
		if strings.Contains(strings.ToLower(text), strings.ToLower(banned)) {
			t.Errorf("recovery text leaks %q", banned)
		}
	}
	if !strings.Contains(text, "office-usb") {
		t.Error("recovery text missing drive label")
	}
	if !strings.Contains(text, ".driveguard/repo") {
		t.Error("recovery text missing repository path")
	}
}

func TestWriteToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kit")
	kit := New("a1b2c3", "office-usb", "repo123", "")
	if err := kit.WriteToDir(dir); err != nil {
		t.Fatalf("WriteToDir: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "recovery.json"))
	if err != nil {
		t.Fatalf("read recovery.json: %v", err)
	}
	var decoded Kit
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode recovery.json: %v", err)
	}
	if decoded.DriveID != "a1b2c3" || decoded.DriveLabel != "office-usb" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	if _, err := os.Stat(filepath.Join(dir, "RECOVERY.txt")); err != nil {
		t.Errorf("RECOVERY.txt not written: %v", err)
	}
}
