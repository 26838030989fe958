// Package recovery produces the recovery kit stored alongside a backup
// repository: everything needed to restore files on a fresh machine except
// the passphrase, which is deliberately never written down.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"driveguard/internal/marker"
)

// Kit describes one drive's repository for offline recovery.
type Kit struct {
	GeneratedAt    time.Time `json:"generated_at"`
	DriveID        string    `json:"drive_id"`
	DriveLabel     string    `json:"drive_label"`
	RepositoryID   string    `json:"repository_id,omitempty"`
	RepositoryPath string    `json:"repository_path"`
	ResticVersion  string    `json:"restic_version,omitempty"`
}

// New builds a kit for a trusted drive.
func New(driveID, label, repositoryID, resticVersion string) Kit {
	return Kit{
		GeneratedAt:    time.Now().UTC(),
		DriveID:        driveID,
		DriveLabel:     label,
		RepositoryID:   repositoryID,
		RepositoryPath: marker.RepositoryRelPath,
		ResticVersion:  resticVersion,
	}
}

// JSON renders the machine-readable half of the kit.
func (k Kit) JSON() ([]byte, error) {
	return json.MarshalIndent(k, "", "  ")
}

// Text renders the human-readable instructions. No passphrase appears here;
// the owner must supply it from memory or their own safe keeping.
func (k Kit) Text() string {
	var b strings.Builder
	b.WriteString("DRIVEGUARD RECOVERY INSTRUCTIONS\n")
	b.WriteString("================================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", k.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Drive:     %s\n", k.DriveLabel)
	if k.RepositoryID != "" {
		fmt.Fprintf(&b, "Repository id: %s\n", k.RepositoryID)
	}
	b.WriteString("\nThe backup repository lives on this drive at:\n")
	fmt.Fprintf(&b, "    <drive>/%s\n\n", k.RepositoryPath)
	b.WriteString("To restore on any machine:\n")
	b.WriteString("  1. Install restic (https://restic.net).\n")
	fmt.Fprintf(&b, "  2. Plug in the drive and note its mount point.\n")
	fmt.Fprintf(&b, "  3. List snapshots:\n       restic -r <mount>/%s snapshots\n", k.RepositoryPath)
	fmt.Fprintf(&b, "  4. Restore:\n       restic -r <mount>/%s restore latest --target <dir>\n\n", k.RepositoryPath)
	b.WriteString("You will be prompted for the repository passphrase.\n")
	b.WriteString("The passphrase is NOT stored in this kit or anywhere on the drive.\n")
	b.WriteString("Without it the backed up data cannot be read by anyone,\n")
	b.WriteString("including you.\n")
	return b.String()
}

// WriteToDir writes recovery.json and RECOVERY.txt into dir.
func (k Kit) WriteToDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	data, err := k.JSON()
	if err != nil {
		return fmt.Errorf("encode recovery kit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "recovery.json"), data, 0o644); err != nil {
		return fmt.Errorf("write recovery kit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "RECOVERY.txt"), []byte(k.Text()), 0o644); err != nil {
		return fmt.Errorf("write recovery instructions: %w", err)
	}
	return nil
}
