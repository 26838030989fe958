// Package marker reads and writes the drive identity record stored on the
// removable medium itself. The marker is what lets the agent recognize a
// physical drive regardless of which device node or mount point the OS
// assigned it.
package marker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"driveguard/internal/config"
)

// Dir is the hidden directory at the mount root holding the marker and the
// repository.
const Dir = ".driveguard"

// FileName is the marker file inside Dir.
const FileName = "drive.json"

// RepositoryRelPath is where the backup repository lives, relative to the
// mount root.
const RepositoryRelPath = config.DefaultRepositoryRelPath

// Marker identifies a physical drive. DriveID is assigned once, when the
// drive is first set up, and never changes; Label and RepositoryID may be
// updated in place.
type Marker struct {
	DriveID      string `json:"drive_id"`
	CreatedEpoch int64  `json:"created_epoch"`
	Label        string `json:"label,omitempty"`
	RepositoryID string `json:"repository_id,omitempty"`
}

// New creates a marker with a fresh random 256-bit identity.
func New(label string) (*Marker, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate drive id: %w", err)
	}
	return &Marker{
		DriveID:      hex.EncodeToString(raw),
		CreatedEpoch: time.Now().Unix(),
		Label:        config.SanitizeLabel(label),
	}, nil
}

// Path returns the marker file path under a mount root.
func Path(mountRoot string) string {
	return filepath.Join(mountRoot, Dir, FileName)
}

// Read loads the marker from a mounted medium. Returns (nil, nil) when no
// marker exists. The label is sanitized on every read because the medium is
// untrusted input.
func Read(mountRoot string) (*Marker, error) {
	data, err := os.ReadFile(Path(mountRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse marker: %w", err)
	}
	m.DriveID = config.SanitizeLabel(m.DriveID)
	m.Label = config.SanitizeLabel(m.Label)
	m.RepositoryID = config.SanitizeLabel(m.RepositoryID)
	if m.DriveID == "" {
		return nil, fmt.Errorf("marker has no drive id")
	}
	return &m, nil
}

// Write stores the marker on the mounted medium, creating the hidden
// directory as needed.
func Write(mountRoot string, m *Marker) error {
	dir := filepath.Join(mountRoot, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
