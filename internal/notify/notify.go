// Package notify sends desktop notifications for drive and backup events.
// Delivery is best effort; a headless host simply logs at debug level.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

const appTitle = "DriveGuard"

// Notifier posts desktop notifications without blocking the caller.
type Notifier struct {
	logger  zerolog.Logger
	enabled bool
}

// New creates a Notifier. Pass enabled=false to silence all notifications.
func New(enabled bool, logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger:  logger.With().Str("component", "notify").Logger(),
		enabled: enabled,
	}
}

func (n *Notifier) post(title, body string) {
	if !n.enabled {
		return
	}
	go func() {
		if err := beeep.Notify(title, body, ""); err != nil {
			n.logger.Debug().Err(err).Msg("notification not delivered")
		}
	}()
}

// TrustedDriveConnected announces a recognized drive.
func (n *Notifier) TrustedDriveConnected(label string) {
	n.post(appTitle, fmt.Sprintf("Backup drive %q connected", label))
}

// BackupStarted announces the start of a run.
func (n *Notifier) BackupStarted(label string) {
	n.post(appTitle, fmt.Sprintf("Backup to %q started", label))
}

// BackupFinished announces the outcome of a run.
func (n *Notifier) BackupFinished(label string, success, interrupted bool) {
	switch {
	case interrupted:
		n.post(appTitle, fmt.Sprintf("Backup to %q interrupted: drive disconnected", label))
	case success:
		n.post(appTitle, fmt.Sprintf("Backup to %q completed", label))
	default:
		n.post(appTitle, fmt.Sprintf("Backup to %q finished with problems", label))
	}
}
