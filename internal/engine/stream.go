package engine

import "encoding/json"

// statusLine mirrors restic's `--json` status messages during backup.
type statusLine struct {
	MessageType string  `json:"message_type"`
	PercentDone float64 `json:"percent_done"`
	TotalFiles  int64   `json:"total_files"`
	FilesDone   int64   `json:"files_done"`
	TotalBytes  int64   `json:"total_bytes"`
	BytesDone   int64   `json:"bytes_done"`
}

// summaryLine mirrors restic's terminal summary message.
type summaryLine struct {
	MessageType         string `json:"message_type"`
	SnapshotID          string `json:"snapshot_id"`
	DataAdded           int64  `json:"data_added"`
	TotalFilesProcessed int64  `json:"total_files_processed"`
}

// classifyLine decodes one output line against the known message shapes.
// Lines matching neither (engine chatter, version drift) yield nil and are
// ignored by the caller.
func classifyLine(line []byte) any {
	if len(line) == 0 {
		return nil
	}
	var kind struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(line, &kind); err != nil {
		return nil
	}
	switch kind.MessageType {
	case "status":
		var s statusLine
		if err := json.Unmarshal(line, &s); err != nil {
			return nil
		}
		return Progress{
			PercentDone: s.PercentDone,
			FilesDone:   s.FilesDone,
			TotalFiles:  s.TotalFiles,
			BytesDone:   s.BytesDone,
			TotalBytes:  s.TotalBytes,
		}
	case "summary":
		var s summaryLine
		if err := json.Unmarshal(line, &s); err != nil {
			return nil
		}
		return BackupSummary{
			SnapshotID:     s.SnapshotID,
			DataAdded:      s.DataAdded,
			FilesProcessed: s.TotalFilesProcessed,
		}
	default:
		return nil
	}
}
