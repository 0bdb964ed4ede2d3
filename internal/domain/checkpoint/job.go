package checkpoint

import (
	"encoding/json"
	"fmt"
)

// JobCheckpoint is the job-level payload carried by a LevelJob record. It
// aggregates chunk counters and the external task ids dispatched on the
// job's behalf so reconciliation can cross-check them against the runner.
type JobCheckpoint struct {
	TargetQuantity  int      `json:"target_quantity"`
	Keywords        []string `json:"keywords"`
	TotalChunks     int      `json:"total_chunks"`
	ActiveChunks    int      `json:"active_chunks"`
	CompletedChunks int      `json:"completed_chunks"`
	FailedChunks    int      `json:"failed_chunks"`
	ExternalTaskIDs []string `json:"external_task_ids"`
}

// Validate checks the payload for structural sanity after a read. A payload
// that fails validation is a data-integrity error per the store's repair
// policy.
func (j *JobCheckpoint) Validate() error {
	if j.TargetQuantity <= 0 {
		return fmt.Errorf("job checkpoint target quantity must be positive, got %d", j.TargetQuantity)
	}
	if j.TotalChunks < 0 || j.ActiveChunks < 0 || j.CompletedChunks < 0 || j.FailedChunks < 0 {
		return fmt.Errorf("job checkpoint chunk counters must be non-negative")
	}
	if j.CompletedChunks+j.FailedChunks > j.TotalChunks {
		return fmt.Errorf("job checkpoint terminal chunks (%d) exceed total (%d)",
			j.CompletedChunks+j.FailedChunks, j.TotalChunks)
	}
	return nil
}

// Repair fills missing collection fields with safe defaults so a partially
// corrupted payload can still be used. Returns false when the payload is
// beyond repair and the caller should fall back to the previous attempt.
func (j *JobCheckpoint) Repair() bool {
	if j.TargetQuantity <= 0 {
		// Without a target quantity no progress math is meaningful.
		return false
	}
	if j.Keywords == nil {
		j.Keywords = []string{}
	}
	if j.ExternalTaskIDs == nil {
		j.ExternalTaskIDs = []string{}
	}
	if j.ActiveChunks < 0 {
		j.ActiveChunks = 0
	}
	if j.CompletedChunks < 0 {
		j.CompletedChunks = 0
	}
	if j.FailedChunks < 0 {
		j.FailedChunks = 0
	}
	if j.TotalChunks < j.CompletedChunks+j.FailedChunks {
		j.TotalChunks = j.CompletedChunks + j.FailedChunks
	}
	return true
}

// Marshal serializes the payload for storage in a Record.
func (j *JobCheckpoint) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshaling job checkpoint: %w", err)
	}
	return b, nil
}

// DecodeJobCheckpoint deserializes a LevelJob record payload.
func DecodeJobCheckpoint(payload json.RawMessage) (*JobCheckpoint, error) {
	var j JobCheckpoint
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("decoding job checkpoint: %w", err)
	}
	return &j, nil
}
