package checkpoint

import (
	"encoding/json"
	"fmt"
)

// AttemptStatus tracks the outcome of one query-variation attempt.
type AttemptStatus string

const (
	// AttemptStatusPending indicates the variation has not been issued yet.
	AttemptStatusPending AttemptStatus = "PENDING"

	// AttemptStatusCompleted indicates the variation was exhausted.
	AttemptStatusCompleted AttemptStatus = "COMPLETED"

	// AttemptStatusFailed indicates the variation errored.
	AttemptStatusFailed AttemptStatus = "FAILED"
)

// VariationAttempt records one attempt at a query variation: the rendered
// template, the offset range covered, and what it yielded. The tail of the
// attempts list is the resume point for a retried chunk.
type VariationAttempt struct {
	Template    string        `json:"template"`
	OffsetStart int           `json:"offset_start"`
	OffsetEnd   int           `json:"offset_end"`
	Discovered  int           `json:"discovered"`
	Downloaded  int           `json:"downloaded"`
	Status      AttemptStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// EngineCheckpoint is the engine-level payload carried by a LevelEngine
// record. It is created when a chunk begins processing with a given engine
// and updated after every variation attempt.
type EngineCheckpoint struct {
	Engine          string             `json:"engine"`
	VariationQueue  []string           `json:"variation_queue"`
	Attempts        []VariationAttempt `json:"attempts"`
	CurrentOffset   int                `json:"current_offset"`
	TotalDiscovered int                `json:"total_discovered"`
	TotalDownloaded int                `json:"total_downloaded"`
}

// LastAttempt returns the most recent variation attempt, or nil when none
// have been made.
func (e *EngineCheckpoint) LastAttempt() *VariationAttempt {
	if len(e.Attempts) == 0 {
		return nil
	}
	return &e.Attempts[len(e.Attempts)-1]
}

// RecordAttempt appends an attempt and rolls the running totals forward.
func (e *EngineCheckpoint) RecordAttempt(a VariationAttempt) {
	e.Attempts = append(e.Attempts, a)
	e.CurrentOffset = a.OffsetEnd
	e.TotalDiscovered += a.Discovered
	e.TotalDownloaded += a.Downloaded
}

// Exhausted reports whether the variation queue has been fully attempted.
func (e *EngineCheckpoint) Exhausted() bool {
	return len(e.Attempts) >= len(e.VariationQueue) && len(e.VariationQueue) > 0
}

// Validate checks the payload for structural sanity after a read.
func (e *EngineCheckpoint) Validate() error {
	if e.Engine == "" {
		return fmt.Errorf("engine checkpoint missing engine identifier")
	}
	if e.CurrentOffset < 0 {
		return fmt.Errorf("engine checkpoint offset must be non-negative, got %d", e.CurrentOffset)
	}
	if e.TotalDownloaded > e.TotalDiscovered {
		return fmt.Errorf("engine checkpoint downloaded (%d) exceeds discovered (%d)",
			e.TotalDownloaded, e.TotalDiscovered)
	}
	return nil
}

// Repair fills missing fields with safe defaults. Returns false when the
// engine identity itself is gone, in which case nothing can be salvaged.
func (e *EngineCheckpoint) Repair() bool {
	if e.Engine == "" {
		return false
	}
	if e.VariationQueue == nil {
		e.VariationQueue = []string{}
	}
	if e.Attempts == nil {
		e.Attempts = []VariationAttempt{}
	}
	if e.CurrentOffset < 0 {
		e.CurrentOffset = 0
	}
	if e.TotalDiscovered < e.TotalDownloaded {
		e.TotalDiscovered = e.TotalDownloaded
	}
	return true
}

// Marshal serializes the payload for storage in a Record.
func (e *EngineCheckpoint) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling engine checkpoint: %w", err)
	}
	return b, nil
}

// DecodeEngineCheckpoint deserializes a LevelEngine record payload.
func DecodeEngineCheckpoint(payload json.RawMessage) (*EngineCheckpoint, error) {
	var e EngineCheckpoint
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decoding engine checkpoint: %w", err)
	}
	return &e, nil
}
