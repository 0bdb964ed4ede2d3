package checkpoint

import (
	"encoding/json"
	"fmt"
)

// URLState tracks the download lifecycle of a single discovered URL.
type URLState string

const (
	URLStatePending   URLState = "PENDING"
	URLStateAttempted URLState = "ATTEMPTED"
	URLStateCompleted URLState = "COMPLETED"
	URLStateFailed    URLState = "FAILED"
)

// URLAttempt pairs a discovered URL with its current download state.
type URLAttempt struct {
	URL   string   `json:"url"`
	State URLState `json:"state"`
	Error string   `json:"error,omitempty"`
}

// BatchStats aggregates outcomes across one discovered URL batch.
type BatchStats struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// BatchCheckpoint is the batch-level payload carried by a LevelBatch record.
// It is updated incrementally as downloads, dedup, and validation complete
// and becomes immutable once its record reaches a terminal status.
type BatchCheckpoint struct {
	URLs       []URLAttempt `json:"urls"`
	Succeeded  []string     `json:"succeeded"`
	FailedURLs []string     `json:"failed_urls"`
	Duplicates []string     `json:"duplicates"`
	Invalid    []string     `json:"invalid"`
	Stats      BatchStats   `json:"stats"`
}

// MarkOutcome records the terminal outcome of one URL in the batch.
func (b *BatchCheckpoint) MarkOutcome(url string, state URLState, errMsg string) {
	for i := range b.URLs {
		if b.URLs[i].URL != url {
			continue
		}
		b.URLs[i].State = state
		b.URLs[i].Error = errMsg
		switch state {
		case URLStateCompleted:
			b.Succeeded = append(b.Succeeded, url)
			b.Stats.Succeeded++
		case URLStateFailed:
			b.FailedURLs = append(b.FailedURLs, url)
			b.Stats.Failed++
		}
		return
	}
}

// MarkDuplicate records that a URL resolved to an already-stored item.
func (b *BatchCheckpoint) MarkDuplicate(url string) {
	b.Duplicates = append(b.Duplicates, url)
	b.Stats.Duplicates++
}

// MarkInvalid records that a downloaded item failed validation.
func (b *BatchCheckpoint) MarkInvalid(url string) {
	b.Invalid = append(b.Invalid, url)
	b.Stats.Invalid++
}

// Remaining returns the URLs still awaiting a terminal state.
func (b *BatchCheckpoint) Remaining() []string {
	var out []string
	for _, u := range b.URLs {
		if u.State == URLStatePending || u.State == URLStateAttempted {
			out = append(out, u.URL)
		}
	}
	return out
}

// Validate checks the payload for structural sanity after a read.
func (b *BatchCheckpoint) Validate() error {
	if b.Stats.Succeeded < 0 || b.Stats.Failed < 0 || b.Stats.Duplicates < 0 || b.Stats.Invalid < 0 {
		return fmt.Errorf("batch checkpoint stats must be non-negative")
	}
	if len(b.Succeeded) != b.Stats.Succeeded {
		return fmt.Errorf("batch checkpoint success list length (%d) disagrees with stats (%d)",
			len(b.Succeeded), b.Stats.Succeeded)
	}
	return nil
}

// Repair recomputes the aggregate stats from the outcome lists. A batch can
// always be repaired because the lists are the source of truth.
func (b *BatchCheckpoint) Repair() bool {
	if b.URLs == nil {
		b.URLs = []URLAttempt{}
	}
	if b.Succeeded == nil {
		b.Succeeded = []string{}
	}
	if b.FailedURLs == nil {
		b.FailedURLs = []string{}
	}
	if b.Duplicates == nil {
		b.Duplicates = []string{}
	}
	if b.Invalid == nil {
		b.Invalid = []string{}
	}
	b.Stats = BatchStats{
		Succeeded:  len(b.Succeeded),
		Failed:     len(b.FailedURLs),
		Duplicates: len(b.Duplicates),
		Invalid:    len(b.Invalid),
	}
	return true
}

// Marshal serializes the payload for storage in a Record.
func (b *BatchCheckpoint) Marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch checkpoint: %w", err)
	}
	return raw, nil
}

// DecodeBatchCheckpoint deserializes a LevelBatch record payload.
func DecodeBatchCheckpoint(payload json.RawMessage) (*BatchCheckpoint, error) {
	var b BatchCheckpoint
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decoding batch checkpoint: %w", err)
	}
	return &b, nil
}
