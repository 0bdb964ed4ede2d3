// Package memory provides in-memory checkpoint backends: a TTL cache
// implementing the fast store and a map-backed durable store used in tests
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/checkpoint"
)

var _ checkpoint.FastStore = (*FastStore)(nil)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// FastStore is a thread-safe in-memory TTL cache for serialized checkpoint
// records. Expired entries are dropped lazily on read and by Sweep.
type FastStore struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewFastStore creates an empty in-memory fast store.
func NewFastStore() *FastStore {
	return &FastStore{entries: make(map[string]cacheEntry)}
}

// Set stores a value with an expiration.
func (s *FastStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get retrieves a value, reporting a miss for absent or expired keys.
func (s *FastStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Delete evicts a key. Evicting an absent key is not an error.
func (s *FastStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Size returns the total bytes held across live entries.
func (s *FastStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	now := time.Now()
	for _, entry := range s.entries {
		if now.Before(entry.expiresAt) {
			total += int64(len(entry.value))
		}
	}
	return total, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *FastStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	dropped := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

var _ checkpoint.DurableStore = (*DurableStore)(nil)

// DurableStore is a map-backed implementation of the durable checkpoint
// store. It enforces the same last-write-wins rule as the postgres backend.
type DurableStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*checkpoint.Record
}

// NewDurableStore creates an empty in-memory durable store.
func NewDurableStore() *DurableStore {
	return &DurableStore{records: make(map[uuid.UUID]*checkpoint.Record)}
}

// Save persists a record, rejecting writes stamped older than the stored one.
func (s *DurableStore) Save(_ context.Context, record *checkpoint.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.ID()]; ok {
		if !record.UpdatedAt().After(existing.UpdatedAt()) {
			return checkpoint.ErrStaleWrite
		}
	}
	s.records[record.ID()] = cloneRecord(record)
	return nil
}

// Get retrieves a record by id.
func (s *DurableStore) Get(_ context.Context, id uuid.UUID) (*checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, checkpoint.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Query returns records matching the filter, newest first.
func (s *DurableStore) Query(_ context.Context, filter checkpoint.Filter) ([]*checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*checkpoint.Record
	for _, record := range s.records {
		if matches(record, filter) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt().After(out[j].UpdatedAt())
	})
	return out, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *DurableStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// DeleteByJob removes every record belonging to a job.
func (s *DurableStore) DeleteByJob(_ context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, record := range s.records {
		if record.JobID() == jobID {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func matches(record *checkpoint.Record, filter checkpoint.Filter) bool {
	if filter.JobID != uuid.Nil && record.JobID() != filter.JobID {
		return false
	}
	if filter.ParentID != uuid.Nil && record.ParentID() != filter.ParentID {
		return false
	}
	if filter.Level != "" && record.Level() != filter.Level {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if record.Status() == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ExternalTaskID != "" {
		v, ok := record.Metadata()["external_task_id"].(string)
		if !ok || v != filter.ExternalTaskID {
			return false
		}
	}
	if !filter.UpdatedBefore.IsZero() && !record.UpdatedAt().Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

// cloneRecord deep-copies through the JSON form so callers can't mutate
// stored state.
func cloneRecord(record *checkpoint.Record) *checkpoint.Record {
	metadata := make(map[string]any, len(record.Metadata()))
	for k, v := range record.Metadata() {
		metadata[k] = v
	}
	payload := append([]byte(nil), record.Payload()...)
	return checkpoint.ReconstructRecord(
		record.ID(),
		record.Level(),
		record.JobID(),
		record.ParentID(),
		record.Status(),
		payload,
		metadata,
		record.PrevAttemptID(),
		record.Reconciled(),
		record.ReconciledAt(),
		record.Version(),
		record.CreatedAt(),
		record.UpdatedAt(),
	)
}
