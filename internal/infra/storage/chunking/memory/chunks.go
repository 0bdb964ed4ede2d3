// Package memory provides a map-backed chunk repository used in tests and
// single-process deployments. Claims take the repository lock, giving the
// same at-most-one-winner guarantee the postgres conditional update does.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/chunking"
)

var _ chunking.ChunkRepository = (*ChunkStore)(nil)

// ChunkStore is a thread-safe in-memory chunk repository.
type ChunkStore struct {
	mu     sync.RWMutex
	chunks map[uuid.UUID]*chunking.Chunk
}

// NewChunkStore creates an empty in-memory chunk repository.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{chunks: make(map[uuid.UUID]*chunking.Chunk)}
}

// CreateBatch persists a set of freshly created chunks.
func (s *ChunkStore) CreateBatch(_ context.Context, chunks []*chunking.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunks {
		s.chunks[chunk.ID()] = cloneChunk(chunk)
	}
	return nil
}

// Get retrieves a chunk by id.
func (s *ChunkStore) Get(_ context.Context, id uuid.UUID) (*chunking.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return nil, chunking.ErrChunkNotFound
	}
	return cloneChunk(chunk), nil
}

// Update persists chunk mutations, rejecting writes stamped older than the
// stored copy.
func (s *ChunkStore) Update(_ context.Context, chunk *chunking.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.chunks[chunk.ID()]
	if !ok {
		return chunking.ErrChunkNotFound
	}
	if !chunk.UpdatedAt().After(existing.UpdatedAt()) {
		return chunking.ErrClaimConflict
	}
	s.chunks[chunk.ID()] = cloneChunk(chunk)
	return nil
}

// Claim atomically transitions a PENDING chunk to PROCESSING.
func (s *ChunkStore) Claim(_ context.Context, id uuid.UUID, externalTaskID string) (*chunking.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.chunks[id]
	if !ok {
		return nil, chunking.ErrChunkNotFound
	}
	if existing.Status() != chunking.ChunkStatusPending {
		return nil, chunking.ErrClaimConflict
	}
	claimed := cloneChunk(existing)
	if err := claimed.MarkProcessing(externalTaskID); err != nil {
		return nil, err
	}
	s.chunks[id] = cloneChunk(claimed)
	return claimed, nil
}

// NextPending returns the oldest chunk in the highest-priority pending set.
func (s *ChunkStore) NextPending(_ context.Context, jobID uuid.UUID) (*chunking.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *chunking.Chunk
	for _, chunk := range s.chunks {
		if chunk.JobID() != jobID || chunk.Status() != chunking.ChunkStatusPending {
			continue
		}
		if best == nil ||
			chunk.Priority() > best.Priority() ||
			(chunk.Priority() == best.Priority() && chunk.CreatedAt().Before(best.CreatedAt())) {
			best = chunk
		}
	}
	if best == nil {
		return nil, chunking.ErrNoPendingChunks
	}
	return cloneChunk(best), nil
}

// ListByJob returns a job's chunks ordered by index.
func (s *ChunkStore) ListByJob(_ context.Context, jobID uuid.UUID, statuses ...chunking.ChunkStatus) ([]*chunking.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*chunking.Chunk
	for _, chunk := range s.chunks {
		if chunk.JobID() != jobID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if chunk.Status() == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, cloneChunk(chunk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out, nil
}

// CountsByStatus returns aggregate chunk counts for a job.
func (s *ChunkStore) CountsByStatus(_ context.Context, jobID uuid.UUID) (chunking.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts chunking.StatusCounts
	for _, chunk := range s.chunks {
		if chunk.JobID() != jobID {
			continue
		}
		counts.Total++
		switch chunk.Status() {
		case chunking.ChunkStatusPending:
			counts.Pending++
		case chunking.ChunkStatusProcessing:
			counts.Processing++
		case chunking.ChunkStatusCompleted:
			counts.Completed++
		case chunking.ChunkStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// DeleteByJob removes every chunk belonging to a job.
func (s *ChunkStore) DeleteByJob(_ context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, chunk := range s.chunks {
		if chunk.JobID() == jobID {
			delete(s.chunks, id)
			deleted++
		}
	}
	return deleted, nil
}

func cloneChunk(chunk *chunking.Chunk) *chunking.Chunk {
	return chunking.ReconstructChunk(
		chunk.ID(),
		chunk.JobID(),
		chunk.Index(),
		chunk.RangeStart(),
		chunk.RangeEnd(),
		chunk.Status(),
		chunk.Priority(),
		chunk.RetryCount(),
		chunk.ExternalTaskID(),
		chunk.LastError(),
		chunk.CreatedAt(),
		chunk.UpdatedAt(),
		chunk.TouchedAt(),
	)
}
