package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// InMemoryRunStore implements RunStore for testing and development.
type InMemoryRunStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemoryRunStore creates a new in-memory store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{records: make(map[string]Record)}
}

// SaveRun inserts or replaces a run with all of its data.
func (s *InMemoryRunStore) SaveRun(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if rec.Run.CreatedAt.IsZero() {
		rec.Run.CreatedAt = time.Now().UTC()
	}
	rec.Checkpoints = slices.Clone(rec.Checkpoints)
	rec.Iterations = slices.Clone(rec.Iterations)
	s.records[rec.Run.RunID] = rec
	return nil
}

// GetRun returns a run by ID. Returns nil if not found.
func (s *InMemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	run := rec.Run
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *InMemoryRunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.records))
	for _, rec := range s.records {
		runs = append(runs, rec.Run)
	}
	slices.SortFunc(runs, func(a, b Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetRecord returns the full stored record of a run. Returns nil if not found.
func (s *InMemoryRunStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	rec.Checkpoints = slices.Clone(rec.Checkpoints)
	rec.Iterations = slices.Clone(rec.Iterations)
	return &rec, nil
}

// DeleteRun removes a run and its data.
func (s *InMemoryRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryRunStore) Close() error {
	return nil
}
