package occupancy

import (
	"context"
	"errors"
	"log/slog"
)

// ErrInvalidCount rejects negative counter corrections.
var ErrInvalidCount = errors.New("occupancy: count must not be negative")

// Service reads and administers the building occupancy singleton.
// Crossing decisions mutate the counters elsewhere; this service owns
// the read path and manual corrections.
type Service struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs the occupancy service. The cache is optional.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

// EnsureExists seeds the singleton at startup.
func (s *Service) EnsureExists(ctx context.Context, maxCapacity int) error {
	return s.repo.EnsureExists(ctx, maxCapacity)
}

// Current returns the occupancy snapshot, served from cache when fresh.
// A cache failure degrades to a database read rather than an error.
func (s *Service) Current(ctx context.Context) (Snapshot, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.Get(ctx)
		if err != nil && s.logger != nil {
			s.logger.Warn("occupancy cache read", slog.Any("error", err))
		}
		if ok {
			return snap, nil
		}
	}

	building, err := s.repo.Get(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := SnapshotOf(building)

	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil && s.logger != nil {
			s.logger.Warn("occupancy cache write", slog.Any("error", err))
		}
	}
	return snap, nil
}

// UpdateResidents overwrites the resident counter. Used for manual
// reconciliation after tailgating or an evacuation drill.
func (s *Service) UpdateResidents(ctx context.Context, n int) (Snapshot, error) {
	if n < 0 {
		return Snapshot{}, ErrInvalidCount
	}
	building, err := s.repo.SetResidents(ctx, n)
	if err != nil {
		return Snapshot{}, err
	}
	s.Invalidate(ctx)
	return SnapshotOf(building), nil
}

// UpdateMaxCapacity adjusts the hard cap.
func (s *Service) UpdateMaxCapacity(ctx context.Context, n int) (Snapshot, error) {
	if n < 0 {
		return Snapshot{}, ErrInvalidCount
	}
	building, err := s.repo.SetMaxCapacity(ctx, n)
	if err != nil {
		return Snapshot{}, err
	}
	s.Invalidate(ctx)
	return SnapshotOf(building), nil
}

// Invalidate drops the cached snapshot. Implements the invalidator hook
// the decision orchestrator calls after a granted crossing.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil && s.logger != nil {
		s.logger.Warn("occupancy cache invalidate", slog.Any("error", err))
	}
}
