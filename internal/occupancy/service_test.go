package occupancy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	building Building
	getCalls int
}

func (f *fakeRepo) EnsureExists(_ context.Context, maxCapacity int) error {
	if f.building.MaxCapacity == 0 {
		f.building.MaxCapacity = maxCapacity
	}
	return nil
}

func (f *fakeRepo) Get(_ context.Context) (Building, error) {
	f.getCalls++
	return f.building, nil
}

func (f *fakeRepo) SetResidents(_ context.Context, n int) (Building, error) {
	f.building.ResidentsCount = n
	f.building.UpdatedAt = time.Now()
	return f.building, nil
}

func (f *fakeRepo) SetMaxCapacity(_ context.Context, n int) (Building, error) {
	f.building.MaxCapacity = n
	f.building.UpdatedAt = time.Now()
	return f.building, nil
}

func newOccupancyFixture(t *testing.T) (*Service, *fakeRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &fakeRepo{building: Building{ResidentsCount: 12, VisitorsCount: 3, MaxCapacity: 100}}
	return NewService(repo, NewCache(client, 5*time.Second), nil), repo, mr
}

func TestCurrentServesFromCache(t *testing.T) {
	service, repo, _ := newOccupancyFixture(t)
	ctx := context.Background()

	snap, err := service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, snap.Total)
	require.Equal(t, 85, snap.Available)
	require.False(t, snap.IsAtCapacity)
	require.Equal(t, 1, repo.getCalls)

	// A fresh snapshot is in the cache; the repo is not consulted again.
	_, err = service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repo.getCalls)
}

func TestCurrentRefreshesAfterTTL(t *testing.T) {
	service, repo, mr := newOccupancyFixture(t)
	ctx := context.Background()

	_, err := service.Current(ctx)
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)

	repo.building.VisitorsCount = 7
	snap, err := service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, snap.VisitorsCount)
	require.Equal(t, 2, repo.getCalls)
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	service, repo, _ := newOccupancyFixture(t)
	ctx := context.Background()

	_, err := service.Current(ctx)
	require.NoError(t, err)

	service.Invalidate(ctx)

	_, err = service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, repo.getCalls)
}

func TestUpdateResidents(t *testing.T) {
	service, repo, _ := newOccupancyFixture(t)
	ctx := context.Background()

	// Warm the cache so the update has something to invalidate.
	_, err := service.Current(ctx)
	require.NoError(t, err)

	snap, err := service.UpdateResidents(ctx, 40)
	require.NoError(t, err)
	require.Equal(t, 40, snap.ResidentsCount)

	// The next read sees the corrected value, not the stale cache.
	snap, err = service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 40, snap.ResidentsCount)

	_, err = service.UpdateResidents(ctx, -1)
	require.ErrorIs(t, err, ErrInvalidCount)
	require.Equal(t, 40, repo.building.ResidentsCount)
}

func TestUpdateMaxCapacity(t *testing.T) {
	service, _, _ := newOccupancyFixture(t)
	ctx := context.Background()

	snap, err := service.UpdateMaxCapacity(ctx, 15)
	require.NoError(t, err)
	require.True(t, snap.IsAtCapacity)
	require.Equal(t, 0, snap.Available)

	_, err = service.UpdateMaxCapacity(ctx, -5)
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestCacheDegradesWhenRedisDown(t *testing.T) {
	service, repo, mr := newOccupancyFixture(t)
	ctx := context.Background()

	mr.Close()

	// Reads still work straight from the repository.
	snap, err := service.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, snap.Total)
	require.Equal(t, 1, repo.getCalls)
}
