package access

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memCounters is a threadsafe TxCounters used to exercise the ledger
// without a database. Each mutation is atomic under the mutex, matching
// the single-statement guarantee of the real implementation.
type memCounters struct {
	mu        sync.Mutex
	pointCap  map[int64]int
	pointCnt  map[int64]int
	zoneCap   map[int64]int
	zoneCnt   map[int64]int
	residents int
	visitors  int
	maxTotal  int
}

func newMemCounters() *memCounters {
	return &memCounters{
		pointCap: map[int64]int{},
		pointCnt: map[int64]int{},
		zoneCap:  map[int64]int{},
		zoneCnt:  map[int64]int{},
	}
}

func (m *memCounters) IncrementPoint(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit := m.pointCap[id]; limit > 0 && m.pointCnt[id] >= limit {
		return false, nil
	}
	m.pointCnt[id]++
	return true, nil
}

func (m *memCounters) DecrementPoint(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pointCnt[id] == 0 {
		return false, nil
	}
	m.pointCnt[id]--
	return true, nil
}

func (m *memCounters) IncrementZone(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit := m.zoneCap[id]; limit > 0 && m.zoneCnt[id] >= limit {
		return false, nil
	}
	m.zoneCnt[id]++
	return true, nil
}

func (m *memCounters) DecrementZone(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zoneCnt[id] == 0 {
		return false, nil
	}
	m.zoneCnt[id]--
	return true, nil
}

func (m *memCounters) IncrementBuilding(_ context.Context, class OccupantClass) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.residents+m.visitors >= m.maxTotal {
		return false, nil
	}
	if class == ClassVisitor {
		m.visitors++
	} else {
		m.residents++
	}
	return true, nil
}

func (m *memCounters) DecrementBuilding(_ context.Context, class OccupantClass) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if class == ClassVisitor {
		if m.visitors == 0 {
			return false, nil
		}
		m.visitors--
	} else {
		if m.residents == 0 {
			return false, nil
		}
		m.residents--
	}
	return true, nil
}

func TestLedgerRespectsCapacity(t *testing.T) {
	counters := newMemCounters()
	counters.zoneCap[1] = 2
	ledger := NewLedger(nil)
	ctx := context.Background()

	require.NoError(t, ledger.TryIncrement(ctx, counters, ZoneScope(1)))
	require.NoError(t, ledger.TryIncrement(ctx, counters, ZoneScope(1)))
	err := ledger.TryIncrement(ctx, counters, ZoneScope(1))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, counters.zoneCnt[1])
}

func TestLedgerZeroCapacityMeansUnlimited(t *testing.T) {
	counters := newMemCounters()
	ledger := NewLedger(nil)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, ledger.TryIncrement(ctx, counters, PointScope(9)))
	}
	require.Equal(t, 500, counters.pointCnt[9])
}

func TestLedgerLastSlotRace(t *testing.T) {
	counters := newMemCounters()
	counters.maxTotal = 100
	counters.residents = 60
	counters.visitors = 39
	ledger := NewLedger(nil)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ledger.TryIncrement(context.Background(), counters, BuildingScope(ClassResident))
		}()
	}
	wg.Wait()
	close(results)

	var granted, denied int
	for err := range results {
		switch {
		case err == nil:
			granted++
		default:
			require.ErrorIs(t, err, ErrCapacityExceeded)
			denied++
		}
	}
	require.Equal(t, 1, granted)
	require.Equal(t, racers-1, denied)
	require.Equal(t, 61, counters.residents)
}

func TestLedgerDecrementClampsAtZero(t *testing.T) {
	counters := newMemCounters()
	ledger := NewLedger(nil)
	ctx := context.Background()

	// Exits must never fail even when the counter is already empty.
	require.NoError(t, ledger.Decrement(ctx, counters, PointScope(4)))
	require.Equal(t, 0, counters.pointCnt[4])

	require.NoError(t, ledger.TryIncrement(ctx, counters, PointScope(4)))
	require.NoError(t, ledger.Decrement(ctx, counters, PointScope(4)))
	require.NoError(t, ledger.Decrement(ctx, counters, PointScope(4)))
	require.Equal(t, 0, counters.pointCnt[4])
}
