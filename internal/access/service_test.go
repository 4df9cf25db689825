package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/shared"
)

type fixedClock struct {
	at time.Time
}

func (c *fixedClock) Now() time.Time { return c.at }

type buildingState struct {
	residents int
	visitors  int
	max       int
}

type fakeState struct {
	points      map[int64]AccessPoint
	zones       map[int64]AccessZone
	zoneMembers map[int64][]int64
	perms       map[[2]int64]Permission
	grants      map[string]VisitorGrant
	building    buildingState
	logs        []LogEntry
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		points:      make(map[int64]AccessPoint, len(s.points)),
		zones:       make(map[int64]AccessZone, len(s.zones)),
		zoneMembers: make(map[int64][]int64, len(s.zoneMembers)),
		perms:       make(map[[2]int64]Permission, len(s.perms)),
		grants:      make(map[string]VisitorGrant, len(s.grants)),
		building:    s.building,
		logs:        append([]LogEntry(nil), s.logs...),
	}
	for k, v := range s.points {
		out.points[k] = v
	}
	for k, v := range s.zones {
		out.zones[k] = v
	}
	for k, v := range s.zoneMembers {
		out.zoneMembers[k] = append([]int64(nil), v...)
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	for k, v := range s.grants {
		v.ZoneIDs = append([]int64(nil), v.ZoneIDs...)
		out.grants[k] = v
	}
	return out
}

// fakeStore keeps all persistence in memory. WithTx snapshots the state
// and restores it when fn fails, mirroring a rolled back transaction.
// A non-nil txErr fails every transaction before fn runs.
type fakeStore struct {
	mu    sync.Mutex
	state fakeState
	txErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: fakeState{
		points:      map[int64]AccessPoint{},
		zones:       map[int64]AccessZone{},
		zoneMembers: map[int64][]int64{},
		perms:       map[[2]int64]Permission{},
		grants:      map[string]VisitorGrant{},
	}}
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txErr != nil {
		return s.txErr
	}
	snapshot := s.state.clone()
	if err := fn(ctx, &fakeTx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *fakeStore) FindPermission(_ context.Context, userID, zoneID int64) (*Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.state.perms[[2]int64{userID, zoneID}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &perm, nil
}

func (s *fakeStore) InsertLogEntry(_ context.Context, entry LogEntry) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.state.logs) + 1)
	s.state.logs = append(s.state.logs, entry)
	return entry, nil
}

func (s *fakeStore) GetPoint(_ context.Context, id int64) (*AccessPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.points[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &p, nil
}

func (s *fakeStore) CreatePoint(_ context.Context, point AccessPoint) (AccessPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	point.ID = int64(len(s.state.points) + 1)
	point.CreatedAt = time.Now()
	s.state.points[point.ID] = point
	return point, nil
}

func (s *fakeStore) ListPoints(_ context.Context) ([]AccessPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var points []AccessPoint
	for _, p := range s.state.points {
		points = append(points, p)
	}
	return points, nil
}

func (s *fakeStore) SetPointActive(_ context.Context, id int64, active bool) (AccessPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.points[id]
	if !ok {
		return AccessPoint{}, shared.ErrNotFound
	}
	p.IsActive = active
	s.state.points[id] = p
	return p, nil
}

func (s *fakeStore) GetZone(_ context.Context, id int64) (*AccessZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.state.zones[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &z, nil
}

func (s *fakeStore) CreateZone(_ context.Context, zone AccessZone) (AccessZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zone.ID = int64(len(s.state.zones) + 1)
	s.state.zones[zone.ID] = zone
	s.state.zoneMembers[zone.ID] = append([]int64(nil), zone.PointIDs...)
	return zone, nil
}

func (s *fakeStore) ListZones(_ context.Context) ([]AccessZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zones []AccessZone
	for _, z := range s.state.zones {
		zones = append(zones, z)
	}
	return zones, nil
}

func (s *fakeStore) UpsertPermission(_ context.Context, perm Permission) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{perm.UserID, perm.ZoneID}
	if existing, ok := s.state.perms[key]; ok {
		perm.ID = existing.ID
	} else {
		perm.ID = int64(len(s.state.perms) + 1)
	}
	s.state.perms[key] = perm
	return perm, nil
}

func (s *fakeStore) PermissionsForUser(_ context.Context, userID int64) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var perms []Permission
	for key, perm := range s.state.perms {
		if key[0] == userID {
			perms = append(perms, perm)
		}
	}
	return perms, nil
}

func (s *fakeStore) RecentLogs(_ context.Context, filter LogFilter) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []LogEntry
	for i := len(s.state.logs) - 1; i >= 0 && len(entries) < filter.Limit; i-- {
		e := s.state.logs[i]
		if filter.AccessPointID > 0 && e.AccessPointID != filter.AccessPointID {
			continue
		}
		if filter.UserID > 0 && (e.UserID == nil || *e.UserID != filter.UserID) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *fakeStore) allLogs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.state.logs...)
}

type fakeTx struct {
	st *fakeState
}

func (t *fakeTx) GetPoint(_ context.Context, id int64) (*AccessPoint, error) {
	p, ok := t.st.points[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &p, nil
}

func (t *fakeTx) ZonesForPoint(_ context.Context, pointID int64) ([]AccessZone, error) {
	var zones []AccessZone
	for zoneID, members := range t.st.zoneMembers {
		for _, member := range members {
			if member == pointID {
				zones = append(zones, t.st.zones[zoneID])
				break
			}
		}
	}
	return zones, nil
}

func (t *fakeTx) PermissionsForUserZones(_ context.Context, userID int64, zoneIDs []int64) ([]Permission, error) {
	var perms []Permission
	for _, zoneID := range zoneIDs {
		if perm, ok := t.st.perms[[2]int64{userID, zoneID}]; ok {
			perms = append(perms, perm)
		}
	}
	return perms, nil
}

func (t *fakeTx) FindGrantByToken(_ context.Context, token string) (*VisitorGrant, error) {
	grant, ok := t.st.grants[token]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &grant, nil
}

func (t *fakeTx) MarkVisitorEntered(_ context.Context, grantID, visitorID int64, _ time.Time) error {
	for token, grant := range t.st.grants {
		if grant.GrantID == grantID {
			grant.Status = visitorStatusInside
			grant.Used = true
			t.st.grants[token] = grant
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *fakeTx) MarkVisitorExited(_ context.Context, visitorID int64, _ time.Time) error {
	for token, grant := range t.st.grants {
		if grant.VisitorID == visitorID {
			grant.Status = visitorStatusOutside
			t.st.grants[token] = grant
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *fakeTx) InsertLogEntry(_ context.Context, entry LogEntry) (LogEntry, error) {
	entry.ID = int64(len(t.st.logs) + 1)
	t.st.logs = append(t.st.logs, entry)
	return entry, nil
}

func (t *fakeTx) IncrementPoint(_ context.Context, id int64) (bool, error) {
	p := t.st.points[id]
	if p.MaxCapacity > 0 && p.CurrentCount >= p.MaxCapacity {
		return false, nil
	}
	p.CurrentCount++
	t.st.points[id] = p
	return true, nil
}

func (t *fakeTx) DecrementPoint(_ context.Context, id int64) (bool, error) {
	p := t.st.points[id]
	if p.CurrentCount == 0 {
		return false, nil
	}
	p.CurrentCount--
	t.st.points[id] = p
	return true, nil
}

func (t *fakeTx) IncrementZone(_ context.Context, id int64) (bool, error) {
	z := t.st.zones[id]
	if z.MaxCapacity > 0 && z.CurrentCount >= z.MaxCapacity {
		return false, nil
	}
	z.CurrentCount++
	t.st.zones[id] = z
	return true, nil
}

func (t *fakeTx) DecrementZone(_ context.Context, id int64) (bool, error) {
	z := t.st.zones[id]
	if z.CurrentCount == 0 {
		return false, nil
	}
	z.CurrentCount--
	t.st.zones[id] = z
	return true, nil
}

func (t *fakeTx) IncrementBuilding(_ context.Context, class OccupantClass) (bool, error) {
	b := &t.st.building
	if b.residents+b.visitors >= b.max {
		return false, nil
	}
	if class == ClassVisitor {
		b.visitors++
	} else {
		b.residents++
	}
	return true, nil
}

func (t *fakeTx) DecrementBuilding(_ context.Context, class OccupantClass) (bool, error) {
	b := &t.st.building
	if class == ClassVisitor {
		if b.visitors == 0 {
			return false, nil
		}
		b.visitors--
	} else {
		if b.residents == 0 {
			return false, nil
		}
		b.residents--
	}
	return true, nil
}

type fakeIdentity struct {
	cards map[string]identity.Subject
	users map[int64]identity.Subject
	errs  map[string]error
}

func (f *fakeIdentity) ResolveCard(_ context.Context, cardID string) (identity.Subject, *identity.Card, error) {
	if err, ok := f.errs[cardID]; ok {
		return identity.Subject{}, nil, err
	}
	subject, ok := f.cards[cardID]
	if !ok {
		return identity.Subject{}, nil, identity.ErrCardNotFound
	}
	return subject, &identity.Card{CardID: cardID, UserID: &subject.UserID, IsActive: true}, nil
}

func (f *fakeIdentity) ResolveUser(_ context.Context, userID int64) (identity.Subject, error) {
	subject, ok := f.users[userID]
	if !ok {
		return identity.Subject{}, shared.ErrNotFound
	}
	return subject, nil
}

type countingMetrics struct {
	granted int
	denied  int
	reasons map[string]int
}

func (m *countingMetrics) RecordDecision(granted bool, reason string) {
	if m.reasons == nil {
		m.reasons = map[string]int{}
	}
	if granted {
		m.granted++
		return
	}
	m.denied++
	m.reasons[reason]++
}

type accessFixture struct {
	service *Service
	store   *fakeStore
	idport  *fakeIdentity
	clock   *fixedClock
	metrics *countingMetrics
}

func newAccessFixture(t *testing.T, cfg ServiceConfig) *accessFixture {
	t.Helper()
	store := newFakeStore()
	store.state.points[1] = AccessPoint{ID: 1, Name: "Main Gate", IsActive: true}
	store.state.zones[10] = AccessZone{ID: 10, Name: "Lobby"}
	store.state.zoneMembers[10] = []int64{1}
	store.state.building = buildingState{max: 100}

	validTo := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	store.state.perms[[2]int64{7, 10}] = Permission{
		ID: 1, UserID: 7, ZoneID: 10,
		TimeFrom:  mustTimeOfDay(t, "08:00"),
		TimeTo:    mustTimeOfDay(t, "18:00"),
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   &validTo,
		IsActive:  true,
	}

	resident := identity.Subject{UserID: 7, FullName: "Dana Reyes", Role: identity.RoleResident}
	idport := &fakeIdentity{
		cards: map[string]identity.Subject{"CARD-7": resident},
		users: map[int64]identity.Subject{7: resident},
		errs:  map[string]error{},
	}
	clock := &fixedClock{at: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	metrics := &countingMetrics{}

	service := NewService(store, idport, NewLedger(nil), clock, nil, cfg).WithMetrics(metrics)
	return &accessFixture{service: service, store: store, idport: idport, clock: clock, metrics: metrics}
}

func cardAttempt(direction Direction) AttemptRequest {
	return AttemptRequest{CardID: "CARD-7", PointID: 1, Direction: direction}
}

func TestAttemptCardEntryGranted(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, "Dana Reyes", decision.Subject)
	require.Equal(t, int64(10), decision.ZoneID)

	require.Equal(t, 1, fx.store.state.points[1].CurrentCount)
	require.Equal(t, 1, fx.store.state.zones[10].CurrentCount)
	require.Equal(t, 1, fx.store.state.building.residents)

	logs := fx.store.allLogs()
	require.Len(t, logs, 1)
	require.Equal(t, StatusGranted, logs[0].Status)
	require.Equal(t, DirectionIn, logs[0].Direction)
	require.Equal(t, int64(7), *logs[0].UserID)
	require.Equal(t, 1, fx.metrics.granted)
}

func TestAttemptDeniedReasons(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(t *testing.T, fx *accessFixture)
		req    AttemptRequest
		reason Reason
	}{
		{
			name:   "unknown card",
			setup:  func(*testing.T, *accessFixture) {},
			req:    AttemptRequest{CardID: "CARD-404", PointID: 1, Direction: DirectionIn},
			reason: ReasonUnknownCard,
		},
		{
			name: "inactive card",
			setup: func(_ *testing.T, fx *accessFixture) {
				fx.idport.errs["CARD-7"] = identity.ErrCardInactive
			},
			req:    cardAttempt(DirectionIn),
			reason: ReasonCardInactive,
		},
		{
			name: "no permission",
			setup: func(_ *testing.T, fx *accessFixture) {
				delete(fx.store.state.perms, [2]int64{7, 10})
			},
			req:    cardAttempt(DirectionIn),
			reason: ReasonNoPermission,
		},
		{
			name: "outside validity dates",
			setup: func(_ *testing.T, fx *accessFixture) {
				fx.clock.at = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
			},
			req:    cardAttempt(DirectionIn),
			reason: ReasonOutsideValidityWindow,
		},
		{
			name: "outside daily window",
			setup: func(_ *testing.T, fx *accessFixture) {
				fx.clock.at = time.Date(2024, 1, 15, 19, 0, 0, 0, time.UTC)
			},
			req:    cardAttempt(DirectionIn),
			reason: ReasonOutsideTimeWindow,
		},
		{
			name: "inactive point",
			setup: func(_ *testing.T, fx *accessFixture) {
				p := fx.store.state.points[1]
				p.IsActive = false
				fx.store.state.points[1] = p
			},
			req:    cardAttempt(DirectionIn),
			reason: ReasonPointUnauthorized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newAccessFixture(t, ServiceConfig{})
			tc.setup(t, fx)

			decision, err := fx.service.AttemptAccess(context.Background(), tc.req)
			require.NoError(t, err)
			require.False(t, decision.Granted)
			require.Equal(t, tc.reason, decision.Reason)
			require.Equal(t, tc.reason.Message(), decision.Message)

			// No counter moves on a denial.
			require.Equal(t, 0, fx.store.state.points[1].CurrentCount)
			require.Equal(t, 0, fx.store.state.building.residents)

			logs := fx.store.allLogs()
			require.Len(t, logs, 1)
			require.Equal(t, StatusDenied, logs[0].Status)
			require.Equal(t, tc.reason, logs[0].Reason)
			require.Equal(t, 1, fx.metrics.denied)
		})
	}
}

func TestAttemptUnknownPointNotLogged(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})

	_, err := fx.service.AttemptAccess(context.Background(), AttemptRequest{CardID: "CARD-7", PointID: 99, Direction: DirectionIn})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, fx.store.allLogs())
}

func TestAttemptValidatesInput(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})

	_, err := fx.service.AttemptAccess(context.Background(), AttemptRequest{PointID: 1, Direction: DirectionIn})
	require.ErrorIs(t, err, ErrInvalidAttempt)

	_, err = fx.service.AttemptAccess(context.Background(), AttemptRequest{CardID: "CARD-7", QRToken: "tok", PointID: 1, Direction: DirectionIn})
	require.ErrorIs(t, err, ErrInvalidAttempt)

	_, err = fx.service.AttemptAccess(context.Background(), AttemptRequest{CardID: "CARD-7", PointID: 1, Direction: Direction("sideways")})
	require.ErrorIs(t, err, ErrInvalidAttempt)
}

func TestAttemptBuildingCapacityRollsBack(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	fx.store.state.building = buildingState{residents: 60, visitors: 39, max: 100}

	// First entry takes the last building slot.
	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, 61, fx.store.state.building.residents)
	require.Equal(t, 1, fx.store.state.points[1].CurrentCount)

	// Second entry is denied and its point/zone increments roll back.
	decision, err = fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonCapacityExceeded, decision.Reason)
	require.Equal(t, 61, fx.store.state.building.residents)
	require.Equal(t, 1, fx.store.state.points[1].CurrentCount)
	require.Equal(t, 1, fx.store.state.zones[10].CurrentCount)

	logs := fx.store.allLogs()
	require.Len(t, logs, 2)
	require.Equal(t, StatusDenied, logs[1].Status)
	require.Equal(t, ReasonCapacityExceeded, logs[1].Reason)
}

func TestAttemptPointCapacity(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	p := fx.store.state.points[1]
	p.MaxCapacity = 1
	fx.store.state.points[1] = p

	_, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonCapacityExceeded, decision.Reason)
	require.Equal(t, 1, fx.store.state.points[1].CurrentCount)
}

func TestAttemptExitSkipsPermissionCheck(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	delete(fx.store.state.perms, [2]int64{7, 10})
	fx.store.state.building.residents = 1
	p := fx.store.state.points[1]
	p.CurrentCount = 1
	fx.store.state.points[1] = p
	z := fx.store.state.zones[10]
	z.CurrentCount = 1
	fx.store.state.zones[10] = z

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionOut))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, 0, fx.store.state.points[1].CurrentCount)
	require.Equal(t, 0, fx.store.state.zones[10].CurrentCount)
	require.Equal(t, 0, fx.store.state.building.residents)

	logs := fx.store.allLogs()
	require.Len(t, logs, 1)
	require.Equal(t, DirectionOut, logs[0].Direction)
	require.Equal(t, StatusGranted, logs[0].Status)
}

func TestAttemptExitEnforcedPermission(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{EnforceExitPermission: true})
	delete(fx.store.state.perms, [2]int64{7, 10})

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionOut))
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonNoPermission, decision.Reason)
}

func TestAttemptExitClampsAtZero(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})

	// Counters already empty; the exit still succeeds.
	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionOut))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, 0, fx.store.state.points[1].CurrentCount)
	require.Equal(t, 0, fx.store.state.building.residents)
}

func visitorFixture(t *testing.T) *accessFixture {
	t.Helper()
	fx := newAccessFixture(t, ServiceConfig{})
	fx.store.state.grants["tok-1"] = VisitorGrant{
		GrantID:     1,
		VisitorID:   5,
		VisitorName: "Alex Guest",
		Status:      visitorStatusApproved,
		ZoneIDs:     []int64{10},
		ValidFrom:   time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		ValidTo:     time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC),
	}
	return fx
}

func qrAttempt(direction Direction) AttemptRequest {
	return AttemptRequest{QRToken: "tok-1", PointID: 1, Direction: direction}
}

func TestVisitorQRRoundTrip(t *testing.T) {
	fx := visitorFixture(t)
	ctx := context.Background()

	decision, err := fx.service.AttemptAccess(ctx, qrAttempt(DirectionIn))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, "Alex Guest", decision.Subject)
	require.Equal(t, 1, fx.store.state.building.visitors)
	require.Equal(t, visitorStatusInside, fx.store.state.grants["tok-1"].Status)
	require.True(t, fx.store.state.grants["tok-1"].Used)

	// Re-entry while inside is refused.
	decision, err = fx.service.AttemptAccess(ctx, qrAttempt(DirectionIn))
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonVisitorNotApproved, decision.Reason)
	require.Equal(t, 1, fx.store.state.building.visitors)

	decision, err = fx.service.AttemptAccess(ctx, qrAttempt(DirectionOut))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, 0, fx.store.state.building.visitors)
	require.Equal(t, visitorStatusOutside, fx.store.state.grants["tok-1"].Status)

	// A visitor who stepped outside may come back within the window.
	decision, err = fx.service.AttemptAccess(ctx, qrAttempt(DirectionIn))
	require.NoError(t, err)
	require.True(t, decision.Granted)

	require.Len(t, fx.store.allLogs(), 4)
}

func TestVisitorQRDenials(t *testing.T) {
	t.Run("unknown token", func(t *testing.T) {
		fx := visitorFixture(t)
		decision, err := fx.service.AttemptAccess(context.Background(),
			AttemptRequest{QRToken: "tok-999", PointID: 1, Direction: DirectionIn})
		require.NoError(t, err)
		require.False(t, decision.Granted)
		require.Equal(t, ReasonQRInvalid, decision.Reason)
		require.Len(t, fx.store.allLogs(), 1)
	})

	t.Run("expired window", func(t *testing.T) {
		fx := visitorFixture(t)
		fx.clock.at = time.Date(2024, 1, 15, 19, 0, 0, 0, time.UTC)
		decision, err := fx.service.AttemptAccess(context.Background(), qrAttempt(DirectionIn))
		require.NoError(t, err)
		require.Equal(t, ReasonQRExpired, decision.Reason)
	})

	t.Run("pending visitor", func(t *testing.T) {
		fx := visitorFixture(t)
		grant := fx.store.state.grants["tok-1"]
		grant.Status = "pending"
		fx.store.state.grants["tok-1"] = grant
		decision, err := fx.service.AttemptAccess(context.Background(), qrAttempt(DirectionIn))
		require.NoError(t, err)
		require.Equal(t, ReasonVisitorNotApproved, decision.Reason)
	})

	t.Run("zone not on grant", func(t *testing.T) {
		fx := visitorFixture(t)
		grant := fx.store.state.grants["tok-1"]
		grant.ZoneIDs = []int64{99}
		fx.store.state.grants["tok-1"] = grant
		decision, err := fx.service.AttemptAccess(context.Background(), qrAttempt(DirectionIn))
		require.NoError(t, err)
		require.Equal(t, ReasonPointUnauthorized, decision.Reason)
	})

	t.Run("exit without entry", func(t *testing.T) {
		fx := visitorFixture(t)
		decision, err := fx.service.AttemptAccess(context.Background(), qrAttempt(DirectionOut))
		require.NoError(t, err)
		require.Equal(t, ReasonQRInvalid, decision.Reason)
	})
}

func TestRemoteControl(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	actor := identity.Subject{UserID: 2, FullName: "Sam Ops", Role: identity.RoleSecurity}

	entry, err := fx.service.RemoteControl(context.Background(), actor, 1, RemoteActionUnlock)
	require.NoError(t, err)
	require.Equal(t, DirectionNone, entry.Direction)
	require.Equal(t, StatusGranted, entry.Status)
	require.Equal(t, "Remote control: unlock", entry.Detail)
	require.Equal(t, int64(2), *entry.UserID)

	_, err = fx.service.RemoteControl(context.Background(), actor, 1, "open-sesame")
	require.ErrorIs(t, err, ErrInvalidAttempt)

	_, err = fx.service.RemoteControl(context.Background(), actor, 99, RemoteActionLock)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCheckPermission(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	ctx := context.Background()

	allowed, err := fx.service.CheckPermission(ctx, 7, 10)
	require.NoError(t, err)
	require.True(t, allowed)

	fx.clock.at = time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC)
	allowed, err = fx.service.CheckPermission(ctx, 7, 10)
	require.NoError(t, err)
	require.False(t, allowed)

	_, err = fx.service.CheckPermission(ctx, 7, 99)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = fx.service.CheckPermission(ctx, 404, 10)
	require.ErrorIs(t, err, shared.ErrNotFound)

	// Pure lookup: nothing is appended to the audit log.
	require.Empty(t, fx.store.allLogs())
}

func TestGrantPermissionValidation(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	ctx := context.Background()

	perm := Permission{
		UserID:    7,
		ZoneID:    10,
		TimeFrom:  mustTimeOfDay(t, "09:00"),
		TimeTo:    mustTimeOfDay(t, "17:00"),
		ValidFrom: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	created, err := fx.service.GrantPermission(ctx, perm)
	require.NoError(t, err)
	require.True(t, created.IsActive)

	// Re-granting the same pair updates in place.
	perm.TimeTo = mustTimeOfDay(t, "20:00")
	updated, err := fx.service.GrantPermission(ctx, perm)
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)

	perm.TimeFrom = mustTimeOfDay(t, "21:00")
	_, err = fx.service.GrantPermission(ctx, perm)
	require.Error(t, err)

	bad := perm
	bad.TimeFrom = mustTimeOfDay(t, "09:00")
	badTo := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bad.ValidTo = &badTo
	_, err = fx.service.GrantPermission(ctx, bad)
	require.Error(t, err)
}

func TestAttemptMultiZonePoint(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	// The point also belongs to a second zone the user has no
	// permission for; any allowing zone is enough.
	fx.store.state.zones[11] = AccessZone{ID: 11, Name: "Server Room", MaxCapacity: 2}
	fx.store.state.zoneMembers[11] = []int64{1}

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.Equal(t, int64(10), decision.ZoneID)

	// Every zone containing the point is counted.
	require.Equal(t, 1, fx.store.state.zones[10].CurrentCount)
	require.Equal(t, 1, fx.store.state.zones[11].CurrentCount)
}

func TestAttemptEntryConflictDeniesFailSafe(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	fx.store.txErr = &pgconn.PgError{Code: "40001"}

	decision, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, ReasonCapacityExceeded, decision.Reason)

	logs := fx.store.allLogs()
	require.Len(t, logs, 1)
	require.Equal(t, StatusDenied, logs[0].Status)
}

func TestAttemptExitConflictSurfacesStoreFailure(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	fx.store.txErr = &pgconn.PgError{Code: "40001"}

	// An exit cannot be denied for capacity; a persistent conflict is a
	// store failure, never a fabricated decision.
	_, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionOut))
	require.ErrorIs(t, err, shared.ErrStoreUnavailable)
	require.Empty(t, fx.store.allLogs())
}

func TestAttemptSurfacesStoreFailure(t *testing.T) {
	fx := newAccessFixture(t, ServiceConfig{})
	fx.idport.errs["CARD-7"] = errors.New("connection refused")

	_, err := fx.service.AttemptAccess(context.Background(), cardAttempt(DirectionIn))
	require.ErrorIs(t, err, shared.ErrStoreUnavailable)
	require.Empty(t, fx.store.allLogs())
}
