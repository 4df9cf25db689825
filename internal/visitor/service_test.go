package visitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriaccess/veriaccess/internal/shared"
)

type fakeRepo struct {
	visitors      map[int64]Visitor
	grants        map[int64]AccessGrant
	nextVisitorID int64
	nextGrantID   int64
	checkouts     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		visitors: map[int64]Visitor{},
		grants:   map[int64]AccessGrant{},
	}
}

func (f *fakeRepo) Create(_ context.Context, v Visitor) (Visitor, error) {
	f.nextVisitorID++
	v.ID = f.nextVisitorID
	v.CreatedAt = time.Now()
	f.visitors[v.ID] = v
	return v, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (*Visitor, error) {
	v, ok := f.visitors[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &v, nil
}

func (f *fakeRepo) List(_ context.Context, filter ListFilter) ([]Visitor, error) {
	var out []Visitor
	for _, v := range f.visitors {
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if filter.HostUserID > 0 && v.HostUserID != filter.HostUserID {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, id int64, from, to Status) (Visitor, error) {
	v, ok := f.visitors[id]
	if !ok || v.Status != from {
		return Visitor{}, shared.ErrNotFound
	}
	v.Status = to
	f.visitors[id] = v
	return v, nil
}

func (f *fakeRepo) Delete(_ context.Context, id int64) error {
	if _, ok := f.visitors[id]; !ok {
		return shared.ErrNotFound
	}
	delete(f.visitors, id)
	for grantID, g := range f.grants {
		if g.VisitorID == id {
			delete(f.grants, grantID)
		}
	}
	return nil
}

func (f *fakeRepo) CreateGrant(_ context.Context, grant AccessGrant) (AccessGrant, error) {
	f.nextGrantID++
	grant.ID = f.nextGrantID
	grant.CreatedAt = time.Now()
	f.grants[grant.ID] = grant
	return grant, nil
}

func (f *fakeRepo) GrantsForVisitor(_ context.Context, visitorID int64) ([]AccessGrant, error) {
	var out []AccessGrant
	for _, g := range f.grants {
		if g.VisitorID == visitorID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeRepo) Checkout(_ context.Context, id int64, at time.Time) (Visitor, error) {
	v, ok := f.visitors[id]
	if !ok || v.Status != StatusInside {
		return Visitor{}, shared.ErrNotFound
	}
	v.Status = StatusOutside
	v.ExitTime = &at
	f.visitors[id] = v
	f.checkouts++
	return v, nil
}

func (f *fakeRepo) ExpiredInside(_ context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	for _, v := range f.visitors {
		if v.Status != StatusInside {
			continue
		}
		lapsed := true
		for _, g := range f.grants {
			if g.VisitorID == v.ID && !g.ValidTo.Before(now) {
				lapsed = false
				break
			}
		}
		if lapsed {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

type testClock struct {
	at time.Time
}

func (c *testClock) Now() time.Time { return c.at }

func newVisitorFixture(t *testing.T) (*Service, *fakeRepo, *testClock) {
	t.Helper()
	repo := newFakeRepo()
	clock := &testClock{at: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	return NewService(repo, clock, nil), repo, clock
}

func registerVisitor(t *testing.T, service *Service) Visitor {
	t.Helper()
	v, err := service.Create(context.Background(), CreateInput{
		FullName:   "Alex Guest",
		DocumentID: "X-2231",
		HostUserID: 7,
		Purpose:    "maintenance visit",
	})
	require.NoError(t, err)
	return v
}

func TestCreateStartsPending(t *testing.T) {
	service, _, _ := newVisitorFixture(t)

	v := registerVisitor(t, service)
	require.Equal(t, StatusPending, v.Status)
	require.Equal(t, int64(7), v.HostUserID)

	_, err := service.Create(context.Background(), CreateInput{FullName: "No Host"})
	require.ErrorIs(t, err, ErrMissingDetails)
}

func TestApprovalLifecycle(t *testing.T) {
	service, _, _ := newVisitorFixture(t)
	ctx := context.Background()
	v := registerVisitor(t, service)

	approved, err := service.Approve(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	// Decisions are one-shot.
	_, err = service.Deny(ctx, v.ID)
	require.ErrorIs(t, err, ErrNotPending)

	_, err = service.Approve(ctx, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDenyLifecycle(t *testing.T) {
	service, _, _ := newVisitorFixture(t)
	ctx := context.Background()
	v := registerVisitor(t, service)

	denied, err := service.Deny(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDenied, denied.Status)
}

func TestIssueGrantRequiresApproval(t *testing.T) {
	service, _, clock := newVisitorFixture(t)
	ctx := context.Background()
	v := registerVisitor(t, service)

	window := GrantInput{
		ValidFrom: clock.at,
		ValidTo:   clock.at.Add(8 * time.Hour),
		ZoneIDs:   []int64{10},
	}

	_, err := service.IssueGrant(ctx, v.ID, window)
	require.ErrorIs(t, err, ErrNotApproved)

	_, err = service.Approve(ctx, v.ID)
	require.NoError(t, err)

	issued, err := service.IssueGrant(ctx, v.ID, window)
	require.NoError(t, err)
	require.NotEmpty(t, issued.QRCode)
	require.NotEmpty(t, issued.QRPayload)
	require.Equal(t, []int64{10}, issued.ZoneIDs)

	token, err := ExtractToken(issued.QRPayload)
	require.NoError(t, err)
	require.Equal(t, issued.QRCode, token)

	// Each grant mints a fresh token.
	second, err := service.IssueGrant(ctx, v.ID, window)
	require.NoError(t, err)
	require.NotEqual(t, issued.QRCode, second.QRCode)
}

func TestIssueGrantRejectsInvertedWindow(t *testing.T) {
	service, _, clock := newVisitorFixture(t)
	v := registerVisitor(t, service)

	_, err := service.IssueGrant(context.Background(), v.ID, GrantInput{
		ValidFrom: clock.at.Add(time.Hour),
		ValidTo:   clock.at,
		ZoneIDs:   []int64{10},
	})
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestCheckout(t *testing.T) {
	service, repo, clock := newVisitorFixture(t)
	ctx := context.Background()
	v := registerVisitor(t, service)

	_, err := service.Checkout(ctx, v.ID)
	require.Error(t, err)

	inside := repo.visitors[v.ID]
	inside.Status = StatusInside
	repo.visitors[v.ID] = inside

	out, err := service.Checkout(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOutside, out.Status)
	require.Equal(t, clock.at, *out.ExitTime)
}

func TestDeleteRefusesInsideVisitor(t *testing.T) {
	service, repo, _ := newVisitorFixture(t)
	ctx := context.Background()
	v := registerVisitor(t, service)

	inside := repo.visitors[v.ID]
	inside.Status = StatusInside
	repo.visitors[v.ID] = inside

	err := service.Delete(ctx, v.ID)
	require.ErrorIs(t, err, ErrVisitorInside)

	outside := repo.visitors[v.ID]
	outside.Status = StatusOutside
	repo.visitors[v.ID] = outside

	require.NoError(t, service.Delete(ctx, v.ID))
	_, err = service.Get(ctx, v.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAutoCheckout(t *testing.T) {
	service, repo, clock := newVisitorFixture(t)
	ctx := context.Background()

	// Two inside visitors: one with a live grant, one lapsed.
	lapsed := registerVisitor(t, service)
	fresh, err := service.Create(ctx, CreateInput{FullName: "Sam Stays", HostUserID: 8})
	require.NoError(t, err)

	for _, id := range []int64{lapsed.ID, fresh.ID} {
		v := repo.visitors[id]
		v.Status = StatusInside
		repo.visitors[id] = v
	}
	repo.grants[1] = AccessGrant{ID: 1, VisitorID: lapsed.ID, ValidTo: clock.at.Add(-time.Hour)}
	repo.grants[2] = AccessGrant{ID: 2, VisitorID: fresh.ID, ValidTo: clock.at.Add(time.Hour)}

	count, err := service.AutoCheckout(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, StatusOutside, repo.visitors[lapsed.ID].Status)
	require.Equal(t, StatusInside, repo.visitors[fresh.ID].Status)
}

func TestListFiltersByStatus(t *testing.T) {
	service, _, _ := newVisitorFixture(t)
	ctx := context.Background()

	first := registerVisitor(t, service)
	registerVisitor(t, service)
	_, err := service.Approve(ctx, first.ID)
	require.NoError(t, err)

	pending, err := service.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = service.List(ctx, ListFilter{Status: Status("teleported")})
	require.Error(t, err)
}
