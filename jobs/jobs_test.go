package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/veriaccess/veriaccess/internal/identity"
)

type fakeCheckouter struct {
	count int
	err   error
	calls int
}

func (f *fakeCheckouter) AutoCheckout(context.Context) (int, error) {
	f.calls++
	return f.count, f.err
}

func TestAutoCheckoutJob(t *testing.T) {
	checkouter := &fakeCheckouter{count: 3}
	job := NewAutoCheckoutJob(checkouter, nil, nil)

	task, err := NewAutoCheckoutTask(AutoCheckoutPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, checkouter.calls)

	checkouter.err = errors.New("redis down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestAutoCheckoutJobDryRun(t *testing.T) {
	checkouter := &fakeCheckouter{}
	job := NewAutoCheckoutJob(checkouter, nil, nil)

	task, err := NewAutoCheckoutTask(AutoCheckoutPayload{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Zero(t, checkouter.calls)
}

func TestAutoCheckoutJobSkipsGarbagePayload(t *testing.T) {
	job := NewAutoCheckoutJob(&fakeCheckouter{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskVisitorAutoCheckout, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakePruner struct {
	cutoff time.Time
	pruned int64
	err    error
}

func (f *fakePruner) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return f.pruned, f.err
}

func TestLogRetentionJob(t *testing.T) {
	pruner := &fakePruner{pruned: 42}
	job := NewLogRetentionJob(pruner, 90*24*time.Hour, nil, nil)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	task, err := NewLogRetentionTask(LogRetentionPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-90*24*time.Hour), pruner.cutoff)
}

func TestLogRetentionJobPayloadOverride(t *testing.T) {
	pruner := &fakePruner{}
	job := NewLogRetentionJob(pruner, 90*24*time.Hour, nil, nil)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	task, err := NewLogRetentionTask(LogRetentionPayload{Retention: 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-24*time.Hour), pruner.cutoff)
}

func TestLogRetentionJobRejectsZeroWindow(t *testing.T) {
	job := NewLogRetentionJob(&fakePruner{}, 0, nil, nil)
	task, err := NewLogRetentionTask(LogRetentionPayload{})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

type fakeEnqueuer struct {
	auto      int
	retention int
	err       error
}

func (f *fakeEnqueuer) EnqueueAutoCheckout(context.Context, AutoCheckoutPayload) (*asynq.TaskInfo, error) {
	f.auto++
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, f.err
}

func (f *fakeEnqueuer) EnqueueLogRetention(context.Context, LogRetentionPayload) (*asynq.TaskInfo, error) {
	f.retention++
	return &asynq.TaskInfo{ID: "task-2", Queue: QueueDefault}, f.err
}

func TestHandlerManualTriggers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens := identity.NewTokenManager(client, "test-secret", time.Hour)

	ctx := context.Background()
	adminToken, err := tokens.Issue(ctx, identity.Subject{UserID: 1, Role: identity.RoleAdministrator})
	require.NoError(t, err)
	residentToken, err := tokens.Issue(ctx, identity.Subject{UserID: 2, Role: identity.RoleResident})
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	handler := NewHandler(nil, enq, identity.Middleware{Tokens: tokens}, nil)
	router := chi.NewRouter()
	router.Route("/jobs", handler.MountRoutes)

	do := func(path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/jobs/auto-checkout", adminToken, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, enq.auto)

	rec = do("/jobs/log-retention", adminToken, `{"retention":3600000000000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, enq.retention)

	require.Equal(t, http.StatusUnauthorized, do("/jobs/auto-checkout", "", "").Code)
	require.Equal(t, http.StatusForbidden, do("/jobs/auto-checkout", residentToken, "").Code)
	require.Equal(t, 1, enq.auto)
}
