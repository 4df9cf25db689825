package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriaccess/veriaccess/internal/shared"
)

type permLookupFunc func(ctx context.Context, userID, zoneID int64) (*Permission, error)

func (f permLookupFunc) FindPermission(ctx context.Context, userID, zoneID int64) (*Permission, error) {
	return f(ctx, userID, zoneID)
}

func mustTimeOfDay(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

func officePermission(t *testing.T) *Permission {
	t.Helper()
	validTo := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	return &Permission{
		ID:        1,
		UserID:    7,
		ZoneID:    3,
		TimeFrom:  mustTimeOfDay(t, "08:00"),
		TimeTo:    mustTimeOfDay(t, "18:00"),
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   &validTo,
		IsActive:  true,
	}
}

func TestEvaluatePermissionWindows(t *testing.T) {
	inactive := officePermission(t)
	inactive.IsActive = false

	cases := []struct {
		name    string
		perm    *Permission
		at      time.Time
		allowed bool
		reason  Reason
	}{
		{
			name:    "inside both windows",
			perm:    officePermission(t),
			at:      time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			allowed: true,
		},
		{
			name:   "after validity end date",
			perm:   officePermission(t),
			at:     time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
			reason: ReasonOutsideValidityWindow,
		},
		{
			name:   "before validity start date",
			perm:   officePermission(t),
			at:     time.Date(2023, 12, 31, 9, 0, 0, 0, time.UTC),
			reason: ReasonOutsideValidityWindow,
		},
		{
			name:   "after daily window",
			perm:   officePermission(t),
			at:     time.Date(2024, 1, 15, 19, 0, 0, 0, time.UTC),
			reason: ReasonOutsideTimeWindow,
		},
		{
			name:    "window boundaries are inclusive",
			perm:    officePermission(t),
			at:      time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC),
			allowed: true,
		},
		{
			name:    "validity end date itself still valid",
			perm:    officePermission(t),
			at:      time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC),
			allowed: true,
		},
		{
			name:   "inactive permission",
			perm:   inactive,
			at:     time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			reason: ReasonNoPermission,
		},
		{
			name:   "nil permission",
			perm:   nil,
			at:     time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			reason: ReasonNoPermission,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, reason := evaluatePermission(tc.perm, tc.at)
			require.Equal(t, tc.allowed, allowed)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestEvaluatePermissionOpenEndedValidity(t *testing.T) {
	perm := officePermission(t)
	perm.ValidTo = nil

	// No end date means the permission stays valid indefinitely.
	allowed, reason := evaluatePermission(perm, time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC))
	require.True(t, allowed)
	require.Empty(t, reason)
}

func TestEvaluatePermissionEmptyWindowDeniesAll(t *testing.T) {
	perm := officePermission(t)
	perm.TimeFrom = mustTimeOfDay(t, "18:00")
	perm.TimeTo = mustTimeOfDay(t, "08:00")

	for _, hour := range []int{0, 7, 12, 19, 23} {
		allowed, reason := evaluatePermission(perm, time.Date(2024, 1, 15, hour, 30, 0, 0, time.UTC))
		require.False(t, allowed, "hour %d", hour)
		require.Equal(t, ReasonOutsideTimeWindow, reason)
	}
}

func TestEvaluatorFailClosed(t *testing.T) {
	t.Run("missing permission denies", func(t *testing.T) {
		eval := NewEvaluator(permLookupFunc(func(context.Context, int64, int64) (*Permission, error) {
			return nil, shared.ErrNotFound
		}))
		allowed, reason, err := eval.Evaluate(context.Background(), 7, 3, time.Now())
		require.NoError(t, err)
		require.False(t, allowed)
		require.Equal(t, ReasonNoPermission, reason)
	})

	t.Run("lookup failure surfaces as error", func(t *testing.T) {
		eval := NewEvaluator(permLookupFunc(func(context.Context, int64, int64) (*Permission, error) {
			return nil, context.DeadlineExceeded
		}))
		allowed, _, err := eval.Evaluate(context.Background(), 7, 3, time.Now())
		require.Error(t, err)
		require.ErrorIs(t, err, shared.ErrStoreUnavailable)
		require.False(t, allowed)
	})
}

func TestEvaluatorIdempotent(t *testing.T) {
	perm := officePermission(t)
	eval := NewEvaluator(permLookupFunc(func(context.Context, int64, int64) (*Permission, error) {
		return perm, nil
	}))
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	first, reason1, err := eval.Evaluate(context.Background(), 7, 3, at)
	require.NoError(t, err)
	second, reason2, err := eval.Evaluate(context.Background(), 7, 3, at)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, reason1, reason2)
}
