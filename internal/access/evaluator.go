package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriaccess/veriaccess/internal/shared"
)

// PermissionLookup resolves the unique permission for a (user, zone) pair.
type PermissionLookup interface {
	FindPermission(ctx context.Context, userID, zoneID int64) (*Permission, error)
}

// Evaluator decides whether a subject may access a zone at an instant.
// It is a pure function of its inputs plus a point-in-time read of the
// permission state: no side effects, safe to call concurrently, and
// idempotent for identical inputs and unchanged state.
type Evaluator struct {
	perms PermissionLookup
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(perms PermissionLookup) *Evaluator {
	return &Evaluator{perms: perms}
}

// Evaluate applies the fail-closed permission rules: deny when no active
// permission exists, when the date falls outside [valid_from, valid_to]
// (nil valid_to is open-ended), or when the clock time falls outside the
// inclusive [time_from, time_to] window. A lookup failure is surfaced as
// an error, never as a grant.
func (e *Evaluator) Evaluate(ctx context.Context, userID, zoneID int64, at time.Time) (bool, Reason, error) {
	perm, err := e.perms.FindPermission(ctx, userID, zoneID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, ReasonNoPermission, nil
		}
		return false, "", fmt.Errorf("%w: %w", shared.ErrStoreUnavailable, err)
	}
	ok, reason := evaluatePermission(perm, at)
	return ok, reason, nil
}

// evaluatePermission holds the window rules shared by the standalone
// evaluator and the in-transaction decision path.
//
// Windows with time_from > time_to denote an empty window and deny every
// instant; overnight wraparound is not supported.
func evaluatePermission(perm *Permission, at time.Time) (bool, Reason) {
	if perm == nil || !perm.IsActive {
		return false, ReasonNoPermission
	}

	date := dateOnly(at)
	if date.Before(dateOnly(perm.ValidFrom)) {
		return false, ReasonOutsideValidityWindow
	}
	if perm.ValidTo != nil && date.After(dateOnly(*perm.ValidTo)) {
		return false, ReasonOutsideValidityWindow
	}

	clock := TimeOfDayFrom(at)
	if clock < perm.TimeFrom || clock > perm.TimeTo {
		return false, ReasonOutsideTimeWindow
	}

	return true, ""
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
