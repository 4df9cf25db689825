package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrCapacityExceeded reports a rejected increment. It is an expected
// outcome of the decision flow, never a hard failure.
var ErrCapacityExceeded = errors.New("access: capacity exceeded")

// ScopeKind names a counter domain.
type ScopeKind string

const (
	ScopePoint    ScopeKind = "point"
	ScopeZone     ScopeKind = "zone"
	ScopeBuilding ScopeKind = "building"
)

// OccupantClass selects which building counter a crossing affects.
type OccupantClass string

const (
	ClassResident OccupantClass = "resident"
	ClassVisitor  OccupantClass = "visitor"
)

// Scope identifies one capacity/counter pair. An increment at one scope
// never rolls up automatically; the orchestrator lists every scope a
// crossing touches.
type Scope struct {
	Kind  ScopeKind
	ID    int64
	Class OccupantClass
}

// PointScope addresses an access point counter.
func PointScope(id int64) Scope { return Scope{Kind: ScopePoint, ID: id} }

// ZoneScope addresses a zone counter.
func ZoneScope(id int64) Scope { return Scope{Kind: ScopeZone, ID: id} }

// BuildingScope addresses the building-wide counter for an occupant class.
func BuildingScope(class OccupantClass) Scope {
	return Scope{Kind: ScopeBuilding, Class: class}
}

func (s Scope) String() string {
	if s.Kind == ScopeBuilding {
		return fmt.Sprintf("building/%s", s.Class)
	}
	return fmt.Sprintf("%s/%d", s.Kind, s.ID)
}

// TxCounters is the transactional counter port. Every mutation is a
// single conditional UPDATE so the check and the commit are atomic with
// respect to concurrent increments on the same scope. Implementations
// report applied=false when the condition did not hold.
type TxCounters interface {
	IncrementPoint(ctx context.Context, id int64) (applied bool, err error)
	DecrementPoint(ctx context.Context, id int64) (applied bool, err error)
	IncrementZone(ctx context.Context, id int64) (applied bool, err error)
	DecrementZone(ctx context.Context, id int64) (applied bool, err error)
	IncrementBuilding(ctx context.Context, class OccupantClass) (applied bool, err error)
	DecrementBuilding(ctx context.Context, class OccupantClass) (applied bool, err error)
}

// Ledger applies capacity-checked counter mutations. Point and zone
// capacities of zero mean unlimited; the building capacity is a hard cap.
type Ledger struct {
	logger *slog.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// TryIncrement commits a capacity-checked increment on the scope.
// Exactly one of two racing increments on a scope with one remaining
// slot succeeds; the other observes ErrCapacityExceeded.
func (l *Ledger) TryIncrement(ctx context.Context, tx TxCounters, scope Scope) error {
	applied, err := l.apply(ctx, tx, scope, true)
	if err != nil {
		return err
	}
	if !applied {
		return ErrCapacityExceeded
	}
	return nil
}

// Decrement commits a decrement on the scope. Decrements are never
// rejected: an underflow clamps at zero and is logged as an anomaly
// instead of failing the crossing.
func (l *Ledger) Decrement(ctx context.Context, tx TxCounters, scope Scope) error {
	applied, err := l.apply(ctx, tx, scope, false)
	if err != nil {
		return err
	}
	if !applied && l.logger != nil {
		l.logger.Warn("occupancy decrement clamped at zero", slog.String("scope", scope.String()))
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, tx TxCounters, scope Scope, increment bool) (bool, error) {
	switch scope.Kind {
	case ScopePoint:
		if increment {
			return tx.IncrementPoint(ctx, scope.ID)
		}
		return tx.DecrementPoint(ctx, scope.ID)
	case ScopeZone:
		if increment {
			return tx.IncrementZone(ctx, scope.ID)
		}
		return tx.DecrementZone(ctx, scope.ID)
	case ScopeBuilding:
		if increment {
			return tx.IncrementBuilding(ctx, scope.Class)
		}
		return tx.DecrementBuilding(ctx, scope.Class)
	default:
		return false, fmt.Errorf("access: unknown scope kind %q", scope.Kind)
	}
}
