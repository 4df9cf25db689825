package parking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
)

// ErrInvalidRequest reports a malformed parking request.
var ErrInvalidRequest = errors.New("parking: invalid request")

// DecisionRecorder counts finalized decisions for observability.
type DecisionRecorder interface {
	RecordDecision(granted bool, reason string)
}

// Service runs parking crossings and administers areas, vehicles and
// accesses. A crossing is one atomic unit of work: access check,
// capacity-checked counter mutation and exactly one log entry.
type Service struct {
	repo    RepositoryPort
	clock   shared.Clock
	logger  *slog.Logger
	metrics DecisionRecorder
}

// NewService builds the parking service.
func NewService(repo RepositoryPort, clock shared.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, clock: clock, logger: logger}
}

// WithMetrics attaches a decision recorder.
func (s *Service) WithMetrics(metrics DecisionRecorder) *Service {
	s.metrics = metrics
	return s
}

// RegisterEntry decides one vehicle entry. Denials commit their log
// entry in the same transaction; nothing else mutates on a denial
// because the counter moves last.
func (s *Service) RegisterEntry(ctx context.Context, vehicleID, areaID int64) (Decision, error) {
	decision, err := s.runCrossing(ctx, vehicleID, areaID, DirectionIn)
	if err != nil && db.IsSerializationFailure(err) {
		decision, err = s.runCrossing(ctx, vehicleID, areaID, DirectionIn)
	}
	if err != nil && db.IsSerializationFailure(err) {
		// Losing the race twice means the slot state is unverifiable;
		// denying is the fail-safe outcome.
		decision, err = s.denyAfterConflict(ctx, vehicleID, areaID)
	}
	return s.finalize(decision, err)
}

// RegisterExit records a vehicle exit. Exits are never denied; an
// underflow clamps at zero and is logged as an anomaly.
func (s *Service) RegisterExit(ctx context.Context, vehicleID, areaID int64) (Decision, error) {
	decision, err := s.runCrossing(ctx, vehicleID, areaID, DirectionOut)
	if err != nil && db.IsSerializationFailure(err) {
		decision, err = s.runCrossing(ctx, vehicleID, areaID, DirectionOut)
	}
	if err != nil && db.IsSerializationFailure(err) {
		err = fmt.Errorf("%w: transaction conflict: %w", shared.ErrStoreUnavailable, err)
	}
	return s.finalize(decision, err)
}

func (s *Service) finalize(decision Decision, err error) (Decision, error) {
	if err != nil {
		return Decision{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(decision.Granted, string(decision.Reason))
	}
	return decision, nil
}

func (s *Service) runCrossing(ctx context.Context, vehicleID, areaID int64, direction Direction) (Decision, error) {
	now := s.clock.Now()
	var decision Decision
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := s.decide(ctx, tx, vehicleID, areaID, direction, now)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (s *Service) decide(ctx context.Context, tx TxRepository, vehicleID, areaID int64, direction Direction, now time.Time) (Decision, error) {
	vehicle, err := tx.GetVehicle(ctx, vehicleID)
	if err != nil {
		return Decision{}, err
	}
	area, err := tx.GetArea(ctx, areaID)
	if err != nil {
		return Decision{}, err
	}

	base := Decision{
		Direction:    direction,
		AreaID:       area.ID,
		AreaName:     area.Name,
		LicensePlate: vehicle.LicensePlate,
	}

	if direction == DirectionIn {
		if !vehicle.IsActive {
			return s.deny(ctx, tx, base, ReasonVehicleInactive, vehicle, area, now)
		}
		if !area.IsActive {
			return s.deny(ctx, tx, base, ReasonAreaInactive, vehicle, area, now)
		}
		access, err := tx.FindAccess(ctx, vehicle.ID, area.ID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return Decision{}, fmt.Errorf("%w: find access: %w", shared.ErrStoreUnavailable, err)
		}
		if access == nil || !access.ValidOn(now) {
			return s.deny(ctx, tx, base, ReasonNoAccess, vehicle, area, now)
		}
		applied, err := tx.IncrementArea(ctx, area.ID)
		if err != nil {
			return Decision{}, err
		}
		if !applied {
			return s.deny(ctx, tx, base, ReasonParkingFull, vehicle, area, now)
		}
	} else {
		applied, err := tx.DecrementArea(ctx, area.ID)
		if err != nil {
			return Decision{}, err
		}
		if !applied && s.logger != nil {
			s.logger.Warn("parking decrement clamped at zero", slog.Int64("area_id", area.ID))
		}
	}

	entry := LogEntry{
		VehicleID:    vehicle.ID,
		LicensePlate: vehicle.LicensePlate,
		AreaID:       area.ID,
		OccurredAt:   now,
		Direction:    direction,
		Status:       StatusGranted,
	}
	if _, err := tx.InsertLogEntry(ctx, entry); err != nil {
		return Decision{}, err
	}

	base.Granted = true
	base.Message = "Access granted"
	return base, nil
}

// deny writes the denial entry inside the open transaction. The counter
// has not moved yet, so committing is safe and keeps one entry per
// terminal decision.
func (s *Service) deny(ctx context.Context, tx TxRepository, base Decision, reason Reason, vehicle *Vehicle, area *Area, now time.Time) (Decision, error) {
	entry := LogEntry{
		VehicleID:    vehicle.ID,
		LicensePlate: vehicle.LicensePlate,
		AreaID:       area.ID,
		OccurredAt:   now,
		Direction:    base.Direction,
		Status:       StatusDenied,
		Reason:       reason,
	}
	if _, err := tx.InsertLogEntry(ctx, entry); err != nil {
		return Decision{}, err
	}
	base.Granted = false
	base.Reason = reason
	base.Message = reason.Message()
	return base, nil
}

func (s *Service) denyAfterConflict(ctx context.Context, vehicleID, areaID int64) (Decision, error) {
	if s.logger != nil {
		s.logger.Warn("parking entry denied after repeated transaction conflict",
			slog.Int64("area_id", areaID))
	}
	now := s.clock.Now()
	var decision Decision
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry := LogEntry{
			VehicleID:  vehicleID,
			AreaID:     areaID,
			OccurredAt: now,
			Direction:  DirectionIn,
			Status:     StatusDenied,
			Reason:     ReasonParkingFull,
		}
		if _, err := tx.InsertLogEntry(ctx, entry); err != nil {
			return err
		}
		decision = Decision{
			Granted:   false,
			Reason:    ReasonParkingFull,
			Message:   ReasonParkingFull.Message(),
			Direction: DirectionIn,
			AreaID:    areaID,
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// CheckAccess reports whether the vehicle may enter the area right now.
// Pure lookup: no counters move and nothing is logged.
func (s *Service) CheckAccess(ctx context.Context, vehicleID, areaID int64) (bool, error) {
	if _, err := s.repo.GetVehicle(ctx, vehicleID); err != nil {
		return false, err
	}
	if _, err := s.repo.GetArea(ctx, areaID); err != nil {
		return false, err
	}
	access, err := s.repo.FindAccess(ctx, vehicleID, areaID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: find access: %w", shared.ErrStoreUnavailable, err)
	}
	return access.ValidOn(s.clock.Now()), nil
}

// CreateArea validates and inserts a parking area.
func (s *Service) CreateArea(ctx context.Context, area Area) (Area, error) {
	if strings.TrimSpace(area.Name) == "" {
		return Area{}, fmt.Errorf("%w: area name required", ErrInvalidRequest)
	}
	if area.MaxCapacity <= 0 {
		return Area{}, fmt.Errorf("%w: area capacity must be positive", ErrInvalidRequest)
	}
	return s.repo.CreateArea(ctx, area)
}

// ListAreas returns parking areas; activeOnly hides disabled lots.
func (s *Service) ListAreas(ctx context.Context, activeOnly bool) ([]Area, error) {
	return s.repo.ListAreas(ctx, activeOnly)
}

// AreaStatus returns one area with its occupancy fields current.
func (s *Service) AreaStatus(ctx context.Context, id int64) (*Area, error) {
	return s.repo.GetArea(ctx, id)
}

// RegisterVehicle validates and inserts a vehicle for its owner.
func (s *Service) RegisterVehicle(ctx context.Context, vehicle Vehicle) (Vehicle, error) {
	vehicle.LicensePlate = strings.ToUpper(strings.TrimSpace(vehicle.LicensePlate))
	if vehicle.LicensePlate == "" {
		return Vehicle{}, fmt.Errorf("%w: license plate required", ErrInvalidRequest)
	}
	if vehicle.UserID <= 0 {
		return Vehicle{}, fmt.Errorf("%w: owner required", ErrInvalidRequest)
	}
	return s.repo.CreateVehicle(ctx, vehicle)
}

// ListVehicles returns vehicles matching the filter.
func (s *Service) ListVehicles(ctx context.Context, filter VehicleFilter) ([]Vehicle, error) {
	return s.repo.ListVehicles(ctx, filter)
}

// GrantAccess creates or refreshes the (vehicle, area) access window.
func (s *Service) GrantAccess(ctx context.Context, access Access) (Access, error) {
	if access.VehicleID <= 0 || access.AreaID <= 0 {
		return Access{}, fmt.Errorf("%w: vehicle and area required", ErrInvalidRequest)
	}
	if access.ValidFrom.IsZero() {
		access.ValidFrom = dateOnly(s.clock.Now())
	}
	if access.ValidTo != nil && access.ValidTo.Before(access.ValidFrom) {
		return Access{}, fmt.Errorf("%w: valid_to precedes valid_from", ErrInvalidRequest)
	}
	if _, err := s.repo.GetVehicle(ctx, access.VehicleID); err != nil {
		return Access{}, err
	}
	if _, err := s.repo.GetArea(ctx, access.AreaID); err != nil {
		return Access{}, err
	}
	return s.repo.UpsertAccess(ctx, access)
}

// VehicleAccesses lists every access held by a vehicle.
func (s *Service) VehicleAccesses(ctx context.Context, vehicleID int64) ([]Access, error) {
	return s.repo.AccessesForVehicle(ctx, vehicleID)
}

// RecentLogs returns parking log entries, newest first.
func (s *Service) RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	return s.repo.RecentLogs(ctx, filter)
}

// Stats aggregates occupancy across active areas for the dashboard.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	areas, err := s.repo.ListAreas(ctx, true)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Areas: make([]AreaStats, 0, len(areas))}
	for _, area := range areas {
		stats.TotalCapacity += area.MaxCapacity
		stats.CurrentOccupancy += area.CurrentCount
		stats.Areas = append(stats.Areas, AreaStats{
			ID:        area.ID,
			Name:      area.Name,
			Capacity:  area.MaxCapacity,
			Occupied:  area.CurrentCount,
			Available: area.Available(),
		})
	}
	stats.AvailableSpots = stats.TotalCapacity - stats.CurrentOccupancy
	if stats.AvailableSpots < 0 {
		stats.AvailableSpots = 0
	}
	return stats, nil
}
