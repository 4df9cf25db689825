package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
)

// ErrInvalidAttempt reports a malformed access attempt request.
var ErrInvalidAttempt = errors.New("access: invalid attempt")

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	PermissionLookup
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error)

	GetPoint(ctx context.Context, id int64) (*AccessPoint, error)
	CreatePoint(ctx context.Context, point AccessPoint) (AccessPoint, error)
	ListPoints(ctx context.Context) ([]AccessPoint, error)
	SetPointActive(ctx context.Context, id int64, active bool) (AccessPoint, error)

	GetZone(ctx context.Context, id int64) (*AccessZone, error)
	CreateZone(ctx context.Context, zone AccessZone) (AccessZone, error)
	ListZones(ctx context.Context) ([]AccessZone, error)

	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)
	PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error)

	RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
}

// TxRepository exposes the operations available inside one decision
// transaction. Counter mutations, state transitions and the granted log
// entry commit or roll back together.
type TxRepository interface {
	TxCounters
	GetPoint(ctx context.Context, id int64) (*AccessPoint, error)
	ZonesForPoint(ctx context.Context, pointID int64) ([]AccessZone, error)
	PermissionsForUserZones(ctx context.Context, userID int64, zoneIDs []int64) ([]Permission, error)
	FindGrantByToken(ctx context.Context, token string) (*VisitorGrant, error)
	MarkVisitorEntered(ctx context.Context, grantID, visitorID int64, at time.Time) error
	MarkVisitorExited(ctx context.Context, visitorID int64, at time.Time) error
	InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error)
}

// VisitorGrant is the decision-path view of a visitor access token.
type VisitorGrant struct {
	GrantID     int64
	VisitorID   int64
	VisitorName string
	Status      string
	ZoneIDs     []int64
	ValidFrom   time.Time
	ValidTo     time.Time
	Used        bool
}

// Visitor states the decision path needs to recognize.
const (
	visitorStatusApproved = "approved"
	visitorStatusInside   = "inside"
	visitorStatusOutside  = "outside"
)

// IdentityPort resolves credentials to subjects.
type IdentityPort interface {
	ResolveCard(ctx context.Context, cardID string) (identity.Subject, *identity.Card, error)
	ResolveUser(ctx context.Context, userID int64) (identity.Subject, error)
}

// DecisionRecorder counts finalized decisions for observability.
type DecisionRecorder interface {
	RecordDecision(granted bool, reason string)
}

// SnapshotInvalidator drops cached occupancy snapshots after a crossing
// changes the building counters.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// EnforceExitPermission applies the permission check to exits.
	// Exits are never denied for capacity reasons either way.
	EnforceExitPermission bool
}

// Service is the access decision orchestrator. Each attempt runs as one
// atomic unit of work: credential resolution, permission evaluation,
// capacity-checked counter mutation and exactly one audit entry per
// terminal decision.
type Service struct {
	repo      RepositoryPort
	identity  IdentityPort
	ledger    *Ledger
	evaluator *Evaluator
	clock     shared.Clock
	logger    *slog.Logger
	metrics   DecisionRecorder
	snapshots SnapshotInvalidator
	cfg       ServiceConfig
}

// NewService builds the orchestrator.
func NewService(repo RepositoryPort, idport IdentityPort, ledger *Ledger, clock shared.Clock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{
		repo:      repo,
		identity:  idport,
		ledger:    ledger,
		evaluator: NewEvaluator(repo),
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// WithMetrics attaches a decision recorder.
func (s *Service) WithMetrics(metrics DecisionRecorder) *Service {
	s.metrics = metrics
	return s
}

// WithSnapshotInvalidator attaches the occupancy cache invalidator.
func (s *Service) WithSnapshotInvalidator(inv SnapshotInvalidator) *Service {
	s.snapshots = inv
	return s
}

// AttemptRequest describes one crossing attempt. Exactly one credential
// (card id or QR token) must be set.
type AttemptRequest struct {
	CardID    string
	QRToken   string
	PointID   int64
	Direction Direction
}

func (r AttemptRequest) validate() error {
	if (r.CardID == "") == (r.QRToken == "") {
		return fmt.Errorf("%w: exactly one of card id or qr token required", ErrInvalidAttempt)
	}
	if r.Direction != DirectionIn && r.Direction != DirectionOut {
		return fmt.Errorf("%w: direction must be in or out", ErrInvalidAttempt)
	}
	if r.PointID <= 0 {
		return fmt.Errorf("%w: access point required", ErrInvalidAttempt)
	}
	return nil
}

// deniedError aborts the decision transaction so partially applied
// counter increments roll back, while carrying the denial outward so it
// can still be logged and returned as a normal decision.
type deniedError struct {
	decision Decision
	entry    LogEntry
}

func (e *deniedError) Error() string {
	return "access: denied " + string(e.decision.Reason)
}

// AttemptAccess runs the decision state machine for one crossing.
// A transient transaction conflict is retried once; losing the race a
// second time on an entry denies capacity_exceeded rather than risking a
// double admit. Store failures surface as errors, never as grants.
func (s *Service) AttemptAccess(ctx context.Context, req AttemptRequest) (Decision, error) {
	if err := req.validate(); err != nil {
		return Decision{}, err
	}

	decision, err := s.runAttempt(ctx, req)
	if err != nil && db.IsSerializationFailure(err) {
		decision, err = s.runAttempt(ctx, req)
	}
	if err != nil && db.IsSerializationFailure(err) && req.Direction == DirectionIn {
		decision, err = s.denyAfterConflict(ctx, req)
	}
	if err != nil {
		// A conflict that survives the retry is a store failure, not a
		// decision.
		if db.IsSerializationFailure(err) {
			return Decision{}, fmt.Errorf("%w: transaction conflict: %w", shared.ErrStoreUnavailable, err)
		}
		return Decision{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(decision.Granted, string(decision.Reason))
	}
	if s.snapshots != nil && decision.Granted {
		s.snapshots.Invalidate(ctx)
	}
	return decision, nil
}

func (s *Service) runAttempt(ctx context.Context, req AttemptRequest) (Decision, error) {
	now := s.clock.Now()
	var decision Decision
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := s.decide(ctx, tx, req, now)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil {
		var denied *deniedError
		if errors.As(err, &denied) {
			// The transaction rolled back; persist the denial entry on
			// its own so the audit trail still records the attempt.
			if _, logErr := s.repo.InsertLogEntry(ctx, denied.entry); logErr != nil {
				return Decision{}, logErr
			}
			return denied.decision, nil
		}
		return Decision{}, err
	}
	return decision, nil
}

func (s *Service) decide(ctx context.Context, tx TxRepository, req AttemptRequest, now time.Time) (Decision, error) {
	point, err := tx.GetPoint(ctx, req.PointID)
	if err != nil {
		return Decision{}, err
	}

	base := Decision{Direction: req.Direction, PointID: point.ID, PointName: point.Name}
	if !point.IsActive {
		return Decision{}, s.deny(base, ReasonPointUnauthorized, nil, credentialID(req), point.ID, now)
	}

	if req.CardID != "" {
		return s.decideCard(ctx, tx, point, base, req, now)
	}
	return s.decideQR(ctx, tx, point, base, req, now)
}

func (s *Service) decideCard(ctx context.Context, tx TxRepository, point *AccessPoint, base Decision, req AttemptRequest, now time.Time) (Decision, error) {
	subject, _, err := s.identity.ResolveCard(ctx, req.CardID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrCardNotFound), errors.Is(err, identity.ErrCardUnbound):
			return Decision{}, s.deny(base, ReasonUnknownCard, nil, req.CardID, point.ID, now)
		case errors.Is(err, identity.ErrCardInactive):
			return Decision{}, s.deny(base, ReasonCardInactive, nil, req.CardID, point.ID, now)
		default:
			return Decision{}, fmt.Errorf("%w: resolve card: %w", shared.ErrStoreUnavailable, err)
		}
	}
	base.Subject = subject.FullName
	userID := subject.UserID

	zones, err := tx.ZonesForPoint(ctx, point.ID)
	if err != nil {
		return Decision{}, err
	}

	checkPermission := req.Direction == DirectionIn || s.cfg.EnforceExitPermission
	if checkPermission {
		allowed, reason, err := s.evaluateZones(ctx, tx, userID, zones, now)
		if err != nil {
			return Decision{}, err
		}
		if allowed == nil {
			return Decision{}, s.deny(base, reason, &userID, req.CardID, point.ID, now)
		}
		base.ZoneID = allowed.ID
		base.ZoneName = allowed.Name
	} else if len(zones) > 0 {
		base.ZoneID = zones[0].ID
		base.ZoneName = zones[0].Name
	}

	if err := s.applyCrossing(ctx, tx, base, req.Direction, point, zones, ClassResident, now, &userID, req.CardID); err != nil {
		return Decision{}, err
	}

	entry := LogEntry{
		UserID:        &userID,
		CardID:        req.CardID,
		AccessPointID: point.ID,
		OccurredAt:    now,
		Status:        StatusGranted,
		Detail:        "Access granted",
		Direction:     req.Direction,
	}
	if _, err := tx.InsertLogEntry(ctx, entry); err != nil {
		return Decision{}, err
	}

	base.Granted = true
	base.Message = "Access granted"
	return base, nil
}

// evaluateZones checks the user's permission against every zone the
// point belongs to; any allowing zone grants the crossing. When all
// deny, a window-specific reason wins over a bare no_permission.
func (s *Service) evaluateZones(ctx context.Context, tx TxRepository, userID int64, zones []AccessZone, now time.Time) (*AccessZone, Reason, error) {
	if len(zones) == 0 {
		return nil, ReasonNoPermission, nil
	}
	zoneIDs := make([]int64, 0, len(zones))
	for _, zone := range zones {
		zoneIDs = append(zoneIDs, zone.ID)
	}
	perms, err := tx.PermissionsForUserZones(ctx, userID, zoneIDs)
	if err != nil {
		return nil, "", fmt.Errorf("%w: load permissions: %w", shared.ErrStoreUnavailable, err)
	}
	byZone := make(map[int64]*Permission, len(perms))
	for i := range perms {
		byZone[perms[i].ZoneID] = &perms[i]
	}

	reason := ReasonNoPermission
	for i := range zones {
		perm, ok := byZone[zones[i].ID]
		if !ok {
			continue
		}
		allowed, denyReason := evaluatePermission(perm, now)
		if allowed {
			return &zones[i], "", nil
		}
		if reason == ReasonNoPermission && denyReason != ReasonNoPermission {
			reason = denyReason
		}
	}
	return nil, reason, nil
}

func (s *Service) decideQR(ctx context.Context, tx TxRepository, point *AccessPoint, base Decision, req AttemptRequest, now time.Time) (Decision, error) {
	grant, err := tx.FindGrantByToken(ctx, req.QRToken)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Decision{}, s.deny(base, ReasonQRInvalid, nil, req.QRToken, point.ID, now)
		}
		return Decision{}, fmt.Errorf("%w: find grant: %w", shared.ErrStoreUnavailable, err)
	}
	base.Subject = grant.VisitorName

	if now.Before(grant.ValidFrom) || now.After(grant.ValidTo) {
		return Decision{}, s.deny(base, ReasonQRExpired, nil, req.QRToken, point.ID, now)
	}

	zones, err := tx.ZonesForPoint(ctx, point.ID)
	if err != nil {
		return Decision{}, err
	}

	if req.Direction == DirectionIn {
		// Inside blocks re-entry until a checkout; any other state but
		// approved/outside is not admissible.
		if grant.Status != visitorStatusApproved && grant.Status != visitorStatusOutside {
			return Decision{}, s.deny(base, ReasonVisitorNotApproved, nil, req.QRToken, point.ID, now)
		}
		matched := matchZone(zones, grant.ZoneIDs)
		if matched == nil {
			return Decision{}, s.deny(base, ReasonPointUnauthorized, nil, req.QRToken, point.ID, now)
		}
		base.ZoneID = matched.ID
		base.ZoneName = matched.Name

		if err := s.applyCrossing(ctx, tx, base, DirectionIn, point, zones, ClassVisitor, now, nil, req.QRToken); err != nil {
			return Decision{}, err
		}
		if err := tx.MarkVisitorEntered(ctx, grant.GrantID, grant.VisitorID, now); err != nil {
			return Decision{}, err
		}
	} else {
		if grant.Status != visitorStatusInside {
			return Decision{}, s.deny(base, ReasonQRInvalid, nil, req.QRToken, point.ID, now)
		}
		if len(zones) > 0 {
			base.ZoneID = zones[0].ID
			base.ZoneName = zones[0].Name
		}
		if err := s.applyCrossing(ctx, tx, base, DirectionOut, point, zones, ClassVisitor, now, nil, req.QRToken); err != nil {
			return Decision{}, err
		}
		if err := tx.MarkVisitorExited(ctx, grant.VisitorID, now); err != nil {
			return Decision{}, err
		}
	}

	entry := LogEntry{
		CardID:        req.QRToken,
		AccessPointID: point.ID,
		OccurredAt:    now,
		Status:        StatusGranted,
		Detail:        "Visitor access granted",
		Direction:     req.Direction,
	}
	if _, err := tx.InsertLogEntry(ctx, entry); err != nil {
		return Decision{}, err
	}

	base.Granted = true
	base.Message = "Access granted"
	return base, nil
}

// applyCrossing mutates every counter scope the crossing touches: the
// point, each zone containing it, and the building counter for the
// occupant class. Entries are capacity checked; exits only decrement and
// are never blocked by capacity.
func (s *Service) applyCrossing(ctx context.Context, tx TxRepository, base Decision, direction Direction, point *AccessPoint, zones []AccessZone, class OccupantClass, now time.Time, userID *int64, credential string) error {
	scopes := make([]Scope, 0, len(zones)+2)
	scopes = append(scopes, PointScope(point.ID))
	for _, zone := range zones {
		scopes = append(scopes, ZoneScope(zone.ID))
	}
	scopes = append(scopes, BuildingScope(class))

	for _, scope := range scopes {
		if direction == DirectionIn {
			if err := s.ledger.TryIncrement(ctx, tx, scope); err != nil {
				if errors.Is(err, ErrCapacityExceeded) {
					return s.deny(base, ReasonCapacityExceeded, userID, credential, point.ID, now)
				}
				return err
			}
		} else {
			if err := s.ledger.Decrement(ctx, tx, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) deny(base Decision, reason Reason, userID *int64, credential string, pointID int64, now time.Time) error {
	base.Granted = false
	base.Reason = reason
	base.Message = reason.Message()
	return &deniedError{
		decision: base,
		entry: LogEntry{
			UserID:        userID,
			CardID:        credential,
			AccessPointID: pointID,
			OccurredAt:    now,
			Status:        StatusDenied,
			Reason:        reason,
			Detail:        reason.Message(),
			Direction:     base.Direction,
		},
	}
}

// denyAfterConflict finalizes an entry attempt that lost the same
// transaction race twice. Denying is the fail-safe outcome: a retry loop
// could double admit under contention.
func (s *Service) denyAfterConflict(ctx context.Context, req AttemptRequest) (Decision, error) {
	now := s.clock.Now()
	if s.logger != nil {
		s.logger.Warn("attempt denied after repeated transaction conflict",
			slog.Int64("point_id", req.PointID))
	}
	entry := LogEntry{
		CardID:        credentialID(req),
		AccessPointID: req.PointID,
		OccurredAt:    now,
		Status:        StatusDenied,
		Reason:        ReasonCapacityExceeded,
		Detail:        ReasonCapacityExceeded.Message(),
		Direction:     req.Direction,
	}
	if _, err := s.repo.InsertLogEntry(ctx, entry); err != nil {
		return Decision{}, err
	}
	return Decision{
		Granted:   false,
		Reason:    ReasonCapacityExceeded,
		Message:   ReasonCapacityExceeded.Message(),
		Direction: req.Direction,
		PointID:   req.PointID,
	}, nil
}

func credentialID(req AttemptRequest) string {
	if req.CardID != "" {
		return req.CardID
	}
	return req.QRToken
}

func matchZone(zones []AccessZone, allowedZoneIDs []int64) *AccessZone {
	allowed := make(map[int64]struct{}, len(allowedZoneIDs))
	for _, id := range allowedZoneIDs {
		allowed[id] = struct{}{}
	}
	for i := range zones {
		if _, ok := allowed[zones[i].ID]; ok {
			return &zones[i]
		}
	}
	return nil
}

// CheckPermission reports whether the user may access the zone right
// now. Pure lookup: no counters move and nothing is logged.
func (s *Service) CheckPermission(ctx context.Context, userID, zoneID int64) (bool, error) {
	if _, err := s.identity.ResolveUser(ctx, userID); err != nil {
		return false, err
	}
	if _, err := s.repo.GetZone(ctx, zoneID); err != nil {
		return false, err
	}
	allowed, _, err := s.evaluator.Evaluate(ctx, userID, zoneID, s.clock.Now())
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Remote control actions.
const (
	RemoteActionLock   = "lock"
	RemoteActionUnlock = "unlock"
)

// RemoteControl records an administrative lock/unlock command. It is not
// a physical crossing: the permission evaluator and the occupancy ledger
// are bypassed, but the action is still audited with direction none.
func (s *Service) RemoteControl(ctx context.Context, actor identity.Subject, pointID int64, action string) (LogEntry, error) {
	if action != RemoteActionLock && action != RemoteActionUnlock {
		return LogEntry{}, fmt.Errorf("%w: action must be lock or unlock", ErrInvalidAttempt)
	}
	point, err := s.repo.GetPoint(ctx, pointID)
	if err != nil {
		return LogEntry{}, err
	}
	entry := LogEntry{
		UserID:        &actor.UserID,
		AccessPointID: point.ID,
		OccurredAt:    s.clock.Now(),
		Status:        StatusGranted,
		Detail:        "Remote control: " + action,
		Direction:     DirectionNone,
	}
	return s.repo.InsertLogEntry(ctx, entry)
}

// CreatePoint registers a new access point.
func (s *Service) CreatePoint(ctx context.Context, point AccessPoint) (AccessPoint, error) {
	if point.Name == "" {
		return AccessPoint{}, errors.New("access: point name required")
	}
	if point.MaxCapacity < 0 {
		return AccessPoint{}, errors.New("access: point capacity must not be negative")
	}
	point.IsActive = true
	return s.repo.CreatePoint(ctx, point)
}

// ListPoints returns all access points.
func (s *Service) ListPoints(ctx context.Context) ([]AccessPoint, error) {
	return s.repo.ListPoints(ctx)
}

// PointStatus returns the live state of an access point.
func (s *Service) PointStatus(ctx context.Context, id int64) (*AccessPoint, error) {
	return s.repo.GetPoint(ctx, id)
}

// SetPointActive toggles an access point.
func (s *Service) SetPointActive(ctx context.Context, id int64, active bool) (AccessPoint, error) {
	return s.repo.SetPointActive(ctx, id, active)
}

// CreateZone registers a new zone with its member points.
func (s *Service) CreateZone(ctx context.Context, zone AccessZone) (AccessZone, error) {
	if zone.Name == "" {
		return AccessZone{}, errors.New("access: zone name required")
	}
	if zone.MaxCapacity < 0 {
		return AccessZone{}, errors.New("access: zone capacity must not be negative")
	}
	return s.repo.CreateZone(ctx, zone)
}

// ListZones returns all zones.
func (s *Service) ListZones(ctx context.Context) ([]AccessZone, error) {
	return s.repo.ListZones(ctx)
}

// ZoneStatus returns the live state of a zone.
func (s *Service) ZoneStatus(ctx context.Context, id int64) (*AccessZone, error) {
	return s.repo.GetZone(ctx, id)
}

// GrantPermission creates or updates the unique permission for the
// (user, zone) pair. Re-granting updates in place rather than
// duplicating.
func (s *Service) GrantPermission(ctx context.Context, perm Permission) (Permission, error) {
	if perm.UserID <= 0 || perm.ZoneID <= 0 {
		return Permission{}, errors.New("access: user and zone required")
	}
	if perm.TimeFrom > perm.TimeTo {
		return Permission{}, errors.New("access: time_from must not be after time_to")
	}
	if perm.ValidTo != nil && perm.ValidTo.Before(perm.ValidFrom) {
		return Permission{}, errors.New("access: valid_to must not precede valid_from")
	}
	if _, err := s.identity.ResolveUser(ctx, perm.UserID); err != nil {
		return Permission{}, err
	}
	if _, err := s.repo.GetZone(ctx, perm.ZoneID); err != nil {
		return Permission{}, err
	}
	perm.IsActive = true
	return s.repo.UpsertPermission(ctx, perm)
}

// PermissionsForUser lists the user's permissions.
func (s *Service) PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error) {
	return s.repo.PermissionsForUser(ctx, userID)
}

// LogFilter narrows access log queries.
type LogFilter struct {
	Limit         int
	AccessPointID int64
	UserID        int64
}

// RecentLogs returns log entries ordered by occurred_at descending.
func (s *Service) RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 10
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	return s.repo.RecentLogs(ctx, filter)
}
