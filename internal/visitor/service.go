package visitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veriaccess/veriaccess/internal/shared"
)

// Sentinel errors for lifecycle violations.
var (
	ErrVisitorInside  = errors.New("visitor: visitor is currently inside")
	ErrNotApproved    = errors.New("visitor: visitor is not approved")
	ErrNotPending     = errors.New("visitor: decision already made")
	ErrInvalidWindow  = errors.New("visitor: valid_to must be after valid_from")
	ErrMissingDetails = errors.New("visitor: name and host are required")
)

// Service owns the visitor lifecycle outside of crossings: registration,
// approval decisions, grant issuance and manual checkout. Entry and exit
// transitions through a gate belong to the access decision flow.
type Service struct {
	repo   Repository
	clock  shared.Clock
	logger *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, clock shared.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, clock: clock, logger: logger}
}

// CreateInput carries the registration details for a new visitor.
type CreateInput struct {
	FullName   string
	DocumentID string
	Phone      string
	HostUserID int64
	Purpose    string
}

// Create registers a visitor in pending state awaiting approval.
func (s *Service) Create(ctx context.Context, in CreateInput) (Visitor, error) {
	if in.FullName == "" || in.HostUserID <= 0 {
		return Visitor{}, ErrMissingDetails
	}
	return s.repo.Create(ctx, Visitor{
		FullName:   in.FullName,
		DocumentID: in.DocumentID,
		Phone:      in.Phone,
		HostUserID: in.HostUserID,
		Purpose:    in.Purpose,
		Status:     StatusPending,
	})
}

// Get fetches one visitor.
func (s *Service) Get(ctx context.Context, id int64) (*Visitor, error) {
	return s.repo.Get(ctx, id)
}

// List returns visitors matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Visitor, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("visitor: unknown status %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Approve transitions a pending visitor to approved.
func (s *Service) Approve(ctx context.Context, id int64) (Visitor, error) {
	return s.decide(ctx, id, StatusApproved)
}

// Deny transitions a pending visitor to denied.
func (s *Service) Deny(ctx context.Context, id int64) (Visitor, error) {
	return s.decide(ctx, id, StatusDenied)
}

func (s *Service) decide(ctx context.Context, id int64, to Status) (Visitor, error) {
	v, err := s.repo.SetStatus(ctx, id, StatusPending, to)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Either the visitor does not exist or it already left
			// pending; disambiguate for the caller.
			if _, getErr := s.repo.Get(ctx, id); getErr == nil {
				return Visitor{}, ErrNotPending
			}
			return Visitor{}, shared.ErrNotFound
		}
		return Visitor{}, err
	}
	return v, nil
}

// Delete removes a visitor. A visitor currently inside must check out
// first so the occupancy counters stay consistent.
func (s *Service) Delete(ctx context.Context, id int64) error {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if v.Status == StatusInside {
		return ErrVisitorInside
	}
	return s.repo.Delete(ctx, id)
}

// GrantInput describes the validity window and zones for a new grant.
type GrantInput struct {
	ValidFrom time.Time
	ValidTo   time.Time
	ZoneIDs   []int64
}

// IssuedGrant pairs a stored grant with its encoded QR payload.
type IssuedGrant struct {
	AccessGrant
	QRPayload string `json:"qr_payload"`
}

// IssueGrant mints a fresh QR credential for an approved visitor. Each
// grant carries a new random token; tokens are never reissued.
func (s *Service) IssueGrant(ctx context.Context, visitorID int64, in GrantInput) (IssuedGrant, error) {
	if !in.ValidTo.After(in.ValidFrom) {
		return IssuedGrant{}, ErrInvalidWindow
	}
	v, err := s.repo.Get(ctx, visitorID)
	if err != nil {
		return IssuedGrant{}, err
	}
	if v.Status != StatusApproved && v.Status != StatusOutside {
		return IssuedGrant{}, ErrNotApproved
	}

	grant, err := s.repo.CreateGrant(ctx, AccessGrant{
		VisitorID: visitorID,
		QRCode:    uuid.NewString(),
		ValidFrom: in.ValidFrom,
		ValidTo:   in.ValidTo,
		ZoneIDs:   in.ZoneIDs,
	})
	if err != nil {
		return IssuedGrant{}, err
	}

	payload, err := EncodeQR(grant)
	if err != nil {
		return IssuedGrant{}, err
	}
	if s.logger != nil {
		s.logger.Info("visitor grant issued",
			slog.Int64("visitor_id", visitorID),
			slog.Time("valid_to", grant.ValidTo))
	}
	return IssuedGrant{AccessGrant: grant, QRPayload: payload}, nil
}

// Grants lists a visitor's issued grants.
func (s *Service) Grants(ctx context.Context, visitorID int64) ([]AccessGrant, error) {
	if _, err := s.repo.Get(ctx, visitorID); err != nil {
		return nil, err
	}
	return s.repo.GrantsForVisitor(ctx, visitorID)
}

// Checkout manually flips an inside visitor to outside, releasing their
// occupancy slot. Used by reception when a visitor leaves without
// scanning out.
func (s *Service) Checkout(ctx context.Context, id int64) (Visitor, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Visitor{}, err
	}
	if v.Status != StatusInside {
		return Visitor{}, fmt.Errorf("visitor: %s is not inside", v.FullName)
	}
	return s.repo.Checkout(ctx, id, s.clock.Now())
}

// AutoCheckout checks out every inside visitor whose grants have all
// lapsed. Returns the number of visitors checked out. Run periodically.
func (s *Service) AutoCheckout(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpiredInside(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	var done int
	for _, id := range ids {
		if _, err := s.repo.Checkout(ctx, id, s.clock.Now()); err != nil {
			if s.logger != nil {
				s.logger.Warn("auto checkout failed",
					slog.Int64("visitor_id", id), slog.Any("error", err))
			}
			continue
		}
		done++
	}
	if done > 0 && s.logger != nil {
		s.logger.Info("visitors auto checked out", slog.Int("count", done))
	}
	return done, nil
}
