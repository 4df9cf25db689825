package identity

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/veriaccess/veriaccess/internal/shared"
)

// Sentinel errors surfaced during credential resolution. The access
// orchestrator maps them onto denial reason codes.
var (
	ErrCardNotFound = errors.New("identity: card not found")
	ErrCardInactive = errors.New("identity: card inactive or expired")
	ErrCardUnbound  = errors.New("identity: card not assigned to a user")
)

// Service wraps identity business rules.
type Service struct {
	repo  Repository
	clock shared.Clock
}

// NewService constructs a new Service.
func NewService(repo Repository, clock shared.Clock) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, clock: clock}
}

// Authenticate validates email/password credentials and resolves the
// subject's capability role once, at login time.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Subject, error) {
	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return Subject{}, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return Subject{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Subject{}, shared.ErrInvalidCredentials
	}
	return subjectOf(user), nil
}

// ResolveUser returns the subject for a known user ID.
func (s *Service) ResolveUser(ctx context.Context, userID int64) (Subject, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return Subject{}, err
	}
	return subjectOf(user), nil
}

// ResolveCard maps a physical card identifier to its holder. Fails closed:
// a missing, inactive, expired or unassigned card never yields a subject.
func (s *Service) ResolveCard(ctx context.Context, cardID string) (Subject, *Card, error) {
	card, err := s.repo.FindCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Subject{}, nil, ErrCardNotFound
		}
		return Subject{}, nil, err
	}
	if !card.IsActive || s.expired(card) {
		return Subject{}, card, ErrCardInactive
	}
	if card.UserID == nil {
		return Subject{}, card, ErrCardUnbound
	}
	subject, err := s.ResolveUser(ctx, *card.UserID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Subject{}, card, ErrCardUnbound
		}
		return Subject{}, card, err
	}
	return subject, card, nil
}

// CreateCard registers a new card, optionally pre-assigned.
func (s *Service) CreateCard(ctx context.Context, cardID string, userID *int64, expiry *time.Time) (Card, error) {
	if cardID == "" {
		return Card{}, errors.New("identity: card id required")
	}
	if userID != nil {
		if _, err := s.repo.FindUserByID(ctx, *userID); err != nil {
			return Card{}, err
		}
	}
	return s.repo.CreateCard(ctx, cardID, userID, expiry)
}

// AssignCard links a card to a user.
func (s *Service) AssignCard(ctx context.Context, id int64, userID int64) (Card, error) {
	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return Card{}, err
	}
	return s.repo.AssignCard(ctx, id, userID)
}

// UnassignCard clears the holder of a card.
func (s *Service) UnassignCard(ctx context.Context, id int64) (Card, error) {
	return s.repo.UnassignCard(ctx, id)
}

// SetCardActive toggles a card.
func (s *Service) SetCardActive(ctx context.Context, id int64, active bool) (Card, error) {
	return s.repo.SetCardActive(ctx, id, active)
}

// ListCards returns recently issued cards.
func (s *Service) ListCards(ctx context.Context, limit int) ([]Card, error) {
	return s.repo.ListCards(ctx, limit)
}

func (s *Service) expired(card *Card) bool {
	return card.ExpiryDate != nil && s.clock.Now().After(*card.ExpiryDate)
}

func subjectOf(user *User) Subject {
	return Subject{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     user.Role,
	}
}
