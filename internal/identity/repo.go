package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriaccess/veriaccess/internal/shared"
)

// Repository defines persistence operations for the identity module.
type Repository interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	FindCard(ctx context.Context, cardID string) (*Card, error)
	CreateCard(ctx context.Context, cardID string, userID *int64, expiry *time.Time) (Card, error)
	AssignCard(ctx context.Context, id int64, userID int64) (Card, error)
	UnassignCard(ctx context.Context, id int64) (Card, error)
	SetCardActive(ctx context.Context, id int64, active bool) (Card, error)
	ListCards(ctx context.Context, limit int) ([]Card, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, full_name, password_hash, role, is_active, created_at`

// FindUserByEmail fetches a user by email.
func (r *PGRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// FindUserByID fetches a user by primary key.
func (r *PGRepository) FindUserByID(ctx context.Context, id int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	var role string
	err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &role, &user.IsActive, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	user.Role = Role(role)
	return &user, nil
}

const cardColumns = `id, card_id, user_id, is_active, issue_date, expiry_date`

// FindCard fetches a card by its external card identifier.
func (r *PGRepository) FindCard(ctx context.Context, cardID string) (*Card, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM access_cards WHERE card_id = $1`, cardID)
	card, err := scanCard(row)
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// CreateCard inserts a new card record.
func (r *PGRepository) CreateCard(ctx context.Context, cardID string, userID *int64, expiry *time.Time) (Card, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO access_cards (card_id, user_id, is_active, issue_date, expiry_date)
		 VALUES ($1, $2, TRUE, NOW(), $3)
		 RETURNING `+cardColumns, cardID, userID, expiry)
	return scanCard(row)
}

// AssignCard links a card to a user.
func (r *PGRepository) AssignCard(ctx context.Context, id int64, userID int64) (Card, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE access_cards SET user_id = $2 WHERE id = $1 RETURNING `+cardColumns, id, userID)
	return scanCard(row)
}

// UnassignCard clears the card's holder.
func (r *PGRepository) UnassignCard(ctx context.Context, id int64) (Card, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE access_cards SET user_id = NULL WHERE id = $1 RETURNING `+cardColumns, id)
	return scanCard(row)
}

// SetCardActive toggles the card's active flag.
func (r *PGRepository) SetCardActive(ctx context.Context, id int64, active bool) (Card, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE access_cards SET is_active = $2 WHERE id = $1 RETURNING `+cardColumns, id, active)
	return scanCard(row)
}

// ListCards returns cards ordered by issue date descending.
func (r *PGRepository) ListCards(ctx context.Context, limit int) ([]Card, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM access_cards ORDER BY issue_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func scanCard(row pgx.Row) (Card, error) {
	var card Card
	err := row.Scan(&card.ID, &card.CardID, &card.UserID, &card.IsActive, &card.IssueDate, &card.ExpiryDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, shared.ErrNotFound
		}
		return Card{}, err
	}
	return card, nil
}

var _ Repository = (*PGRepository)(nil)
