package occupancy

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriaccess/veriaccess/internal/shared"
)

// Repository defines persistence operations for the occupancy singleton.
type Repository interface {
	EnsureExists(ctx context.Context, maxCapacity int) error
	Get(ctx context.Context) (Building, error)
	SetResidents(ctx context.Context, n int) (Building, error)
	SetMaxCapacity(ctx context.Context, n int) (Building, error)
}

// PGRepository implements Repository using PostgreSQL. The singleton
// lives on row id = 1.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const buildingColumns = `residents_count, visitors_count, max_capacity, updated_at`

// EnsureExists seeds the singleton row if missing. Existing counters are
// left untouched so restarts do not reset occupancy.
func (r *PGRepository) EnsureExists(ctx context.Context, maxCapacity int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO building_occupancy (id, residents_count, visitors_count, max_capacity, updated_at)
		 VALUES (1, 0, 0, $1, NOW())
		 ON CONFLICT (id) DO NOTHING`, maxCapacity)
	return err
}

// Get reads the current counters.
func (r *PGRepository) Get(ctx context.Context) (Building, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+buildingColumns+` FROM building_occupancy WHERE id = 1`)
	return scanBuilding(row)
}

// SetResidents overwrites the resident counter with a manual correction.
func (r *PGRepository) SetResidents(ctx context.Context, n int) (Building, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE building_occupancy
		 SET residents_count = $1, updated_at = NOW()
		 WHERE id = 1
		 RETURNING `+buildingColumns, n)
	return scanBuilding(row)
}

// SetMaxCapacity adjusts the building's hard cap.
func (r *PGRepository) SetMaxCapacity(ctx context.Context, n int) (Building, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE building_occupancy
		 SET max_capacity = $1, updated_at = NOW()
		 WHERE id = 1
		 RETURNING `+buildingColumns, n)
	return scanBuilding(row)
}

func scanBuilding(row pgx.Row) (Building, error) {
	var b Building
	err := row.Scan(&b.ResidentsCount, &b.VisitorsCount, &b.MaxCapacity, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Building{}, shared.ErrNotFound
		}
		return Building{}, err
	}
	return b, nil
}

var _ Repository = (*PGRepository)(nil)
