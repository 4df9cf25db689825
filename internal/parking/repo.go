package parking

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	CreateArea(ctx context.Context, area Area) (Area, error)
	GetArea(ctx context.Context, id int64) (*Area, error)
	ListAreas(ctx context.Context, activeOnly bool) ([]Area, error)

	CreateVehicle(ctx context.Context, vehicle Vehicle) (Vehicle, error)
	GetVehicle(ctx context.Context, id int64) (*Vehicle, error)
	ListVehicles(ctx context.Context, filter VehicleFilter) ([]Vehicle, error)

	UpsertAccess(ctx context.Context, access Access) (Access, error)
	FindAccess(ctx context.Context, vehicleID, areaID int64) (*Access, error)
	AccessesForVehicle(ctx context.Context, vehicleID int64) ([]Access, error)

	RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
}

// TxRepository exposes the operations available inside one crossing
// transaction. The conditional counter mutation and the granted log
// entry commit or roll back together.
type TxRepository interface {
	GetArea(ctx context.Context, id int64) (*Area, error)
	GetVehicle(ctx context.Context, id int64) (*Vehicle, error)
	FindAccess(ctx context.Context, vehicleID, areaID int64) (*Access, error)
	IncrementArea(ctx context.Context, id int64) (applied bool, err error)
	DecrementArea(ctx context.Context, id int64) (applied bool, err error)
	InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error)
}

// VehicleFilter narrows a vehicle listing.
type VehicleFilter struct {
	UserID       int64
	LicensePlate string
}

// LogFilter narrows a parking log query.
type LogFilter struct {
	VehicleID int64
	AreaID    int64
	Limit     int
}

// PGRepository implements RepositoryPort using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn inside one RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const areaColumns = `id, name, description, max_capacity, current_count, is_active`

// CreateArea inserts a parking area.
func (r *PGRepository) CreateArea(ctx context.Context, area Area) (Area, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO parking_areas (name, description, max_capacity, current_count, is_active)
		 VALUES ($1, $2, $3, 0, TRUE)
		 RETURNING `+areaColumns,
		area.Name, area.Description, area.MaxCapacity)
	created, err := scanArea(row)
	if err != nil {
		return Area{}, err
	}
	return *created, nil
}

// GetArea fetches a parking area by id.
func (r *PGRepository) GetArea(ctx context.Context, id int64) (*Area, error) {
	return getArea(ctx, r.pool, id)
}

func getArea(ctx context.Context, q rowQuerier, id int64) (*Area, error) {
	row := q.QueryRow(ctx, `SELECT `+areaColumns+` FROM parking_areas WHERE id = $1`, id)
	return scanArea(row)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanArea(row pgx.Row) (*Area, error) {
	var a Area
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.MaxCapacity, &a.CurrentCount, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListAreas returns parking areas ordered by name.
func (r *PGRepository) ListAreas(ctx context.Context, activeOnly bool) ([]Area, error) {
	query := `SELECT ` + areaColumns + ` FROM parking_areas ORDER BY name`
	if activeOnly {
		query = `SELECT ` + areaColumns + ` FROM parking_areas WHERE is_active ORDER BY name`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var areas []Area
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, err
		}
		areas = append(areas, *a)
	}
	return areas, rows.Err()
}

const vehicleColumns = `id, user_id, license_plate, brand, model, color, is_active, created_at`

// CreateVehicle inserts a vehicle.
func (r *PGRepository) CreateVehicle(ctx context.Context, vehicle Vehicle) (Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO vehicles (user_id, license_plate, brand, model, color, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		 RETURNING `+vehicleColumns,
		vehicle.UserID, vehicle.LicensePlate, vehicle.Brand, vehicle.Model, vehicle.Color)
	created, err := scanVehicle(row)
	if err != nil {
		return Vehicle{}, err
	}
	return *created, nil
}

// GetVehicle fetches a vehicle by id.
func (r *PGRepository) GetVehicle(ctx context.Context, id int64) (*Vehicle, error) {
	return getVehicle(ctx, r.pool, id)
}

func getVehicle(ctx context.Context, q rowQuerier, id int64) (*Vehicle, error) {
	row := q.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id)
	return scanVehicle(row)
}

func scanVehicle(row pgx.Row) (*Vehicle, error) {
	var v Vehicle
	err := row.Scan(&v.ID, &v.UserID, &v.LicensePlate, &v.Brand, &v.Model, &v.Color, &v.IsActive, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVehicles returns vehicles matching the filter, newest first.
// Zero-valued filter fields match everything.
func (r *PGRepository) ListVehicles(ctx context.Context, filter VehicleFilter) ([]Vehicle, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles
		 WHERE ($1::bigint = 0 OR user_id = $1)
		   AND ($2::text = '' OR license_plate ILIKE '%' || $2 || '%')
		 ORDER BY created_at DESC`,
		filter.UserID, filter.LicensePlate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, rows.Err()
}

const accessColumns = `id, vehicle_id, area_id, valid_from, valid_to`

// UpsertAccess creates or refreshes the unique (vehicle, area) access.
func (r *PGRepository) UpsertAccess(ctx context.Context, access Access) (Access, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO parking_access (vehicle_id, area_id, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (vehicle_id, area_id)
		 DO UPDATE SET valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to
		 RETURNING `+accessColumns,
		access.VehicleID, access.AreaID, access.ValidFrom, access.ValidTo)
	created, err := scanAccess(row)
	if err != nil {
		return Access{}, err
	}
	return *created, nil
}

// FindAccess resolves the unique access for a (vehicle, area) pair.
func (r *PGRepository) FindAccess(ctx context.Context, vehicleID, areaID int64) (*Access, error) {
	return findAccess(ctx, r.pool, vehicleID, areaID)
}

func findAccess(ctx context.Context, q rowQuerier, vehicleID, areaID int64) (*Access, error) {
	row := q.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM parking_access WHERE vehicle_id = $1 AND area_id = $2`,
		vehicleID, areaID)
	return scanAccess(row)
}

func scanAccess(row pgx.Row) (*Access, error) {
	var a Access
	err := row.Scan(&a.ID, &a.VehicleID, &a.AreaID, &a.ValidFrom, &a.ValidTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// AccessesForVehicle returns every access held by a vehicle.
func (r *PGRepository) AccessesForVehicle(ctx context.Context, vehicleID int64) ([]Access, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accessColumns+` FROM parking_access WHERE vehicle_id = $1 ORDER BY valid_from DESC`,
		vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accesses []Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		accesses = append(accesses, *a)
	}
	return accesses, rows.Err()
}

// RecentLogs returns parking log entries, newest first.
func (r *PGRepository) RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	query := `SELECT l.id, l.vehicle_id, v.license_plate, l.area_id, l.occurred_at, l.direction, l.status, l.reason
		 FROM parking_logs l
		 JOIN vehicles v ON v.id = l.vehicle_id
		 WHERE ($1::bigint = 0 OR l.vehicle_id = $1)
		   AND ($2::bigint = 0 OR l.area_id = $2)
		 ORDER BY l.occurred_at DESC
		 LIMIT $3`
	rows, err := r.pool.Query(ctx, query, filter.VehicleID, filter.AreaID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.VehicleID, &e.LicensePlate, &e.AreaID, &e.OccurredAt, &e.Direction, &e.Status, &e.Reason); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// txRepo runs the crossing operations against one open transaction.
type txRepo struct {
	q pgx.Tx
}

func (t *txRepo) GetArea(ctx context.Context, id int64) (*Area, error) {
	return getArea(ctx, t.q, id)
}

func (t *txRepo) GetVehicle(ctx context.Context, id int64) (*Vehicle, error) {
	return getVehicle(ctx, t.q, id)
}

func (t *txRepo) FindAccess(ctx context.Context, vehicleID, areaID int64) (*Access, error) {
	return findAccess(ctx, t.q, vehicleID, areaID)
}

// IncrementArea is a single conditional UPDATE: the capacity check and
// the commit are atomic with respect to concurrent entries.
func (t *txRepo) IncrementArea(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE parking_areas
		 SET current_count = current_count + 1
		 WHERE id = $1 AND current_count < max_capacity`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementArea clamps at zero; applied=false reports the clamp.
func (t *txRepo) DecrementArea(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE parking_areas
		 SET current_count = current_count - 1
		 WHERE id = $1 AND current_count > 0`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error) {
	row := t.q.QueryRow(ctx,
		`INSERT INTO parking_logs (vehicle_id, area_id, occurred_at, direction, status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		entry.VehicleID, entry.AreaID, entry.OccurredAt, entry.Direction, entry.Status, entry.Reason)
	if err := row.Scan(&entry.ID); err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

var (
	_ RepositoryPort = (*PGRepository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
