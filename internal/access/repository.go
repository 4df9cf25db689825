package access

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
)

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

const pointColumns = `id, name, description, location, is_active, max_capacity, current_count, created_at`

// GetPoint fetches an access point by id.
func (r *PGRepository) GetPoint(ctx context.Context, id int64) (*AccessPoint, error) {
	return getPoint(ctx, r.pool, id)
}

func getPoint(ctx context.Context, q rowQuerier, id int64) (*AccessPoint, error) {
	row := q.QueryRow(ctx, `SELECT `+pointColumns+` FROM access_points WHERE id = $1`, id)
	return scanPoint(row)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPoint(row pgx.Row) (*AccessPoint, error) {
	var p AccessPoint
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Location, &p.IsActive, &p.MaxCapacity, &p.CurrentCount, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePoint inserts a new access point.
func (r *PGRepository) CreatePoint(ctx context.Context, point AccessPoint) (AccessPoint, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO access_points (name, description, location, is_active, max_capacity, current_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, NOW())
		 RETURNING `+pointColumns,
		point.Name, point.Description, point.Location, point.IsActive, point.MaxCapacity)
	created, err := scanPoint(row)
	if err != nil {
		return AccessPoint{}, err
	}
	return *created, nil
}

// ListPoints returns all access points ordered by name.
func (r *PGRepository) ListPoints(ctx context.Context) ([]AccessPoint, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+pointColumns+` FROM access_points ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []AccessPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// SetPointActive toggles an access point.
func (r *PGRepository) SetPointActive(ctx context.Context, id int64, active bool) (AccessPoint, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE access_points SET is_active = $2 WHERE id = $1 RETURNING `+pointColumns, id, active)
	p, err := scanPoint(row)
	if err != nil {
		return AccessPoint{}, err
	}
	return *p, nil
}

const zoneColumns = `id, name, description, max_capacity, current_count`

// GetZone fetches a zone with its member point ids.
func (r *PGRepository) GetZone(ctx context.Context, id int64) (*AccessZone, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+zoneColumns+` FROM access_zones WHERE id = $1`, id)
	zone, err := scanZone(row)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT access_point_id FROM access_zone_points WHERE zone_id = $1 ORDER BY access_point_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pointID int64
		if err := rows.Scan(&pointID); err != nil {
			return nil, err
		}
		zone.PointIDs = append(zone.PointIDs, pointID)
	}
	return zone, rows.Err()
}

func scanZone(row pgx.Row) (*AccessZone, error) {
	var z AccessZone
	err := row.Scan(&z.ID, &z.Name, &z.Description, &z.MaxCapacity, &z.CurrentCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &z, nil
}

// CreateZone inserts a zone and its point memberships.
func (r *PGRepository) CreateZone(ctx context.Context, zone AccessZone) (AccessZone, error) {
	var created AccessZone
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO access_zones (name, description, max_capacity, current_count)
			 VALUES ($1, $2, $3, 0)
			 RETURNING `+zoneColumns,
			zone.Name, zone.Description, zone.MaxCapacity)
		z, err := scanZone(row)
		if err != nil {
			return err
		}
		for _, pointID := range zone.PointIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO access_zone_points (zone_id, access_point_id) VALUES ($1, $2)`,
				z.ID, pointID); err != nil {
				return err
			}
		}
		z.PointIDs = zone.PointIDs
		created = *z
		return nil
	})
	if err != nil {
		return AccessZone{}, err
	}
	return created, nil
}

// ListZones returns all zones ordered by name.
func (r *PGRepository) ListZones(ctx context.Context) ([]AccessZone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+zoneColumns+` FROM access_zones ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []AccessZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

const permissionColumns = `id, user_id, zone_id, time_from, time_to, valid_from, valid_to, is_active`

// FindPermission resolves the unique permission for a (user, zone) pair.
func (r *PGRepository) FindPermission(ctx context.Context, userID, zoneID int64) (*Permission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM access_permissions WHERE user_id = $1 AND zone_id = $2`,
		userID, zoneID)
	return scanPermission(row)
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var p Permission
	var timeFrom, timeTo int
	err := row.Scan(&p.ID, &p.UserID, &p.ZoneID, &timeFrom, &timeTo, &p.ValidFrom, &p.ValidTo, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	p.TimeFrom = TimeOfDay(timeFrom)
	p.TimeTo = TimeOfDay(timeTo)
	return &p, nil
}

// UpsertPermission creates or replaces the permission for the
// (user, zone) pair in place.
func (r *PGRepository) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO access_permissions (user_id, zone_id, time_from, time_to, valid_from, valid_to, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, zone_id) DO UPDATE
		 SET time_from = EXCLUDED.time_from,
		     time_to = EXCLUDED.time_to,
		     valid_from = EXCLUDED.valid_from,
		     valid_to = EXCLUDED.valid_to,
		     is_active = EXCLUDED.is_active
		 RETURNING `+permissionColumns,
		perm.UserID, perm.ZoneID, int(perm.TimeFrom), int(perm.TimeTo), perm.ValidFrom, perm.ValidTo, perm.IsActive)
	p, err := scanPermission(row)
	if err != nil {
		return Permission{}, err
	}
	return *p, nil
}

// PermissionsForUser lists permissions for a user ordered by zone.
func (r *PGRepository) PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM access_permissions WHERE user_id = $1 ORDER BY zone_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *p)
	}
	return perms, rows.Err()
}

const logColumns = `id, user_id, card_id, access_point_id, occurred_at, status, reason, detail, direction`

// InsertLogEntry appends one audit record outside any decision
// transaction. Used for denials whose transaction rolled back and for
// administrative actions.
func (r *PGRepository) InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error) {
	return insertLogEntry(ctx, r.pool, entry)
}

func insertLogEntry(ctx context.Context, q rowQuerier, entry LogEntry) (LogEntry, error) {
	row := q.QueryRow(ctx,
		`INSERT INTO access_logs (user_id, card_id, access_point_id, occurred_at, status, reason, detail, direction)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+logColumns,
		entry.UserID, entry.CardID, entry.AccessPointID, entry.OccurredAt,
		string(entry.Status), string(entry.Reason), entry.Detail, string(entry.Direction))
	return scanLogEntry(row)
}

func scanLogEntry(row pgx.Row) (LogEntry, error) {
	var e LogEntry
	var status, reason, direction string
	err := row.Scan(&e.ID, &e.UserID, &e.CardID, &e.AccessPointID, &e.OccurredAt, &status, &reason, &e.Detail, &direction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LogEntry{}, shared.ErrNotFound
		}
		return LogEntry{}, err
	}
	e.Status = Status(status)
	e.Reason = Reason(reason)
	e.Direction = Direction(direction)
	return e, nil
}

// RecentLogs returns audit entries ordered by occurred_at descending.
func (r *PGRepository) RecentLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM access_logs`
	args := []any{}
	switch {
	case filter.AccessPointID > 0:
		query += ` WHERE access_point_id = $1`
		args = append(args, filter.AccessPointID)
	case filter.UserID > 0:
		query += ` WHERE user_id = $1`
		args = append(args, filter.UserID)
	}
	args = append(args, filter.Limit)
	if len(args) == 1 {
		query += ` ORDER BY occurred_at DESC LIMIT $1`
	} else {
		query += ` ORDER BY occurred_at DESC LIMIT $2`
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneLogs deletes audit entries older than the cutoff and reports how
// many were removed.
func (r *PGRepository) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM access_logs WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// txRepo implements TxRepository on one open transaction.
type txRepo struct {
	q pgx.Tx
}

func (t *txRepo) GetPoint(ctx context.Context, id int64) (*AccessPoint, error) {
	return getPoint(ctx, t.q, id)
}

// ZonesForPoint lists every zone containing the point.
func (t *txRepo) ZonesForPoint(ctx context.Context, pointID int64) ([]AccessZone, error) {
	rows, err := t.q.Query(ctx,
		`SELECT z.id, z.name, z.description, z.max_capacity, z.current_count
		 FROM access_zones z
		 JOIN access_zone_points zp ON zp.zone_id = z.id
		 WHERE zp.access_point_id = $1
		 ORDER BY z.id`, pointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []AccessZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

func (t *txRepo) PermissionsForUserZones(ctx context.Context, userID int64, zoneIDs []int64) ([]Permission, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+permissionColumns+` FROM access_permissions
		 WHERE user_id = $1 AND zone_id = ANY($2)`, userID, zoneIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// FindGrantByToken resolves a visitor access token together with the
// visitor's current state and allowed zones.
func (t *txRepo) FindGrantByToken(ctx context.Context, token string) (*VisitorGrant, error) {
	row := t.q.QueryRow(ctx,
		`SELECT g.id, g.visitor_id, v.full_name, v.status, g.valid_from, g.valid_to, g.is_used
		 FROM visitor_grants g
		 JOIN visitors v ON v.id = g.visitor_id
		 WHERE g.qr_code = $1`, token)
	var grant VisitorGrant
	err := row.Scan(&grant.GrantID, &grant.VisitorID, &grant.VisitorName, &grant.Status,
		&grant.ValidFrom, &grant.ValidTo, &grant.Used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}

	rows, err := t.q.Query(ctx,
		`SELECT zone_id FROM visitor_grant_zones WHERE grant_id = $1 ORDER BY zone_id`, grant.GrantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var zoneID int64
		if err := rows.Scan(&zoneID); err != nil {
			return nil, err
		}
		grant.ZoneIDs = append(grant.ZoneIDs, zoneID)
	}
	return &grant, rows.Err()
}

// MarkVisitorEntered flips the visitor inside and consumes the grant.
func (t *txRepo) MarkVisitorEntered(ctx context.Context, grantID, visitorID int64, at time.Time) error {
	if _, err := t.q.Exec(ctx,
		`UPDATE visitors SET status = 'inside', entry_time = $2 WHERE id = $1`, visitorID, at); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `UPDATE visitor_grants SET is_used = TRUE WHERE id = $1`, grantID)
	return err
}

// MarkVisitorExited flips the visitor outside.
func (t *txRepo) MarkVisitorExited(ctx context.Context, visitorID int64, at time.Time) error {
	_, err := t.q.Exec(ctx,
		`UPDATE visitors SET status = 'outside', exit_time = $2 WHERE id = $1`, visitorID, at)
	return err
}

func (t *txRepo) InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error) {
	return insertLogEntry(ctx, t.q, entry)
}

// Counter mutations are single conditional UPDATEs so the capacity check
// and the write are atomic against concurrent transactions. Zero rows
// affected means the condition did not hold.

func (t *txRepo) IncrementPoint(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE access_points
		 SET current_count = current_count + 1
		 WHERE id = $1 AND (max_capacity = 0 OR current_count < max_capacity)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) DecrementPoint(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE access_points
		 SET current_count = current_count - 1
		 WHERE id = $1 AND current_count > 0`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) IncrementZone(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE access_zones
		 SET current_count = current_count + 1
		 WHERE id = $1 AND (max_capacity = 0 OR current_count < max_capacity)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) DecrementZone(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE access_zones
		 SET current_count = current_count - 1
		 WHERE id = $1 AND current_count > 0`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// The building occupancy singleton lives on row id = 1. Unlike points
// and zones its max_capacity is a hard cap with no unlimited sentinel.

func (t *txRepo) IncrementBuilding(ctx context.Context, class OccupantClass) (bool, error) {
	column := buildingColumn(class)
	tag, err := t.q.Exec(ctx,
		`UPDATE building_occupancy
		 SET `+column+` = `+column+` + 1, updated_at = NOW()
		 WHERE id = 1 AND residents_count + visitors_count < max_capacity`)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) DecrementBuilding(ctx context.Context, class OccupantClass) (bool, error) {
	column := buildingColumn(class)
	tag, err := t.q.Exec(ctx,
		`UPDATE building_occupancy
		 SET `+column+` = `+column+` - 1, updated_at = NOW()
		 WHERE id = 1 AND `+column+` > 0`)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func buildingColumn(class OccupantClass) string {
	if class == ClassVisitor {
		return "visitors_count"
	}
	return "residents_count"
}

var (
	_ RepositoryPort = (*PGRepository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
