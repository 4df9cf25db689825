package visitor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
)

// Repository defines persistence operations for the visitor module.
type Repository interface {
	Create(ctx context.Context, v Visitor) (Visitor, error)
	Get(ctx context.Context, id int64) (*Visitor, error)
	List(ctx context.Context, filter ListFilter) ([]Visitor, error)
	SetStatus(ctx context.Context, id int64, from, to Status) (Visitor, error)
	Delete(ctx context.Context, id int64) error

	CreateGrant(ctx context.Context, grant AccessGrant) (AccessGrant, error)
	GrantsForVisitor(ctx context.Context, visitorID int64) ([]AccessGrant, error)

	Checkout(ctx context.Context, id int64, at time.Time) (Visitor, error)
	ExpiredInside(ctx context.Context, now time.Time) ([]int64, error)
}

// ListFilter narrows visitor listings.
type ListFilter struct {
	Status     Status
	HostUserID int64
	Limit      int
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const visitorColumns = `id, full_name, document_id, phone, host_user_id, purpose, status, entry_time, exit_time, created_at`

// Create inserts a new visitor in pending state.
func (r *PGRepository) Create(ctx context.Context, v Visitor) (Visitor, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO visitors (full_name, document_id, phone, host_user_id, purpose, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING `+visitorColumns,
		v.FullName, v.DocumentID, v.Phone, v.HostUserID, v.Purpose, string(v.Status))
	return scanVisitor(row)
}

// Get fetches a visitor by id.
func (r *PGRepository) Get(ctx context.Context, id int64) (*Visitor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+visitorColumns+` FROM visitors WHERE id = $1`, id)
	v, err := scanVisitor(row)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns visitors newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Visitor, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `SELECT ` + visitorColumns + ` FROM visitors`
	args := []any{}
	switch {
	case filter.Status != "" && filter.HostUserID > 0:
		query += ` WHERE status = $1 AND host_user_id = $2`
		args = append(args, string(filter.Status), filter.HostUserID)
	case filter.Status != "":
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	case filter.HostUserID > 0:
		query += ` WHERE host_user_id = $1`
		args = append(args, filter.HostUserID)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, filter.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visitors []Visitor
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, err
		}
		visitors = append(visitors, v)
	}
	return visitors, rows.Err()
}

// SetStatus transitions a visitor between lifecycle states. The update
// is conditional on the current state so concurrent transitions cannot
// clobber each other.
func (r *PGRepository) SetStatus(ctx context.Context, id int64, from, to Status) (Visitor, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE visitors SET status = $3 WHERE id = $1 AND status = $2 RETURNING `+visitorColumns,
		id, string(from), string(to))
	return scanVisitor(row)
}

// Delete removes a visitor record and its grants.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM visitor_grant_zones
			 WHERE grant_id IN (SELECT id FROM visitor_grants WHERE visitor_id = $1)`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM visitor_grants WHERE visitor_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM visitors WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

const grantColumns = `id, visitor_id, qr_code, valid_from, valid_to, is_used, created_at`

// CreateGrant inserts a grant and its allowed zones.
func (r *PGRepository) CreateGrant(ctx context.Context, grant AccessGrant) (AccessGrant, error) {
	var created AccessGrant
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO visitor_grants (visitor_id, qr_code, valid_from, valid_to, is_used, created_at)
			 VALUES ($1, $2, $3, $4, FALSE, NOW())
			 RETURNING `+grantColumns,
			grant.VisitorID, grant.QRCode, grant.ValidFrom, grant.ValidTo)
		g, err := scanGrant(row)
		if err != nil {
			return err
		}
		for _, zoneID := range grant.ZoneIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO visitor_grant_zones (grant_id, zone_id) VALUES ($1, $2)`,
				g.ID, zoneID); err != nil {
				return err
			}
		}
		g.ZoneIDs = grant.ZoneIDs
		created = g
		return nil
	})
	if err != nil {
		return AccessGrant{}, err
	}
	return created, nil
}

// GrantsForVisitor lists a visitor's grants newest first.
func (r *PGRepository) GrantsForVisitor(ctx context.Context, visitorID int64) ([]AccessGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM visitor_grants WHERE visitor_id = $1 ORDER BY created_at DESC`,
		visitorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range grants {
		zoneRows, err := r.pool.Query(ctx,
			`SELECT zone_id FROM visitor_grant_zones WHERE grant_id = $1 ORDER BY zone_id`, grants[i].ID)
		if err != nil {
			return nil, err
		}
		for zoneRows.Next() {
			var zoneID int64
			if err := zoneRows.Scan(&zoneID); err != nil {
				zoneRows.Close()
				return nil, err
			}
			grants[i].ZoneIDs = append(grants[i].ZoneIDs, zoneID)
		}
		zoneRows.Close()
		if err := zoneRows.Err(); err != nil {
			return nil, err
		}
	}
	return grants, nil
}

// Checkout flips an inside visitor to outside and releases their
// building occupancy slot in one transaction.
func (r *PGRepository) Checkout(ctx context.Context, id int64, at time.Time) (Visitor, error) {
	var out Visitor
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE visitors SET status = 'outside', exit_time = $2
			 WHERE id = $1 AND status = 'inside'
			 RETURNING `+visitorColumns, id, at)
		v, err := scanVisitor(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE building_occupancy
			 SET visitors_count = visitors_count - 1, updated_at = NOW()
			 WHERE id = 1 AND visitors_count > 0`); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return Visitor{}, err
	}
	return out, nil
}

// ExpiredInside lists inside visitors whose latest grant has lapsed.
func (r *PGRepository) ExpiredInside(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT v.id FROM visitors v
		 WHERE v.status = 'inside'
		   AND NOT EXISTS (
		     SELECT 1 FROM visitor_grants g
		     WHERE g.visitor_id = v.id AND g.valid_to >= $1
		   )`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanVisitor(row pgx.Row) (Visitor, error) {
	var v Visitor
	var status string
	err := row.Scan(&v.ID, &v.FullName, &v.DocumentID, &v.Phone, &v.HostUserID, &v.Purpose,
		&status, &v.EntryTime, &v.ExitTime, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Visitor{}, shared.ErrNotFound
		}
		return Visitor{}, err
	}
	v.Status = Status(status)
	return v, nil
}

func scanGrant(row pgx.Row) (AccessGrant, error) {
	var g AccessGrant
	err := row.Scan(&g.ID, &g.VisitorID, &g.QRCode, &g.ValidFrom, &g.ValidTo, &g.IsUsed, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccessGrant{}, shared.ErrNotFound
		}
		return AccessGrant{}, err
	}
	return g, nil
}

var _ Repository = (*PGRepository)(nil)
