package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/pixel-grid-market/internal/model"
)

// CellRepo provides access to the cells table: the current ownership
// state of the grid, one row per occupied coordinate. All timestamps
// are stored in UTC. Absence of a row means the cell has never been
// bought; rows are never deleted.
type CellRepo struct {
	db *sql.DB
}

// NewCellRepo returns a new CellRepo bound to the given database.
func NewCellRepo(db *sql.DB) *CellRepo { return &CellRepo{db: db} }

// DB exposes the underlying sql.DB. It allows callers to begin
// transactions spanning multiple repositories.
func (r *CellRepo) DB() *sql.DB { return r.db }

const cellColumns = `id, x, y, color, price_cents, owner_id, owner_name, link,
                     protected, protection_expires_at, settlement_ref, updated_at`

// scanCell reads one cells row from a row scanner shared by the query
// helpers below.
func scanCell(row interface {
	Scan(dest ...interface{}) error
}) (*model.Cell, error) {
	var c model.Cell
	var link sql.NullString
	var ref sql.NullString
	var expires sql.NullTime
	err := row.Scan(
		&c.ID, &c.X, &c.Y, &c.Color, &c.PriceCents, &c.OwnerID, &c.OwnerName,
		&link, &c.Protected, &expires, &ref, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if link.Valid {
		l := link.String
		c.Link = &l
	}
	if expires.Valid {
		t := expires.Time.UTC()
		c.ProtectionExpiresAt = &t
	}
	if ref.Valid {
		c.SettlementRef = ref.String
	}
	return &c, nil
}

// GetCell returns the current state of one coordinate, or (nil, nil)
// when the cell has never been owned. Absence is a normal state here,
// not an error: pricing treats it as "floor price applies".
func (r *CellRepo) GetCell(ctx context.Context, x, y int) (*model.Cell, error) {
	const q = `SELECT ` + cellColumns + ` FROM cells WHERE x = ? AND y = ?`
	c, err := scanCell(r.db.QueryRowContext(ctx, q, x, y))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListAll returns every owned cell on the grid, ordered by coordinate
// for deterministic hydration output. Used by the full-grid read path
// and by reconnecting viewers catching up after missed broadcasts.
func (r *CellRepo) ListAll(ctx context.Context) ([]model.Cell, error) {
	const q = `SELECT ` + cellColumns + ` FROM cells ORDER BY y, x`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Cell, 0)
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountZeroPriceByOwner counts the cells an owner currently holds at a
// price of exactly zero. Free-allocation eligibility is derived from
// this server-stored count alone; client-reported counters are never
// trusted.
func (r *CellRepo) CountZeroPriceByOwner(ctx context.Context, ownerID string) (int, error) {
	const q = `SELECT COUNT(*) FROM cells WHERE owner_id = ? AND price_cents = 0`
	var n int
	if err := r.db.QueryRowContext(ctx, q, ownerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// HasSettlementRef reports whether any cell's current state was produced
// by the given gateway event. This is the single-cell idempotency probe:
// a re-delivered webhook whose ref is already recorded must not re-apply.
func (r *CellRepo) HasSettlementRef(ctx context.Context, ref string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM cells WHERE settlement_ref = ?)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, ref).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ApplyTransfer durably applies one settled purchase to a cell under a
// compare-and-set on the stored price. Inside a single transaction it:
//
//  1. locks the current row (if any) with SELECT ... FOR UPDATE;
//  2. compares the stored price (absence counts as 0) against
//     expectedPriorPriceCents and requires the candidate price to be a
//     strict raise over an existing row — any mismatch fails with
//     ErrStaleWrite and leaves no trace;
//  3. appends the prior state to cell_history, stamped with the
//     candidate's settlement ref;
//  4. inserts or updates the cells row.
//
// The row lock plus the price comparison is what serialises concurrent
// settlements of the same cell across service instances; there is no
// in-process locking anywhere in the system. On success the prior state
// is returned (nil when the cell was previously absent).
func (r *CellRepo) ApplyTransfer(ctx context.Context, cand model.Cell, expectedPriorPriceCents int64) (*model.Cell, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const sel = `SELECT ` + cellColumns + ` FROM cells WHERE x = ? AND y = ? FOR UPDATE`
	prior, err := scanCell(tx.QueryRowContext(ctx, sel, cand.X, cand.Y))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := cand.UpdatedAt.UTC()
	if prior == nil {
		if expectedPriorPriceCents != 0 {
			return nil, ErrStaleWrite
		}
		const ins = `INSERT INTO cells
		             (x, y, color, price_cents, owner_id, owner_name, link,
		              protected, protection_expires_at, settlement_ref, updated_at)
		             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = tx.ExecContext(ctx, ins,
			cand.X, cand.Y, cand.Color, cand.PriceCents, cand.OwnerID, cand.OwnerName,
			nullableString(cand.Link), cand.Protected, nullableTime(cand.ProtectionExpiresAt),
			cand.SettlementRef, dbTime(now),
		)
		if err != nil {
			// A concurrent first purchase of the same coordinate slips
			// past the FOR UPDATE (no row to lock) and surfaces here as
			// a duplicate key on (x, y). That is a lost race.
			var my *mysql.MySQLError
			if errors.As(err, &my) && my.Number == 1062 {
				return nil, ErrStaleWrite
			}
			return nil, err
		}
	} else {
		if prior.PriceCents != expectedPriorPriceCents || cand.PriceCents <= prior.PriceCents {
			return nil, ErrStaleWrite
		}
		const hist = `INSERT INTO cell_history
		              (x, y, color, price_cents, owner_id, owner_name, link,
		               protected, protection_expires_at, settlement_ref, replaced_by_ref, created_at)
		              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		var priorRef interface{}
		if prior.SettlementRef != "" {
			priorRef = prior.SettlementRef
		}
		_, err = tx.ExecContext(ctx, hist,
			prior.X, prior.Y, prior.Color, prior.PriceCents, prior.OwnerID, prior.OwnerName,
			nullableString(prior.Link), prior.Protected, nullableTime(prior.ProtectionExpiresAt),
			priorRef, cand.SettlementRef, dbTime(now),
		)
		if err != nil {
			return nil, err
		}
		const upd = `UPDATE cells SET color = ?, price_cents = ?, owner_id = ?, owner_name = ?,
		             link = ?, protected = ?, protection_expires_at = ?, settlement_ref = ?, updated_at = ?
		             WHERE x = ? AND y = ?`
		_, err = tx.ExecContext(ctx, upd,
			cand.Color, cand.PriceCents, cand.OwnerID, cand.OwnerName,
			nullableString(cand.Link), cand.Protected, nullableTime(cand.ProtectionExpiresAt),
			cand.SettlementRef, dbTime(now),
			cand.X, cand.Y,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return prior, nil
}

// dbTime formats a timestamp in the DB's DATETIME format (UTC).
func dbTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}
