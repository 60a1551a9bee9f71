package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/pixel-grid-market/internal/model"
)

// BulkSessionRepo persists the staging area for multi-cell purchases.
// A session is created when a bulk quote is issued and deleted once its
// terminal gateway event has been applied; it is only ever touched by
// the quote handler (create) and the settlement engine (get + delete),
// and sessions never coordinate with each other.
type BulkSessionRepo struct {
	db *sql.DB
}

// NewBulkSessionRepo returns a new BulkSessionRepo bound to the given database.
func NewBulkSessionRepo(db *sql.DB) *BulkSessionRepo { return &BulkSessionRepo{db: db} }

// Create inserts a session and its ordered cell proposals in one
// transaction. The position column preserves the order the buyer
// submitted, so settlement outcomes can be reported per proposal.
func (r *BulkSessionRepo) Create(ctx context.Context, s *model.BulkSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const ins = `INSERT INTO bulk_sessions (session_id, owner_id, owner_name) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, ins, s.SessionID, s.OwnerID, s.OwnerName); err != nil {
		return err
	}
	if len(s.Cells) > 0 {
		query := `INSERT INTO bulk_session_cells
		          (session_id, position, x, y, color, price_cents, link, protect, expected_prior_price_cents) VALUES `
		args := make([]interface{}, 0, len(s.Cells)*9)
		for i, c := range s.Cells {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args, s.SessionID, i, c.X, c.Y, c.Color, c.PriceCents,
				nullableString(c.Link), c.Protect, c.ExpectedPriorPriceCents)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get loads a session and its proposals ordered by position. It returns
// ErrSessionNotFound when the session does not exist — which, for the
// settlement engine, means the session was already consumed by an
// earlier delivery of the same event.
func (r *BulkSessionRepo) Get(ctx context.Context, sessionID string) (*model.BulkSession, error) {
	const q = `SELECT session_id, owner_id, owner_name, created_at FROM bulk_sessions WHERE session_id = ?`
	var s model.BulkSession
	err := r.db.QueryRowContext(ctx, q, sessionID).Scan(&s.SessionID, &s.OwnerID, &s.OwnerName, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	const cellQ = `SELECT x, y, color, price_cents, link, protect, expected_prior_price_cents
	               FROM bulk_session_cells
	               WHERE session_id = ?
	               ORDER BY position`
	rows, err := r.db.QueryContext(ctx, cellQ, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.ProposedCell
		var link sql.NullString
		if err := rows.Scan(&c.X, &c.Y, &c.Color, &c.PriceCents, &link, &c.Protect, &c.ExpectedPriorPriceCents); err != nil {
			return nil, err
		}
		if link.Valid {
			l := link.String
			c.Link = &l
		}
		s.Cells = append(s.Cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes a session; its cells cascade. Deleting an already
// deleted session is a no-op, which keeps the bulk settlement as a
// whole idempotent even when two deliveries race past the Get.
func (r *BulkSessionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bulk_sessions WHERE session_id = ?`, sessionID)
	return err
}
