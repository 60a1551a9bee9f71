package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/pixel-grid-market/internal/model"
)

// HistoryRepo reads the cell_history table. History rows are written by
// CellRepo.ApplyTransfer inside the same transaction as the overwrite
// they snapshot; this repository only ever reads them. The table is
// append-only, so every method here is safe against concurrent
// settlements.
type HistoryRepo struct {
	db *sql.DB
}

// NewHistoryRepo returns a new HistoryRepo bound to the given database.
func NewHistoryRepo(db *sql.DB) *HistoryRepo { return &HistoryRepo{db: db} }

// ListByCell returns the full prior-state history of one coordinate,
// newest first. An unowned or freshly bought cell yields an empty slice.
func (r *HistoryRepo) ListByCell(ctx context.Context, x, y int) ([]model.HistoryEntry, error) {
	const q = `SELECT id, x, y, color, price_cents, owner_id, owner_name, link,
	                  protected, protection_expires_at, settlement_ref, replaced_by_ref, created_at
	           FROM cell_history
	           WHERE x = ? AND y = ?
	           ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, q, x, y)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]model.HistoryEntry, 0)
	for rows.Next() {
		var e model.HistoryEntry
		var link sql.NullString
		var ref sql.NullString
		var expires sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.X, &e.Y, &e.Color, &e.PriceCents, &e.OwnerID, &e.OwnerName,
			&link, &e.Protected, &expires, &ref, &e.ReplacedByRef, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if link.Valid {
			l := link.String
			e.Link = &l
		}
		if ref.Valid {
			e.SettlementRef = ref.String
		}
		if expires.Valid {
			t := expires.Time.UTC()
			e.ProtectionExpiresAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExistsBySettlementRef reports whether any history row bears the given
// gateway event ref, either as the event that overwrote the snapshotted
// state or as the event that had produced it. Combined with the ref on
// live cell rows this recognises every previously applied event, so a
// re-delivered webhook is caught even after its session was deleted and
// its cells were overwritten again.
func (r *HistoryRepo) ExistsBySettlementRef(ctx context.Context, ref string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM cell_history WHERE replaced_by_ref = ? OR settlement_ref = ?)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, ref, ref).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
