// Package settlement turns terminal payment-gateway events into
// idempotent updates of the ownership ledger. Each event walks a small
// state machine: Received -> Validated -> Applied -> Broadcasted on the
// success path, or terminates early as Rejected or Duplicate. Nothing
// here retries: a rejection is final for the attempt, and a StaleWrite
// in particular is surfaced loudly because the buyer's charge has
// already succeeded at the gateway.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/pixel-grid-market/internal/broadcast"
	"github.com/iliyamo/pixel-grid-market/internal/gateway"
	"github.com/iliyamo/pixel-grid-market/internal/model"
	"github.com/iliyamo/pixel-grid-market/internal/pricing"
	"github.com/iliyamo/pixel-grid-market/internal/queue"
	"github.com/iliyamo/pixel-grid-market/internal/repository"
)

// CellLedger is the slice of the ownership store the engine needs:
// a point read, the idempotency lookup, and the transactional
// compare-and-set that is the sole serialisation mechanism between
// concurrent settlements of one cell.
type CellLedger interface {
	GetCell(ctx context.Context, x, y int) (*model.Cell, error)
	HasSettlementRef(ctx context.Context, ref string) (bool, error)
	ApplyTransfer(ctx context.Context, cand model.Cell, expectedPriorPriceCents int64) (*model.Cell, error)
}

// HistoryLog is the append-only audit the engine consults when a
// replayed ref has already been overwritten out of the live grid.
// Writing happens inside ApplyTransfer's transaction, not here.
type HistoryLog interface {
	ExistsBySettlementRef(ctx context.Context, ref string) (bool, error)
}

// SessionStore is the bulk staging area. A missing session means an
// earlier delivery already consumed it.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*model.BulkSession, error)
	Delete(ctx context.Context, sessionID string) error
}

// Broadcaster receives one update per applied cell.
type Broadcaster interface {
	Publish(u broadcast.CellUpdate)
}

// AuditFunc receives one audit event per settled (or reconciliation-
// worthy) cell. Publishing is fire-and-forget from the engine's point
// of view; implementations must not block the settlement path.
type AuditFunc func(ctx context.Context, ev queue.CellSettledEvent)

// State labels a settlement attempt's terminal position in the state
// machine, per attempt and per cell.
type State string

const (
	StateBroadcasted State = "broadcasted" // applied and fanned out
	StateRejected    State = "rejected"    // terminal business failure, no mutation
	StateDuplicate   State = "duplicate"   // replayed event, acknowledged without effect
)

// Rejection reasons recorded on CellResult and the audit stream.
const (
	ReasonStaleWrite          = "stale_write"
	ReasonProtectionViolation = "protection_violation"
	ReasonPaymentFailed       = "payment_failed"
)

// CellResult is the outcome for one cell of a settlement attempt. Bulk
// settlements produce one per staged proposal; partial success is
// normal and expected.
type CellResult struct {
	X      int
	Y      int
	State  State
	Reason string      // set when State is StateRejected
	Cell   *model.Cell // applied state, set when State is StateBroadcasted
}

// Result is the outcome of one delivered event.
type Result struct {
	Ref   string
	State State
	Cells []CellResult
}

// Engine applies terminal gateway events to the ownership ledger.
type Engine struct {
	cells    CellLedger
	history  HistoryLog
	sessions SessionStore
	rules    pricing.Rules
	hub      Broadcaster
	audit    AuditFunc
	now      func() time.Time
	log      *log.Logger
}

// NewEngine wires a settlement engine. hub and audit may be nil (useful
// in tests); now defaults to time.Now and logger to the std logger.
func NewEngine(cells CellLedger, history HistoryLog, sessions SessionStore, rules pricing.Rules, hub Broadcaster, audit AuditFunc, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cells:    cells,
		history:  history,
		sessions: sessions,
		rules:    rules,
		hub:      hub,
		audit:    audit,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

// SetClock overrides the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// HandleEvent runs one delivered terminal event through the state
// machine. Errors are infrastructure failures only (the caller may let
// the gateway redeliver; replay is safe); every business outcome is a
// normal Result.
func (e *Engine) HandleEvent(ctx context.Context, ev gateway.Event) (Result, error) {
	switch ev := ev.(type) {
	case gateway.Failed:
		// Status check: a payment that never charged settles nothing.
		e.log.Printf("settlement: ref=%s rejected: payment failed: %s", ev.EventRef, ev.Reason)
		res := Result{Ref: ev.EventRef, State: StateRejected}
		if ev.Meta.Kind == gateway.KindSingle {
			// The intent metadata still names the quoted cell; a bulk
			// failure has no per-cell breakdown, only a session that
			// will now sit unconsumed.
			res.Cells = []CellResult{
				{X: ev.Meta.X, Y: ev.Meta.Y, State: StateRejected, Reason: ReasonPaymentFailed},
			}
		}
		return res, nil
	case gateway.Succeeded:
		if ev.Meta.Kind == gateway.KindBulk {
			return e.applyBulk(ctx, ev)
		}
		return e.applySingle(ctx, ev)
	default:
		// The union is closed; anything else is a programming error.
		e.log.Printf("settlement: unknown event type for ref=%s", ev.Ref())
		return Result{Ref: ev.Ref(), State: StateRejected}, nil
	}
}

// applySingle settles a one-cell purchase.
func (e *Engine) applySingle(ctx context.Context, ev gateway.Succeeded) (Result, error) {
	dup, err := e.isDuplicate(ctx, ev.EventRef)
	if err != nil {
		return Result{}, err
	}
	if dup {
		e.log.Printf("settlement: ref=%s duplicate delivery, acknowledged", ev.EventRef)
		return Result{Ref: ev.EventRef, State: StateDuplicate}, nil
	}

	res, err := e.applyCell(ctx, ev.EventRef, cellProposal{
		x:                       ev.Meta.X,
		y:                       ev.Meta.Y,
		color:                   ev.Meta.Color,
		priceCents:              ev.Meta.PriceCents,
		ownerID:                 ev.Meta.OwnerID,
		ownerName:               ev.Meta.OwnerName,
		link:                    ev.Meta.Link,
		protect:                 ev.Meta.Protect,
		expectedPriorPriceCents: ev.Meta.ExpectedPriorPriceCents,
	})
	if err != nil {
		return Result{}, err
	}
	state := res.State
	if state != StateBroadcasted {
		state = StateRejected
	}
	return Result{Ref: ev.EventRef, State: state, Cells: []CellResult{res}}, nil
}

// applyBulk settles a staged multi-cell purchase. Each staged proposal
// is applied independently; cells lost to a concurrent buyer between
// quote and settlement are reported per cell while the rest proceed.
// The surviving session, not the event ref, is the bulk duplicate
// signal: it is deleted only after the whole walk completes, so a
// redelivery after a mid-walk infrastructure failure re-walks every
// cell, and the already-applied ones resolve as per-cell duplicates.
func (e *Engine) applyBulk(ctx context.Context, ev gateway.Succeeded) (Result, error) {
	session, err := e.sessions.Get(ctx, ev.Meta.SessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		// Already consumed or never created; treated as a duplicate.
		e.log.Printf("settlement: ref=%s session %s not found, treating as duplicate", ev.EventRef, ev.Meta.SessionID)
		return Result{Ref: ev.EventRef, State: StateDuplicate}, nil
	}
	if err != nil {
		return Result{}, err
	}

	results := make([]CellResult, 0, len(session.Cells))
	applied := 0
	for _, p := range session.Cells {
		res, err := e.applyCell(ctx, ev.EventRef, cellProposal{
			x:                       p.X,
			y:                       p.Y,
			color:                   p.Color,
			priceCents:              p.PriceCents,
			ownerID:                 session.OwnerID,
			ownerName:               session.OwnerName,
			link:                    derefOrEmpty(p.Link),
			protect:                 p.Protect,
			expectedPriorPriceCents: p.ExpectedPriorPriceCents,
		})
		if err != nil {
			// Abort mid-walk and keep the session: per-cell outcomes so
			// far are durable, and the redelivery resumes the rest.
			e.log.Printf("settlement: ref=%s bulk aborted at (%d,%d): %v", ev.EventRef, p.X, p.Y, err)
			return Result{}, err
		}
		if res.State == StateBroadcasted {
			applied++
		}
		results = append(results, res)
	}

	if err := e.sessions.Delete(ctx, session.SessionID); err != nil {
		// The per-cell refs already guard against re-application, but a
		// surviving session makes the next delivery re-walk every cell.
		e.log.Printf("settlement: ref=%s failed to delete session %s: %v", ev.EventRef, session.SessionID, err)
	}

	e.log.Printf("settlement: ref=%s bulk applied %d/%d cells", ev.EventRef, applied, len(session.Cells))
	return Result{Ref: ev.EventRef, State: StateBroadcasted, Cells: results}, nil
}

// cellProposal is the normalised per-cell input shared by the single
// and bulk paths.
type cellProposal struct {
	x, y                    int
	color                   string
	priceCents              int64
	ownerID                 string
	ownerName               string
	link                    string
	protect                 bool
	expectedPriorPriceCents int64
}

// applyCell re-validates one proposal against current state and applies
// it through the ledger's compare-and-set. Protection is re-checked
// against the *current* row, not the quote-time snapshot, and the CAS
// decides every race. A returned error is an infrastructure failure and
// must propagate so the gateway redelivers; business outcomes, stale
// writes included, come back as CellResults with a nil error.
func (e *Engine) applyCell(ctx context.Context, ref string, p cellProposal) (CellResult, error) {
	now := e.now()

	current, err := e.cells.GetCell(ctx, p.x, p.y)
	if err != nil {
		return CellResult{}, fmt.Errorf("settlement ref=%s cell (%d,%d): read: %w", ref, p.x, p.y, err)
	}
	if current != nil && current.SettlementRef == ref {
		// This very event already settled the cell on an earlier,
		// partially processed delivery.
		return CellResult{X: p.x, Y: p.y, State: StateDuplicate, Cell: current}, nil
	}
	if pricing.UnderActiveProtection(current, now) && p.priceCents < e.rules.RequiredBidUnderProtection(current) {
		e.log.Printf("settlement: ref=%s (%d,%d) rejected: price %d below protection requirement", ref, p.x, p.y, p.priceCents)
		return CellResult{X: p.x, Y: p.y, State: StateRejected, Reason: ReasonProtectionViolation}, nil
	}

	cand := model.Cell{
		X:             p.x,
		Y:             p.y,
		Color:         p.color,
		PriceCents:    p.priceCents,
		OwnerID:       p.ownerID,
		OwnerName:     p.ownerName,
		SettlementRef: ref,
		UpdatedAt:     now,
	}
	if p.link != "" {
		link := p.link
		cand.Link = &link
	}
	if p.protect {
		expires := now.Add(e.rules.ProtectionWindow)
		cand.Protected = true
		cand.ProtectionExpiresAt = &expires
	}

	if _, err := e.cells.ApplyTransfer(ctx, cand, p.expectedPriorPriceCents); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			// The cell changed hands between quote and settlement. The
			// charge has already succeeded at the gateway, so this must
			// be reconciled out of band, never silently dropped.
			e.log.Printf("settlement: RECONCILIATION REQUIRED ref=%s (%d,%d) owner=%s amount=%d: stale write",
				ref, p.x, p.y, p.ownerID, p.priceCents)
			e.emitAudit(ctx, cand, ReasonStaleWrite)
			return CellResult{X: p.x, Y: p.y, State: StateRejected, Reason: ReasonStaleWrite}, nil
		}
		return CellResult{}, fmt.Errorf("settlement ref=%s cell (%d,%d): transfer: %w", ref, p.x, p.y, err)
	}

	if e.hub != nil {
		e.hub.Publish(broadcast.UpdateFromCell(cand))
	}
	e.emitAudit(ctx, cand, "applied")
	return CellResult{X: p.x, Y: p.y, State: StateBroadcasted, Cell: &cand}, nil
}

// isDuplicate reports whether this settlement ref was already applied.
// The current cell state covers the common replay; the history log
// covers refs whose cell has since been overwritten again.
func (e *Engine) isDuplicate(ctx context.Context, ref string) (bool, error) {
	onCell, err := e.cells.HasSettlementRef(ctx, ref)
	if err != nil {
		return false, err
	}
	if onCell {
		return true, nil
	}
	return e.history.ExistsBySettlementRef(ctx, ref)
}

func (e *Engine) emitAudit(ctx context.Context, c model.Cell, outcome string) {
	if e.audit == nil {
		return
	}
	e.audit(ctx, queue.CellSettledEvent{
		X:             c.X,
		Y:             c.Y,
		Color:         c.Color,
		PriceCents:    c.PriceCents,
		OwnerID:       c.OwnerID,
		OwnerName:     c.OwnerName,
		Protected:     c.Protected,
		SettlementRef: c.SettlementRef,
		Outcome:       outcome,
		SettledAt:     c.UpdatedAt.Format(time.RFC3339),
	})
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
