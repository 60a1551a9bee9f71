package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/pixel-grid-market/internal/broadcast"
	"github.com/iliyamo/pixel-grid-market/internal/gateway"
	"github.com/iliyamo/pixel-grid-market/internal/model"
	"github.com/iliyamo/pixel-grid-market/internal/pricing"
	"github.com/iliyamo/pixel-grid-market/internal/queue"
	"github.com/iliyamo/pixel-grid-market/internal/repository"
)

// fakeStore is an in-memory stand-in for the MySQL ledger. It mirrors
// the repository's compare-and-set contract: a transfer applies only
// when the stored price matches the caller's expectation and the new
// price is strictly higher.
type fakeStore struct {
	mu      sync.Mutex
	cells   map[[2]int]model.Cell
	history []model.HistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{cells: make(map[[2]int]model.Cell)}
}

func (s *fakeStore) GetCell(_ context.Context, x, y int) (*model.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[[2]int{x, y}]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) HasSettlementRef(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cells {
		if c.SettlementRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ApplyTransfer(_ context.Context, cand model.Cell, expectedPriorPriceCents int64) (*model.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int{cand.X, cand.Y}
	prior, exists := s.cells[key]
	if !exists {
		if expectedPriorPriceCents != 0 {
			return nil, repository.ErrStaleWrite
		}
		s.cells[key] = cand
		return nil, nil
	}
	if prior.PriceCents != expectedPriorPriceCents || cand.PriceCents <= prior.PriceCents {
		return nil, repository.ErrStaleWrite
	}
	s.history = append(s.history, model.HistoryEntry{
		X:             prior.X,
		Y:             prior.Y,
		Color:         prior.Color,
		PriceCents:    prior.PriceCents,
		OwnerID:       prior.OwnerID,
		OwnerName:     prior.OwnerName,
		SettlementRef: prior.SettlementRef,
		ReplacedByRef: cand.SettlementRef,
	})
	s.cells[key] = cand
	cp := prior
	return &cp, nil
}

func (s *fakeStore) ExistsBySettlementRef(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.ReplacedByRef == ref || h.SettlementRef == ref {
			return true, nil
		}
	}
	return false, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.BulkSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*model.BulkSession)}
}

func (s *fakeSessions) put(sess *model.BulkSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
}

func (s *fakeSessions) Get(_ context.Context, id string) (*model.BulkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, repository.ErrSessionNotFound
}

func (s *fakeSessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

type fakeHub struct {
	mu      sync.Mutex
	updates []broadcast.CellUpdate
}

func (h *fakeHub) Publish(u broadcast.CellUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []queue.CellSettledEvent
}

func (a *auditRecorder) record(_ context.Context, ev queue.CellSettledEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *auditRecorder) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Outcome)
	}
	return out
}

func testRules() pricing.Rules {
	return pricing.Rules{
		FloorPriceCents:               100,
		PriceIncrementCents:           100,
		FreeAllocationMax:             3,
		ProtectionWindow:              24 * time.Hour,
		ProtectionOverrideMultiplier:  10,
		ProtectionSurchargeMultiplier: 4,
	}
}

type fixture struct {
	store    *fakeStore
	sessions *fakeSessions
	hub      *fakeHub
	audit    *auditRecorder
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		sessions: newFakeSessions(),
		hub:      &fakeHub{},
		audit:    &auditRecorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.store, f.sessions, testRules(), f.hub, f.audit.record, nil)
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

func singleEvent(ref string, x, y int, price, expectedPrior int64, owner string) gateway.Succeeded {
	return gateway.Succeeded{
		EventRef:    ref,
		AmountCents: price,
		Meta: gateway.Metadata{
			Kind:                    gateway.KindSingle,
			X:                       x,
			Y:                       y,
			Color:                   "#abc",
			OwnerID:                 owner,
			OwnerName:               owner,
			PriceCents:              price,
			ExpectedPriorPriceCents: expectedPrior,
		},
	}
}

func TestSingleSettlementApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 3, 4, 100, 0, "alice"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)
	require.Len(t, res.Cells, 1)
	assert.Equal(t, StateBroadcasted, res.Cells[0].State)

	cell, err := f.store.GetCell(ctx, 3, 4)
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.Equal(t, int64(100), cell.PriceCents)
	assert.Equal(t, "alice", cell.OwnerID)
	assert.Equal(t, "pi_1", cell.SettlementRef)

	assert.Equal(t, 1, f.hub.count())
	assert.Equal(t, []string{"applied"}, f.audit.outcomes())
}

func TestReplayedDeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := singleEvent("pi_1", 0, 0, 100, 0, "alice")

	_, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	res, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, res.State)

	// One mutation, one broadcast, one audit event total.
	assert.Equal(t, 1, f.hub.count())
	assert.Len(t, f.audit.outcomes(), 1)
}

func TestReplayAfterOverwriteIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.NoError(t, err)
	_, err = f.engine.HandleEvent(ctx, singleEvent("pi_2", 0, 0, 200, 100, "bob"))
	require.NoError(t, err)

	// pi_1 no longer appears on the cell itself; the history log must
	// still recognise it.
	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, res.State)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "bob", cell.OwnerID, "replay must not roll back the later owner")
	assert.Equal(t, int64(200), cell.PriceCents)
}

func TestStaleWriteIsRejectedAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.NoError(t, err)

	// bob quoted while the cell was still free, then alice settled
	// first: bob's expectation of price 0 is stale.
	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_2", 0, 0, 150, 0, "bob"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	require.Len(t, res.Cells, 1)
	assert.Equal(t, ReasonStaleWrite, res.Cells[0].Reason)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "alice", cell.OwnerID)
	assert.Equal(t, 1, f.hub.count(), "rejected settlements broadcast nothing")
	assert.Equal(t, []string{"applied", "stale_write"}, f.audit.outcomes())
}

func TestPaymentFailedSettlesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleEvent(ctx, gateway.Failed{
		EventRef: "pi_9",
		Reason:   "card_declined",
		Meta:     gateway.Metadata{Kind: gateway.KindSingle, X: 1, Y: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	require.Len(t, res.Cells, 1)
	assert.Equal(t, ReasonPaymentFailed, res.Cells[0].Reason)
	assert.Equal(t, 1, res.Cells[0].X, "the rejected cell carries the quoted coordinates")
	assert.Equal(t, 1, res.Cells[0].Y)

	cell, _ := f.store.GetCell(ctx, 1, 1)
	assert.Nil(t, cell)
	assert.Equal(t, 0, f.hub.count())
}

func TestBulkPaymentFailedHasNoCellBreakdown(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.HandleEvent(context.Background(), gateway.Failed{
		EventRef: "pi_9",
		Reason:   "card_declined",
		Meta:     gateway.Metadata{Kind: gateway.KindBulk, SessionID: "sess-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	assert.Empty(t, res.Cells, "a failed bulk payment names no cells; the metadata only carries the session")
}

func TestProtectionBlocksUnderpricedTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// alice buys with protection; the window starts at the engine clock.
	ev := singleEvent("pi_1", 0, 0, 100, 0, "alice")
	ev.Meta.Protect = true
	_, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	require.True(t, cell.Protected)
	require.NotNil(t, cell.ProtectionExpiresAt)
	assert.Equal(t, f.now.Add(24*time.Hour), *cell.ProtectionExpiresAt)

	// bob's settled price clears the normal increment but not the
	// override multiple.
	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_2", 0, 0, 500, 100, "bob"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, ReasonProtectionViolation, res.Cells[0].Reason)

	cell, _ = f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "alice", cell.OwnerID)
}

func TestProtectionOverrideAtRequiredMultiple(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := singleEvent("pi_1", 0, 0, 100, 0, "alice")
	ev.Meta.Protect = true
	_, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_2", 0, 0, 1000, 100, "bob"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "bob", cell.OwnerID)
	assert.False(t, cell.Protected, "protection does not carry over to the new owner unless bought again")
}

func TestProtectionOverrideWithProtectionResetsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := singleEvent("pi_1", 0, 0, 100, 0, "alice")
	ev.Meta.Protect = true
	_, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	// Twelve hours into alice's window, bob overrides at the required
	// multiple and buys protection himself: the expiry must restart
	// from the settlement clock, not extend alice's.
	f.now = f.now.Add(12 * time.Hour)
	override := singleEvent("pi_2", 0, 0, 1000, 100, "bob")
	override.Meta.Protect = true
	res, err := f.engine.HandleEvent(ctx, override)
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "bob", cell.OwnerID)
	require.True(t, cell.Protected)
	require.NotNil(t, cell.ProtectionExpiresAt)
	assert.Equal(t, f.now.Add(24*time.Hour), *cell.ProtectionExpiresAt)
}

func TestExpiredProtectionIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := singleEvent("pi_1", 0, 0, 100, 0, "alice")
	ev.Meta.Protect = true
	_, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	// Advance past the window; a plain increment now suffices.
	f.now = f.now.Add(25 * time.Hour)
	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_2", 0, 0, 200, 100, "bob"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)

	cell, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "bob", cell.OwnerID)
}

func bulkEvent(ref, sessionID string) gateway.Succeeded {
	return gateway.Succeeded{
		EventRef: ref,
		Meta:     gateway.Metadata{Kind: gateway.KindBulk, SessionID: sessionID},
	}
}

func TestBulkPartialSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// carol takes (1,1) between quote time and settlement.
	_, err := f.engine.HandleEvent(ctx, singleEvent("pi_carol", 1, 1, 100, 0, "carol"))
	require.NoError(t, err)

	f.sessions.put(&model.BulkSession{
		SessionID: "sess-1",
		OwnerID:   "alice",
		OwnerName: "alice",
		Cells: []model.ProposedCell{
			{X: 0, Y: 0, Color: "#111", PriceCents: 100, ExpectedPriorPriceCents: 0},
			{X: 1, Y: 1, Color: "#222", PriceCents: 100, ExpectedPriorPriceCents: 0}, // stale
			{X: 2, Y: 2, Color: "#333", PriceCents: 100, ExpectedPriorPriceCents: 0},
		},
	})

	res, err := f.engine.HandleEvent(ctx, bulkEvent("pi_bulk", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)
	require.Len(t, res.Cells, 3)

	assert.Equal(t, StateBroadcasted, res.Cells[0].State)
	assert.Equal(t, StateRejected, res.Cells[1].State)
	assert.Equal(t, ReasonStaleWrite, res.Cells[1].Reason)
	assert.Equal(t, StateBroadcasted, res.Cells[2].State)

	lost, _ := f.store.GetCell(ctx, 1, 1)
	assert.Equal(t, "carol", lost.OwnerID, "the contested cell stays with the earlier settler")

	won, _ := f.store.GetCell(ctx, 0, 0)
	assert.Equal(t, "alice", won.OwnerID)
}

func TestBulkSessionConsumedOnSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.put(&model.BulkSession{
		SessionID: "sess-1",
		OwnerID:   "alice",
		OwnerName: "alice",
		Cells: []model.ProposedCell{
			{X: 0, Y: 0, Color: "#111", PriceCents: 100},
		},
	})

	_, err := f.engine.HandleEvent(ctx, bulkEvent("pi_bulk", "sess-1"))
	require.NoError(t, err)

	_, err = f.sessions.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	res, err := f.engine.HandleEvent(ctx, bulkEvent("pi_bulk", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, res.State)
	assert.Equal(t, 1, f.hub.count())
}

// flakyLedger wraps fakeStore and injects one-shot infrastructure
// failures the way a dropped connection would surface.
type flakyLedger struct {
	*fakeStore
	getErr      error
	transferErr map[[2]int]error
}

func (l *flakyLedger) GetCell(ctx context.Context, x, y int) (*model.Cell, error) {
	if l.getErr != nil {
		err := l.getErr
		l.getErr = nil
		return nil, err
	}
	return l.fakeStore.GetCell(ctx, x, y)
}

func (l *flakyLedger) ApplyTransfer(ctx context.Context, cand model.Cell, expectedPriorPriceCents int64) (*model.Cell, error) {
	key := [2]int{cand.X, cand.Y}
	if err, ok := l.transferErr[key]; ok {
		delete(l.transferErr, key)
		return nil, err
	}
	return l.fakeStore.ApplyTransfer(ctx, cand, expectedPriorPriceCents)
}

func flakyFixture(t *testing.T) (*fixture, *flakyLedger) {
	t.Helper()
	f := newFixture(t)
	ledger := &flakyLedger{fakeStore: f.store, transferErr: make(map[[2]int]error)}
	f.engine = NewEngine(ledger, f.store, f.sessions, testRules(), f.hub, f.audit.record, nil)
	f.engine.SetClock(func() time.Time { return f.now })
	return f, ledger
}

func TestReadFailurePropagatesAsError(t *testing.T) {
	f, ledger := flakyFixture(t)
	ledger.getErr = errors.New("driver: bad connection")

	_, err := f.engine.HandleEvent(context.Background(), singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.Error(t, err, "a read failure is not a business rejection; the gateway must redeliver")
	assert.Empty(t, f.audit.outcomes(), "no audit outcome may be fabricated for an unprocessed event")
	assert.Equal(t, 0, f.hub.count())
}

func TestTransferFailurePropagatesAsError(t *testing.T) {
	f, ledger := flakyFixture(t)
	ctx := context.Background()
	ledger.transferErr[[2]int{0, 0}] = errors.New("driver: bad connection")

	_, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.Error(t, err)
	assert.Empty(t, f.audit.outcomes(), "an aborted transfer must not be reported as stale_write")

	cell, getErr := f.store.GetCell(ctx, 0, 0)
	require.NoError(t, getErr)
	assert.Nil(t, cell, "nothing may be applied when the transfer errored")

	// The failure was transient; the redelivered event settles cleanly.
	res, err := f.engine.HandleEvent(ctx, singleEvent("pi_1", 0, 0, 100, 0, "alice"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)
}

func TestBulkRedeliveryResumesAfterMidWalkFailure(t *testing.T) {
	f, ledger := flakyFixture(t)
	ctx := context.Background()

	f.sessions.put(&model.BulkSession{
		SessionID: "sess-1",
		OwnerID:   "alice",
		OwnerName: "alice",
		Cells: []model.ProposedCell{
			{X: 0, Y: 0, Color: "#111", PriceCents: 100},
			{X: 1, Y: 1, Color: "#222", PriceCents: 100},
		},
	})
	ledger.transferErr[[2]int{1, 1}] = errors.New("driver: bad connection")

	_, err := f.engine.HandleEvent(ctx, bulkEvent("pi_bulk", "sess-1"))
	require.Error(t, err, "a mid-walk failure must surface so the gateway redelivers")

	// The first cell settled durably; the session survives the abort.
	first, _ := f.store.GetCell(ctx, 0, 0)
	require.NotNil(t, first)
	assert.Equal(t, "alice", first.OwnerID)
	_, sessErr := f.sessions.Get(ctx, "sess-1")
	require.NoError(t, sessErr)

	// Redelivery resumes: the settled cell resolves as a per-cell
	// duplicate and the remaining cell applies exactly once.
	res, err := f.engine.HandleEvent(ctx, bulkEvent("pi_bulk", "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, StateBroadcasted, res.State)
	require.Len(t, res.Cells, 2)
	assert.Equal(t, StateDuplicate, res.Cells[0].State)
	assert.Equal(t, StateBroadcasted, res.Cells[1].State)

	assert.Equal(t, 2, f.hub.count(), "each cell broadcasts exactly once across both deliveries")
	assert.Equal(t, []string{"applied", "applied"}, f.audit.outcomes())

	_, sessErr = f.sessions.Get(ctx, "sess-1")
	assert.ErrorIs(t, sessErr, repository.ErrSessionNotFound)
}

func TestBulkUnknownSessionIsDuplicate(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.HandleEvent(context.Background(), bulkEvent("pi_x", "never-created"))
	require.NoError(t, err)
	assert.Equal(t, StateDuplicate, res.State)
}

// Hammer one cell with concurrent settlements and verify the price only
// ever moved strictly upward: every recorded transfer raised the price,
// regardless of interleaving.
func TestConcurrentSettlementsKeepPriceStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		price := int64(100 * (1 + rng.Intn(50)))
		expected := int64(100 * rng.Intn(50))
		ref := fmt.Sprintf("pi_%d", i)
		owner := fmt.Sprintf("owner-%d", i%7)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.HandleEvent(ctx, singleEvent(ref, 0, 0, price, expected, owner))
		}()
	}
	wg.Wait()

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	last := int64(-1)
	for _, h := range f.store.history {
		assert.Greater(t, h.PriceCents, last, "history prices must never regress")
		last = h.PriceCents
	}
	if cell, ok := f.store.cells[[2]int{0, 0}]; ok {
		assert.Greater(t, cell.PriceCents, last, "current price must exceed every overwritten price")
	}
}
