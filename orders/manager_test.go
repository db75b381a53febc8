package orders

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/exchange"
	"gridbot/risk"
)

// fakeExchange keeps an in-memory order book behind the Client interface
type fakeExchange struct {
	exchange.Client

	mu       chan struct{} // 1-slot semaphore, tests hit this concurrently
	nextID   atomic.Int64
	resting  map[string]exchange.LiveOrder
	placeErr func(req exchange.OrderRequest) error
	placeN   atomic.Int64
	cancelN  atomic.Int64
	openN    atomic.Int64
}

func newFakeExchange() *fakeExchange {
	f := &fakeExchange{
		mu:      make(chan struct{}, 1),
		resting: map[string]exchange.LiveOrder{},
	}
	f.mu <- struct{}{}
	return f
}

func (f *fakeExchange) lock()   { <-f.mu }
func (f *fakeExchange) unlock() { f.mu <- struct{}{} }

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.LiveOrder, error) {
	f.placeN.Add(1)
	if f.placeErr != nil {
		if err := f.placeErr(req); err != nil {
			return exchange.LiveOrder{}, err
		}
	}
	o := exchange.LiveOrder{
		OrderID:    fmt.Sprintf("o-%d", f.nextID.Add(1)),
		ContractID: req.ContractID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		PlacedAt:   time.Now().Add(time.Duration(f.nextID.Load()) * time.Microsecond),
	}
	if !req.Market {
		f.lock()
		f.resting[o.OrderID] = o
		f.unlock()
	}
	return o, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, contractID, orderID string) error {
	f.cancelN.Add(1)
	f.lock()
	delete(f.resting, orderID)
	f.unlock()
	return nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, contractID string) ([]exchange.LiveOrder, error) {
	f.openN.Add(1)
	f.lock()
	defer f.unlock()
	out := make([]exchange.LiveOrder, 0, len(f.resting))
	for _, o := range f.resting {
		if contractID == "" || o.ContractID == contractID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeExchange) calls() int64 {
	return f.placeN.Load() + f.cancelN.Load() + f.openN.Load()
}

func newTestManager(f *fakeExchange, maxOpen int) (*Manager, *risk.Ledger, func()) {
	gov := exchange.NewGovernor(time.Millisecond, 5*time.Second)
	ledger := risk.NewLedger(risk.Limits{
		BasePositionPct: 0.05, MaxPositionPct: 0.9, Leverage: 10,
		StopLossPct: 0.004, TakeProfitPct: 0.004,
	})
	ledger.SetAccount(exchange.AccountSnapshot{
		Equity: 1e7, AvailableBalance: 1e7, FetchedAt: time.Now(),
	})
	return NewManager(f, gov, ledger, maxOpen), ledger, gov.Stop
}

func contract() exchange.Contract {
	return exchange.Contract{ID: "10000001", Symbol: "BTCUSD", TickSize: 0.1, StepSize: 0.001, MinOrderSize: 0.001}
}

func ladder(center float64) []Level {
	spacing := center * 0.0005
	var out []Level
	for i := 1; i <= 3; i++ {
		out = append(out,
			Level{Side: exchange.SideBuy, Price: center - spacing*float64(i), Quantity: 0.01},
			Level{Side: exchange.SideSell, Price: center + spacing*float64(i), Quantity: 0.01},
		)
	}
	return out
}

func TestSyncLadderPlacesFullGridInOneCall(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	err := m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5)
	require.NoError(t, err)

	assert.Len(t, m.OpenOrders("BTC-USDT"), 6, "three levels per side")
	assert.Equal(t, int64(6), f.placeN.Load())
	assert.Zero(t, f.cancelN.Load())
	assert.Equal(t, StateOrdersLive, m.State("BTC-USDT"))
}

func TestSyncLadderIsIdempotent(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	lv := ladder(50000)
	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, lv, 12.5))
	before := f.calls()

	// identical ladder again: nothing to cancel, nothing to place
	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, lv, 12.5))
	assert.Equal(t, before, f.calls(), "unchanged ladder must make zero exchange calls")
}

func TestSyncLadderToleratesSmallDrift(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5))
	before := f.calls()

	// center moved less than half a grid step (spacing 25, tolerance 12.5)
	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50010, ladder(50010), 12.5))
	assert.Equal(t, before, f.calls())
}

func TestSyncLadderReplacesOnLargeDrift(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5))

	// a full step away: every old rung is cancelled and re-placed
	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50500, ladder(50500), 12.5))
	assert.Equal(t, int64(6), f.cancelN.Load())
	assert.Equal(t, int64(12), f.placeN.Load())
	assert.Len(t, m.OpenOrders("BTC-USDT"), 6)
}

func TestSyncLadderSkipsRejectedLevels(t *testing.T) {
	f := newFakeExchange()
	f.placeErr = func(req exchange.OrderRequest) error {
		if req.Side == exchange.SideSell {
			return &exchange.OrderRejectedError{Symbol: req.Symbol, Side: req.Side, Reason: "post-only would cross"}
		}
		return nil
	}
	m, _, stop := newTestManager(f, 50)
	defer stop()

	err := m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5)
	require.NoError(t, err, "per-order rejections must not abort the sync")
	assert.Len(t, m.OpenOrders("BTC-USDT"), 3, "the buy side still went out")
}

func TestCapEvictsOldestFirst(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 6)
	defer stop()

	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5))
	oldest := m.OpenOrders("BTC-USDT")[0]

	// the seventh order arrives at the cap of six
	eth := exchange.Contract{ID: "10000002", Symbol: "ETHUSD", TickSize: 0.01, StepSize: 0.01, MinOrderSize: 0.01}
	err := m.SyncLadder(context.Background(), eth, "ETH-USDT",
		2000, []Level{{Side: exchange.SideBuy, Price: 1999, Quantity: 0.1}}, 0.5)
	require.NoError(t, err)

	assert.Equal(t, 6, m.OpenOrderCount())
	for _, o := range m.OpenOrders("BTC-USDT") {
		assert.NotEqual(t, oldest.OrderID, o.OrderID, "oldest order should have been evicted")
	}
}

func TestCheckFillsReportsDisappearedOrders(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5))
	orders := m.OpenOrders("BTC-USDT")

	// two orders execute on the exchange side
	f.lock()
	delete(f.resting, orders[0].OrderID)
	delete(f.resting, orders[1].OrderID)
	f.unlock()

	fills, err := m.CheckFills(context.Background(), contract(), "BTC-USDT")
	require.NoError(t, err)
	assert.Len(t, fills, 2)
	assert.Len(t, m.OpenOrders("BTC-USDT"), 4)
}

func TestReconcileAdoptsStrays(t *testing.T) {
	f := newFakeExchange()
	f.lock()
	f.resting["stray-1"] = exchange.LiveOrder{
		OrderID: "stray-1", ContractID: "10000001", Side: exchange.SideBuy,
		Quantity: 0.01, Price: 49000, PlacedAt: time.Now().Add(-time.Hour),
	}
	f.unlock()

	m, ledger, stop := newTestManager(f, 50)
	defer stop()

	require.NoError(t, m.Reconcile(context.Background(), contract(), "BTC-USDT"))
	orders := m.OpenOrders("BTC-USDT")
	require.Len(t, orders, 1)
	assert.Equal(t, "stray-1", orders[0].OrderID)
	assert.Equal(t, StateOrdersLive, m.State("BTC-USDT"))

	// adoption carries the same reservation a fresh placement would,
	// and cancelling hands exactly that much back
	assert.InDelta(t, 0.01*49000/10, ledger.MarginUsed(), 1e-9)
	require.NoError(t, m.CancelAll(context.Background(), "BTC-USDT"))
	assert.Zero(t, ledger.MarginUsed())
}

func TestReconcileCancelsStraysOverTheCeiling(t *testing.T) {
	f := newFakeExchange()
	f.lock()
	f.resting["stray-big"] = exchange.LiveOrder{
		OrderID: "stray-big", ContractID: "10000001", Side: exchange.SideBuy,
		Quantity: 1, Price: 50000, PlacedAt: time.Now().Add(-time.Hour),
	}
	f.unlock()

	gov := exchange.NewGovernor(time.Millisecond, 5*time.Second)
	defer gov.Stop()
	ledger := risk.NewLedger(risk.Limits{
		BasePositionPct: 0.05, MaxPositionPct: 0.0001, Leverage: 10,
		StopLossPct: 0.004, TakeProfitPct: 0.004,
	})
	ledger.SetAccount(exchange.AccountSnapshot{
		Equity: 1e7, AvailableBalance: 1e7, FetchedAt: time.Now(),
	})
	m := NewManager(f, gov, ledger, 50)

	require.NoError(t, m.Reconcile(context.Background(), contract(), "BTC-USDT"))

	assert.Empty(t, m.OpenOrders("BTC-USDT"))
	assert.Equal(t, int64(1), f.cancelN.Load(), "the oversized stray is cancelled on the exchange")
	assert.Zero(t, ledger.MarginUsed(), "an unadopted stray must not hold margin")
	assert.Equal(t, StateNoOrders, m.State("BTC-USDT"))
}

func TestPlaceMarketReleasesMarginOnRejection(t *testing.T) {
	f := newFakeExchange()
	f.placeErr = func(req exchange.OrderRequest) error {
		return &exchange.OrderRejectedError{Symbol: req.Symbol, Side: req.Side, Reason: "margin check failed"}
	}
	m, ledger, stop := newTestManager(f, 50)
	defer stop()

	err := m.PlaceMarket(context.Background(), contract(), "BTC-USDT", exchange.SideBuy, 0.01, 50000, false)
	require.Error(t, err)
	assert.Zero(t, ledger.MarginUsed(), "failed order must not leak reserved margin")
}

func TestNeedsRefresh(t *testing.T) {
	f := newFakeExchange()
	m, _, stop := newTestManager(f, 50)
	defer stop()

	assert.False(t, m.NeedsRefresh("BTC-USDT", 50000, 12.5), "no ladder yet")

	require.NoError(t, m.SyncLadder(context.Background(), contract(), "BTC-USDT", 50000, ladder(50000), 12.5))
	assert.False(t, m.NeedsRefresh("BTC-USDT", 50010, 12.5))
	assert.True(t, m.NeedsRefresh("BTC-USDT", 50030, 12.5))
}
