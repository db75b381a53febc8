package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/risk"
)

// State describes a symbol's order book lifecycle
type State int

const (
	StateNoOrders State = iota
	StateOrdersLive
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateNoOrders:
		return "no_orders"
	case StateOrdersLive:
		return "orders_live"
	case StateRefreshing:
		return "refreshing"
	}
	return "unknown"
}

// Level is one desired rung of a grid ladder
type Level struct {
	Side     exchange.Side
	Price    float64
	Quantity float64
}

// Fill is an order that left the exchange book, assumed executed
type Fill struct {
	Order exchange.LiveOrder
}

// Manager owns all live orders. Nothing else places or cancels. Every
// exchange call goes through the governor; a rate-limit timeout abandons
// the rest of the operation for the cycle.
type Manager struct {
	client  exchange.Client
	gov     *exchange.Governor
	ledger  *risk.Ledger
	maxOpen int

	mu    sync.Mutex
	books map[string]*book
}

type book struct {
	state  State
	orders map[string]exchange.LiveOrder
	center float64 // ladder center at last placement
}

// NewManager creates a manager with a global cap on resting orders
func NewManager(client exchange.Client, gov *exchange.Governor, ledger *risk.Ledger, maxOpen int) *Manager {
	return &Manager{
		client:  client,
		gov:     gov,
		ledger:  ledger,
		maxOpen: maxOpen,
		books:   make(map[string]*book),
	}
}

func (m *Manager) book(symbol string) *book {
	b, ok := m.books[symbol]
	if !ok {
		b = &book{orders: make(map[string]exchange.LiveOrder)}
		m.books[symbol] = b
	}
	return b
}

// State returns the lifecycle state for a symbol
func (m *Manager) State(symbol string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book(symbol).state
}

// OpenOrders returns a copy of the live orders for a symbol
func (m *Manager) OpenOrders(symbol string) []exchange.LiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.book(symbol)
	out := make([]exchange.LiveOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

// OpenOrderCount is the total across all symbols
func (m *Manager) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.books {
		n += len(b.orders)
	}
	return n
}

// ============================================================================
// Entries and exits
// ============================================================================

// PlaceMarket submits a market order after reserving its margin. The
// reservation survives into the fill; the caller applies the fill to
// the ledger once it assumes execution.
func (m *Manager) PlaceMarket(ctx context.Context, contract exchange.Contract, symbol string, side exchange.Side, qty, refPrice float64, reduceOnly bool) error {
	notional := qty * refPrice
	if !reduceOnly {
		if err := m.ledger.Reserve(notional); err != nil {
			return err
		}
	}

	_, err := m.submit(ctx, exchange.OrderRequest{
		ContractID: contract.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Market:     true,
		ReduceOnly: reduceOnly,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		if !reduceOnly {
			m.ledger.Release(notional)
		}
		return err
	}
	return nil
}

// ============================================================================
// Grid ladder
// ============================================================================

// SyncLadder reconciles live orders against the desired ladder. A live
// order within tolerance of a desired level (same side) is kept as-is,
// so re-syncing an unchanged ladder makes zero exchange calls. Orders
// matching nothing are cancelled, unmatched levels are placed. Over the
// global cap the oldest resting order is evicted first. Per-order
// rejections are logged and skipped; a rate-limit timeout abandons the
// remainder until next cycle.
func (m *Manager) SyncLadder(ctx context.Context, contract exchange.Contract, symbol string, center float64, desired []Level, tolerance float64) error {
	m.mu.Lock()
	b := m.book(symbol)
	b.state = StateRefreshing
	live := make([]exchange.LiveOrder, 0, len(b.orders))
	for _, o := range b.orders {
		live = append(live, o)
	}
	m.mu.Unlock()

	// match live orders to desired levels
	matched := make(map[string]bool) // kept orderIDs
	satisfied := make(map[int]bool)  // desired indexes already covered
	for _, o := range live {
		for i, d := range desired {
			if satisfied[i] || d.Side != o.Side {
				continue
			}
			if math.Abs(o.Price-d.Price) <= tolerance {
				matched[o.OrderID] = true
				satisfied[i] = true
				break
			}
		}
	}

	// cancel leftovers
	for _, o := range live {
		if matched[o.OrderID] {
			continue
		}
		if err := m.cancel(ctx, o); err != nil {
			m.setStateFromBook(symbol)
			return fmt.Errorf("sync %s: %w", symbol, err)
		}
	}

	// place the missing rungs
	for i, d := range desired {
		if satisfied[i] {
			continue
		}
		if err := m.placeLevel(ctx, contract, symbol, d); err != nil {
			if _, rejected := asRejection(err); rejected {
				logger.Warnf("grid level %s %s @%.4f rejected: %v", symbol, d.Side, d.Price, err)
				continue
			}
			m.setStateFromBook(symbol)
			return fmt.Errorf("sync %s: %w", symbol, err)
		}
	}

	m.mu.Lock()
	if len(desired) > 0 {
		b.center = center
	}
	m.mu.Unlock()
	m.setStateFromBook(symbol)
	return nil
}

// NeedsRefresh reports whether price drifted beyond tolerance from the
// center the ladder was last placed around
func (m *Manager) NeedsRefresh(symbol string, price, tolerance float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.book(symbol)
	if len(b.orders) == 0 || b.center == 0 {
		return false
	}
	return math.Abs(price-b.center) > tolerance
}

func (m *Manager) placeLevel(ctx context.Context, contract exchange.Contract, symbol string, d Level) error {
	if d.Quantity <= 0 {
		return nil
	}
	if err := m.evictIfAtCap(ctx); err != nil {
		return err
	}

	notional := d.Quantity * d.Price
	if err := m.ledger.Reserve(notional); err != nil {
		logger.Warnf("grid level %s %s @%.4f skipped: %v", symbol, d.Side, d.Price, err)
		return nil
	}

	_, err := m.submit(ctx, exchange.OrderRequest{
		ContractID: contract.ID,
		Symbol:     symbol,
		Side:       d.Side,
		Quantity:   d.Quantity,
		Price:      exchange.RoundToTick(d.Price, contract.TickSize),
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		m.ledger.Release(notional)
		return err
	}
	return nil
}

// evictIfAtCap frees a slot by cancelling the oldest resting order
func (m *Manager) evictIfAtCap(ctx context.Context) error {
	m.mu.Lock()
	var oldest *exchange.LiveOrder
	total := 0
	for _, b := range m.books {
		total += len(b.orders)
		for _, o := range b.orders {
			o := o
			if oldest == nil || o.PlacedAt.Before(oldest.PlacedAt) {
				oldest = &o
			}
		}
	}
	m.mu.Unlock()

	if total < m.maxOpen || oldest == nil {
		return nil
	}
	logger.Infof("open order cap %d reached, evicting oldest %s %s @%.4f",
		m.maxOpen, oldest.Symbol, oldest.Side, oldest.Price)
	return m.cancel(ctx, *oldest)
}

// CancelAll removes every live order for a symbol
func (m *Manager) CancelAll(ctx context.Context, symbol string) error {
	m.mu.Lock()
	b := m.book(symbol)
	live := make([]exchange.LiveOrder, 0, len(b.orders))
	for _, o := range b.orders {
		live = append(live, o)
	}
	m.mu.Unlock()

	for _, o := range live {
		if err := m.cancel(ctx, o); err != nil {
			return err
		}
	}
	m.setStateFromBook(symbol)
	return nil
}

// ============================================================================
// Reconciliation
// ============================================================================

// Reconcile adopts orders already resting on the exchange, typically
// strays from a previous run. Called once per symbol at startup so the
// book reflects reality before the first cycle. Every adopted order
// gets a margin reservation like a freshly placed one, so a later
// cancel or fill settles it against the ledger the same way; a stray
// that no longer fits the exposure ceiling is cancelled instead.
func (m *Manager) Reconcile(ctx context.Context, contract exchange.Contract, symbol string) error {
	if err := m.gov.Acquire(ctx); err != nil {
		return err
	}

	var live []exchange.LiveOrder
	err := exchange.Retry(ctx, "open orders "+symbol, func() error {
		var ferr error
		live, ferr = m.client.GetOpenOrders(ctx, contract.ID)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", symbol, err)
	}

	adopted := make([]exchange.LiveOrder, 0, len(live))
	var oversized []exchange.LiveOrder
	for _, o := range live {
		o.Symbol = symbol
		if err := m.ledger.Reserve(o.Quantity * o.Price); err != nil {
			oversized = append(oversized, o)
			continue
		}
		adopted = append(adopted, o)
	}

	m.mu.Lock()
	b := m.book(symbol)
	b.orders = make(map[string]exchange.LiveOrder, len(adopted))
	for _, o := range adopted {
		b.orders[o.OrderID] = o
	}
	m.mu.Unlock()
	m.setStateFromBook(symbol)

	// these never held a reservation, so cancel without a release
	for _, o := range oversized {
		logger.Warnf("stray order %s %s %.6f @%.4f does not fit the exposure ceiling, cancelling",
			symbol, o.Side, o.Quantity, o.Price)
		if cerr := m.requestCancel(ctx, o); cerr != nil {
			logger.Warnf("cancel stray %s: %v", o.OrderID, cerr)
		}
	}

	if len(adopted) > 0 {
		logger.Infof("adopted %d resting orders for %s from a previous run", len(adopted), symbol)
	}
	return nil
}

// CheckFills diffs the local book against the exchange. Orders gone
// from the exchange side are assumed filled and returned; the book
// forgets them either way.
func (m *Manager) CheckFills(ctx context.Context, contract exchange.Contract, symbol string) ([]Fill, error) {
	m.mu.Lock()
	b := m.book(symbol)
	known := len(b.orders)
	m.mu.Unlock()
	if known == 0 {
		return nil, nil
	}

	if err := m.gov.Acquire(ctx); err != nil {
		return nil, err
	}
	var live []exchange.LiveOrder
	err := exchange.Retry(ctx, "open orders "+symbol, func() error {
		var ferr error
		live, ferr = m.client.GetOpenOrders(ctx, contract.ID)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("check fills %s: %w", symbol, err)
	}

	alive := make(map[string]bool, len(live))
	for _, o := range live {
		alive[o.OrderID] = true
	}

	m.mu.Lock()
	var fills []Fill
	for id, o := range b.orders {
		if !alive[id] {
			fills = append(fills, Fill{Order: o})
			delete(b.orders, id)
		}
	}
	m.mu.Unlock()
	m.setStateFromBook(symbol)
	return fills, nil
}

// ============================================================================
// Plumbing
// ============================================================================

func (m *Manager) submit(ctx context.Context, req exchange.OrderRequest) (exchange.LiveOrder, error) {
	if err := m.gov.Acquire(ctx); err != nil {
		return exchange.LiveOrder{}, err
	}

	var placed exchange.LiveOrder
	var rejection error
	err := exchange.Retry(ctx, "place order "+req.Symbol, func() error {
		var ferr error
		placed, ferr = m.client.PlaceOrder(ctx, req)
		if _, rejected := asRejection(ferr); rejected {
			// a rejection is an answer, not a transport failure
			rejection = ferr
			return nil
		}
		return ferr
	})
	if err != nil {
		return exchange.LiveOrder{}, err
	}
	if rejection != nil {
		return exchange.LiveOrder{}, rejection
	}

	if !req.Market {
		m.mu.Lock()
		m.book(req.Symbol).orders[placed.OrderID] = placed
		m.mu.Unlock()
	}
	return placed, nil
}

// cancel removes a booked order and returns its margin reservation
func (m *Manager) cancel(ctx context.Context, o exchange.LiveOrder) error {
	if err := m.requestCancel(ctx, o); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.book(o.Symbol).orders, o.OrderID)
	m.mu.Unlock()
	m.ledger.Release(o.Quantity * o.Price)
	return nil
}

// requestCancel sends the cancellation without touching book or ledger
func (m *Manager) requestCancel(ctx context.Context, o exchange.LiveOrder) error {
	if err := m.gov.Acquire(ctx); err != nil {
		return err
	}
	return exchange.Retry(ctx, "cancel order "+o.Symbol, func() error {
		return m.client.CancelOrder(ctx, o.ContractID, o.OrderID)
	})
}

func (m *Manager) setStateFromBook(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.book(symbol)
	if len(b.orders) == 0 {
		b.state = StateNoOrders
	} else {
		b.state = StateOrdersLive
	}
}

func asRejection(err error) (*exchange.OrderRejectedError, bool) {
	if err == nil {
		return nil, false
	}
	var rej *exchange.OrderRejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
