package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/exchange"
	"gridbot/logger"
)

// ErrSizeTooSmall means the computed quantity floored to zero or fell
// under the contract minimum. The order is dropped, nothing else fails.
var ErrSizeTooSmall = errors.New("position size below contract minimum")

// ErrExposureLimit means the order would push aggregate margin past the
// configured ceiling. The order is rejected whole, never shrunk.
var ErrExposureLimit = errors.New("aggregate exposure limit reached")

// ErrTradingPaused means the daily loss breaker tripped; no new entries
// until the next trading day.
var ErrTradingPaused = errors.New("trading paused by daily loss limit")

// ErrBalanceFloor means available balance is too thin to support a
// minimum order with the configured safety multiplier.
var ErrBalanceFloor = errors.New("available balance below safety floor")

// Position is one open position. At most one per symbol.
type Position struct {
	Symbol     string
	Side       exchange.Side
	Quantity   float64
	EntryPrice float64
	OpenedAt   time.Time
}

// UnrealizedPnL at the given mark price
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Side == exchange.SideBuy {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// pnlPct is the relative move from entry, signed in the position's favor
func (p Position) pnlPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == exchange.SideBuy {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// Limits are the ledger's risk tunables
type Limits struct {
	BasePositionPct      float64
	MaxPositionPct       float64
	Leverage             float64
	StopLossPct          float64
	TakeProfitPct        float64
	DailyLossLimitPct    float64
	MinBalanceMultiplier float64
}

// Ledger owns position state and every risk check. All mutation goes
// through one mutex so the exposure invariant holds under concurrent
// symbol cycles: reserved + position margin never exceeds
// MaxPositionPct of equity.
type Ledger struct {
	limits Limits

	mu             sync.Mutex
	account        exchange.AccountSnapshot
	positions      map[string]*Position
	reservedMargin float64

	day            time.Time
	dayStartEquity float64
	realizedToday  float64
	paused         bool
}

// NewLedger creates an empty ledger
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:    limits,
		positions: make(map[string]*Position),
	}
}

// SetAccount installs a fresh account snapshot. Crossing a day boundary
// resets the daily tallies and re-arms the loss breaker.
func (l *Ledger) SetAccount(snap exchange.AccountSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := snap.FetchedAt.Truncate(24 * time.Hour)
	if !day.Equal(l.day) {
		if !l.day.IsZero() {
			logger.Infof("new trading day, daily tallies reset (yesterday pnl %.4f)", l.realizedToday)
		}
		l.day = day
		l.dayStartEquity = snap.Equity
		l.realizedToday = 0
		l.paused = false
	}
	l.account = snap
}

// Account returns the latest snapshot
func (l *Ledger) Account() exchange.AccountSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

// SizeFor computes the order quantity for an entry at price using pct
// of equity, floored to the contract step. A result below the contract
// minimum is ErrSizeTooSmall and the order is dropped.
func (l *Ledger) SizeFor(contract exchange.Contract, price, pct float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("sizing %s: price must be positive", contract.Symbol)
	}
	l.mu.Lock()
	equity := l.account.Equity
	l.mu.Unlock()

	qty := exchange.FloorToStep(equity*pct/price, contract.StepSize)
	if qty <= 0 || qty < contract.MinOrderSize {
		return 0, fmt.Errorf("%w: %s qty %.8f (min %.8f)",
			ErrSizeTooSmall, contract.Symbol, qty, contract.MinOrderSize)
	}
	return qty, nil
}

// CanEnter gates new entries on the daily loss breaker and the balance
// floor. Exits are never gated.
func (l *Ledger) CanEnter(contract exchange.Contract, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return ErrTradingPaused
	}
	floor := contract.MinOrderSize * price * l.limits.MinBalanceMultiplier
	if floor > 0 && l.account.AvailableBalance < floor {
		return fmt.Errorf("%w: available %.2f, need %.2f",
			ErrBalanceFloor, l.account.AvailableBalance, floor)
	}
	return nil
}

// Reserve claims margin for an order about to be placed. The check and
// the add are one critical section, so concurrent cycles cannot
// together overshoot the ceiling. Pair with Release when the order
// dies, or with ApplyFill when it fills.
func (l *Ledger) Reserve(notional float64) error {
	if notional <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	margin := notional / l.limits.Leverage
	ceiling := l.limits.MaxPositionPct * l.account.Equity
	if l.marginUsedLocked()+margin > ceiling {
		return fmt.Errorf("%w: used %.2f + new %.2f > ceiling %.2f",
			ErrExposureLimit, l.marginUsedLocked(), margin, ceiling)
	}
	l.reservedMargin += margin
	return nil
}

// Release returns margin reserved for an order that was cancelled or
// rejected
func (l *Ledger) Release(notional float64) {
	if notional <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reservedMargin -= notional / l.limits.Leverage
	if l.reservedMargin < 0 {
		l.reservedMargin = 0
	}
}

// MarginUsed is the current aggregate: reservations plus open positions
func (l *Ledger) MarginUsed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marginUsedLocked()
}

func (l *Ledger) marginUsedLocked() float64 {
	used := l.reservedMargin
	for _, p := range l.positions {
		used += p.Quantity * p.EntryPrice / l.limits.Leverage
	}
	return used
}

// ApplyFill records a fill, converting its reservation into position
// margin. A fill against an open position reduces or closes it and
// realizes PnL; the realized amount is returned (zero for opens).
func (l *Ledger) ApplyFill(symbol string, side exchange.Side, qty, price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	// the order's reservation is consumed either way
	l.reservedMargin -= qty * price / l.limits.Leverage
	if l.reservedMargin < 0 {
		l.reservedMargin = 0
	}

	pos, ok := l.positions[symbol]
	if !ok {
		l.positions[symbol] = &Position{
			Symbol: symbol, Side: side, Quantity: qty,
			EntryPrice: price, OpenedAt: time.Now(),
		}
		return 0
	}

	if pos.Side == side {
		// extend: volume-weighted entry
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		return 0
	}

	// opposite side reduces or closes
	closed := qty
	if closed > pos.Quantity {
		closed = pos.Quantity
	}
	realized := Position{Side: pos.Side, EntryPrice: pos.EntryPrice, Quantity: closed}.UnrealizedPnL(price)
	pos.Quantity -= closed
	if pos.Quantity <= 0 {
		delete(l.positions, symbol)
	}
	l.realizeLocked(realized)
	return realized
}

// ClosePosition removes a position at the given price and realizes its
// PnL. Used when a market exit fill is assumed complete.
func (l *Ledger) ClosePosition(symbol string, price float64) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return 0, false
	}
	realized := pos.UnrealizedPnL(price)
	delete(l.positions, symbol)
	l.realizeLocked(realized)
	return realized, true
}

func (l *Ledger) realizeLocked(pnl float64) {
	l.realizedToday += pnl
	limit := l.limits.DailyLossLimitPct * l.dayStartEquity
	if limit > 0 && l.realizedToday <= -limit && !l.paused {
		l.paused = true
		logger.Errorf("daily loss limit hit (%.4f <= -%.4f), pausing new entries", l.realizedToday, limit)
	}
}

// CheckStopTakeProfit reports whether the position at symbol breached
// its stop loss or take profit at price. A breach demands an immediate
// exit regardless of what the signal engine would say.
func (l *Ledger) CheckStopTakeProfit(symbol string, price float64) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || price <= 0 {
		return Position{}, false
	}
	pct := pos.pnlPct(price)
	if pct <= -l.limits.StopLossPct || pct >= l.limits.TakeProfitPct {
		return *pos, true
	}
	return Position{}, false
}

// Position returns the open position for symbol, if any
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return *p, true
	}
	return Position{}, false
}

// Positions returns a copy of all open positions
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// RealizedToday returns today's realized PnL
func (l *Ledger) RealizedToday() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realizedToday
}

// Paused reports whether the daily loss breaker has tripped
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}
