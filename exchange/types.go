package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order or position direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reverse direction
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Contract is exchange metadata for one tradable instrument.
// Resolved once per symbol and cached for the process lifetime.
type Contract struct {
	ID           string  // exchange-side numeric contract id
	Symbol       string  // exchange-side contract name, e.g. BTCUSDT
	MinOrderSize float64 // smallest allowed order quantity
	TickSize     float64 // price increment
	StepSize     float64 // quantity increment
}

// Kline is one OHLCV bar
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Tick is one ticker update from the push feed
type Tick struct {
	ContractID string
	Price      float64
	Volume     float64
	Time       time.Time
}

// AccountSnapshot is a read-only view of account state
type AccountSnapshot struct {
	Equity           float64
	AvailableBalance float64
	MarginUsed       float64
	FetchedAt        time.Time
}

// OrderRequest describes an order to be placed
type OrderRequest struct {
	ContractID string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64 // ignored when Market
	Market     bool
	ReduceOnly bool
	ClientID   string
}

// LiveOrder is an order resting on the exchange
type LiveOrder struct {
	OrderID    string
	ContractID string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	PlacedAt   time.Time
}

// Client is the exchange adapter surface the engine depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	GetContractDirectory(ctx context.Context) ([]Contract, error)
	GetKlines(ctx context.Context, contractID string, interval string, limit int) ([]Kline, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (LiveOrder, error)
	CancelOrder(ctx context.Context, contractID, orderID string) error
	GetOpenOrders(ctx context.Context, contractID string) ([]LiveOrder, error)
}

// ============================================================================
// Increment rounding
// ============================================================================

// FloorToStep floors qty to a whole multiple of step. Exact decimal
// arithmetic so 0.0700000001 does not round up to a tradable size.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}

// RoundToTick rounds price to the nearest multiple of tick
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}
