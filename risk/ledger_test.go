package risk

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/exchange"
)

func testLimits() Limits {
	return Limits{
		BasePositionPct:      0.05,
		MaxPositionPct:       0.50,
		Leverage:             10,
		StopLossPct:          0.004,
		TakeProfitPct:        0.004,
		DailyLossLimitPct:    0.05,
		MinBalanceMultiplier: 2,
	}
}

func testLedger(equity float64) *Ledger {
	l := NewLedger(testLimits())
	l.SetAccount(exchange.AccountSnapshot{
		Equity:           equity,
		AvailableBalance: equity,
		FetchedAt:        time.Now(),
	})
	return l
}

func btc() exchange.Contract {
	return exchange.Contract{ID: "1", Symbol: "BTCUSD", StepSize: 0.001, MinOrderSize: 0.001, TickSize: 0.1}
}

// ============================================================================
// Sizing
// ============================================================================

func TestSizeFor(t *testing.T) {
	l := testLedger(10000)

	// 10000 * 0.05 / 50000 = 0.01, already on step
	qty, err := l.SizeFor(btc(), 50000, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 0.01, qty)
}

func TestSizeForFloorsToStep(t *testing.T) {
	l := testLedger(10000)

	// 10000 * 0.05 / 43210 = 0.0115713..., floors to 0.011
	qty, err := l.SizeFor(btc(), 43210, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 0.011, qty)
}

func TestSizeForTooSmall(t *testing.T) {
	l := testLedger(100)

	// 100 * 0.05 / 60000 floors to zero
	_, err := l.SizeFor(btc(), 60000, 0.05)
	assert.ErrorIs(t, err, ErrSizeTooSmall)
}

func TestSizeForExactlyMinimumPasses(t *testing.T) {
	l := testLedger(10000)

	// 10000 * pct / price == exactly one step
	qty, err := l.SizeFor(btc(), 50000, 0.00001*500)
	require.NoError(t, err)
	assert.Equal(t, 0.001, qty)
}

func TestSizeForJustUnderMinimumFails(t *testing.T) {
	c := btc()
	c.MinOrderSize = 0.01
	l := testLedger(10000)

	// 494 / 52000 = 0.0095, floors to 0.009, below the 0.01 contract minimum
	_, err := l.SizeFor(c, 52000, 0.0494)
	assert.ErrorIs(t, err, ErrSizeTooSmall)
}

// ============================================================================
// Exposure
// ============================================================================

func TestReserveRejectsWholeOrderOverCeiling(t *testing.T) {
	l := testLedger(10000) // ceiling = 0.5 * 10000 = 5000 margin

	require.NoError(t, l.Reserve(40000)) // 4000 margin
	err := l.Reserve(15000)              // 1500 margin, would total 5500
	assert.ErrorIs(t, err, ErrExposureLimit)

	// rejected order reserved nothing
	assert.InDelta(t, 4000, l.MarginUsed(), 1e-9)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	l := testLedger(10000)

	require.NoError(t, l.Reserve(30000))
	l.Release(30000)
	assert.Zero(t, l.MarginUsed())
}

func TestExposureInvariantUnderConcurrentFills(t *testing.T) {
	l := testLedger(10000)
	ceiling := 0.5 * 10000.0

	rng := rand.New(rand.NewSource(42))
	notionals := make([]float64, 200)
	for i := range notionals {
		notionals[i] = 100 + rng.Float64()*9900
	}

	var wg sync.WaitGroup
	for i, n := range notionals {
		wg.Add(1)
		go func(i int, notional float64) {
			defer wg.Done()
			if err := l.Reserve(notional); err != nil {
				return
			}
			// half the accepted orders fill, half die
			if i%2 == 0 {
				l.ApplyFill("SYM", exchange.SideBuy, notional/50000, 50000)
			} else {
				l.Release(notional)
			}
			assert.LessOrEqual(t, l.MarginUsed(), ceiling+1e-6)
		}(i, n)
	}
	wg.Wait()

	assert.LessOrEqual(t, l.MarginUsed(), ceiling+1e-6)
}

// ============================================================================
// Fills and positions
// ============================================================================

func TestApplyFillOpensPosition(t *testing.T) {
	l := testLedger(10000)
	require.NoError(t, l.Reserve(500))

	realized := l.ApplyFill("BTC-USDT", exchange.SideBuy, 0.01, 50000)
	assert.Zero(t, realized)

	pos, ok := l.Position("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, exchange.SideBuy, pos.Side)
	assert.Equal(t, 0.01, pos.Quantity)
	assert.Equal(t, 50000.0, pos.EntryPrice)
}

func TestApplyFillExtendsWithWeightedEntry(t *testing.T) {
	l := testLedger(100000)
	l.ApplyFill("BTC-USDT", exchange.SideBuy, 0.01, 50000)
	l.ApplyFill("BTC-USDT", exchange.SideBuy, 0.01, 51000)

	pos, ok := l.Position("BTC-USDT")
	require.True(t, ok)
	assert.InDelta(t, 0.02, pos.Quantity, 1e-12)
	assert.InDelta(t, 50500, pos.EntryPrice, 1e-9)
}

func TestApplyFillOppositeSideCloses(t *testing.T) {
	l := testLedger(10000)
	l.ApplyFill("ETH-USDT", exchange.SideSell, 1, 2000)

	realized := l.ApplyFill("ETH-USDT", exchange.SideBuy, 1, 1990)
	assert.InDelta(t, 10, realized, 1e-9)

	_, ok := l.Position("ETH-USDT")
	assert.False(t, ok)
	assert.InDelta(t, 10, l.RealizedToday(), 1e-9)
}

func TestClosePosition(t *testing.T) {
	l := testLedger(10000)
	l.ApplyFill("BTC-USDT", exchange.SideBuy, 0.01, 50000)

	realized, ok := l.ClosePosition("BTC-USDT", 50500)
	require.True(t, ok)
	assert.InDelta(t, 5, realized, 1e-9)

	_, again := l.ClosePosition("BTC-USDT", 50500)
	assert.False(t, again)
}

// ============================================================================
// Stops, take profit, breakers
// ============================================================================

func TestCheckStopTakeProfit(t *testing.T) {
	tests := []struct {
		name   string
		side   exchange.Side
		entry  float64
		price  float64
		breach bool
	}{
		{"long stop loss", exchange.SideBuy, 50000, 49799, true},   // -0.402%
		{"long take profit", exchange.SideBuy, 50000, 50201, true}, // +0.402%
		{"long inside band", exchange.SideBuy, 50000, 50100, false},
		{"short stop loss", exchange.SideSell, 50000, 50201, true},
		{"short take profit", exchange.SideSell, 50000, 49799, true},
		{"short inside band", exchange.SideSell, 50000, 49900, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLedger(1000000)
			l.ApplyFill("X", tt.side, 1, tt.entry)

			pos, breached := l.CheckStopTakeProfit("X", tt.price)
			assert.Equal(t, tt.breach, breached)
			if tt.breach {
				assert.Equal(t, tt.side, pos.Side)
			}
		})
	}
}

func TestCheckStopTakeProfitNoPosition(t *testing.T) {
	l := testLedger(10000)
	_, breached := l.CheckStopTakeProfit("BTC-USDT", 50000)
	assert.False(t, breached)
}

func TestDailyLossBreakerPausesEntries(t *testing.T) {
	l := testLedger(10000) // limit: 5% of 10000 = 500

	l.ApplyFill("BTC-USDT", exchange.SideBuy, 1, 50000)
	l.ClosePosition("BTC-USDT", 49400) // -600 realized

	assert.True(t, l.Paused())
	assert.ErrorIs(t, l.CanEnter(btc(), 50000), ErrTradingPaused)
}

func TestDayBoundaryResetsBreaker(t *testing.T) {
	l := testLedger(10000)
	l.ApplyFill("BTC-USDT", exchange.SideBuy, 1, 50000)
	l.ClosePosition("BTC-USDT", 49400)
	require.True(t, l.Paused())

	l.SetAccount(exchange.AccountSnapshot{
		Equity: 9400, AvailableBalance: 9400,
		FetchedAt: time.Now().Add(24 * time.Hour),
	})

	assert.False(t, l.Paused())
	assert.Zero(t, l.RealizedToday())
}

func TestCanEnterBalanceFloor(t *testing.T) {
	l := testLedger(10000)
	l.SetAccount(exchange.AccountSnapshot{
		Equity: 10000, AvailableBalance: 50, FetchedAt: time.Now(),
	})

	// floor = 0.001 * 50000 * 2 = 100 > 50 available
	assert.ErrorIs(t, l.CanEnter(btc(), 50000), ErrBalanceFloor)
}
