package monitor

import (
	"sync"
	"time"

	"gridbot/logger"
	"gridbot/risk"
)

const (
	eventBuffer      = 256
	equityHistoryCap = 1000
)

// Event is one observation pushed by the trading side
type Event struct {
	Symbol   string
	Kind     EventKind
	PnL      float64 // realized, closes only
	Notional float64
}

// EventKind classifies an event
type EventKind int

const (
	EventFill EventKind = iota
	EventClose
	EventRejection
)

// Snapshot is one periodic performance report
type Snapshot struct {
	Time          time.Time `json:"time"`
	Equity        float64   `json:"equity"`
	DailyPnL      float64   `json:"daily_pnl"`
	Trades        int       `json:"trades"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	WinRate       float64   `json:"win_rate"`
	DailyVolume   float64   `json:"daily_volume"`
	OpenPositions int       `json:"open_positions"`
	OpenOrders    int       `json:"open_orders"`
	MarginUsed    float64   `json:"margin_used"`
	Rejections    int       `json:"rejections"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	Paused        bool      `json:"paused"`
}

// Monitor tallies trading events and logs a report every interval.
// Observers never block trading: the event channel drops when full.
type Monitor struct {
	ledger     *risk.Ledger
	openOrders func() int
	interval   time.Duration

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	trades     int
	wins       int
	losses     int
	rejections int
	volume     float64
	day        time.Time
	equityHist []float64
	latest     Snapshot
}

// New creates a monitor reading position state from the ledger and the
// order count from openOrders
func New(ledger *risk.Ledger, openOrders func() int, interval time.Duration) *Monitor {
	return &Monitor{
		ledger:     ledger,
		openOrders: openOrders,
		interval:   interval,
		events:     make(chan Event, eventBuffer),
		stopCh:     make(chan struct{}),
	}
}

// Observe records an event without ever blocking the caller. Under
// backpressure the event is dropped; the report is best-effort.
func (m *Monitor) Observe(e Event) {
	select {
	case m.events <- e:
	default:
	}
}

// Start launches the consume and report loops
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop drains and halts the loops
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.events:
			m.apply(e)
		case <-ticker.C:
			m.report()
		case <-m.stopCh:
			// drain whatever is buffered, then a final report
			for {
				select {
				case e := <-m.events:
					m.apply(e)
				default:
					m.report()
					return
				}
			}
		}
	}
}

func (m *Monitor) apply(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(time.Now())

	switch e.Kind {
	case EventFill:
		m.volume += e.Notional
	case EventClose:
		m.volume += e.Notional
		m.trades++
		if e.PnL >= 0 {
			m.wins++
			metricTrades.WithLabelValues(e.Symbol, "win").Inc()
		} else {
			m.losses++
			metricTrades.WithLabelValues(e.Symbol, "loss").Inc()
		}
	case EventRejection:
		m.rejections++
		metricRejections.WithLabelValues(e.Symbol).Inc()
	}
}

func (m *Monitor) rolloverLocked(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(m.day) {
		m.day = day
		m.trades, m.wins, m.losses, m.rejections = 0, 0, 0, 0
		m.volume = 0
	}
}

// Snapshot returns the latest report
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *Monitor) report() {
	snap := m.buildSnapshot(time.Now())

	logger.Infof("==== performance report ====")
	logger.Infof("equity %.2f | daily pnl %.4f | volume %.2f", snap.Equity, snap.DailyPnL, snap.DailyVolume)
	logger.Infof("trades %d (w %d / l %d, win rate %.1f%%) | rejections %d",
		snap.Trades, snap.Wins, snap.Losses, snap.WinRate*100, snap.Rejections)
	logger.Infof("positions %d | orders %d | margin used %.2f | max drawdown %.2f%%",
		snap.OpenPositions, snap.OpenOrders, snap.MarginUsed, snap.MaxDrawdown*100)
	if snap.Paused {
		logger.Warnf("entries paused by the daily loss breaker")
	}

	for _, p := range m.ledger.Positions() {
		logger.Infof("  %s %s qty %.6f entry %.4f", p.Symbol, p.Side, p.Quantity, p.EntryPrice)
	}
}

func (m *Monitor) buildSnapshot(now time.Time) Snapshot {
	account := m.ledger.Account()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(now)

	if account.Equity > 0 {
		m.equityHist = append(m.equityHist, account.Equity)
		if len(m.equityHist) > equityHistoryCap {
			m.equityHist = append(m.equityHist[:0], m.equityHist[len(m.equityHist)-equityHistoryCap:]...)
		}
	}

	snap := Snapshot{
		Time:          now,
		Equity:        account.Equity,
		DailyPnL:      m.ledger.RealizedToday(),
		Trades:        m.trades,
		Wins:          m.wins,
		Losses:        m.losses,
		DailyVolume:   m.volume,
		OpenPositions: len(m.ledger.Positions()),
		MarginUsed:    m.ledger.MarginUsed(),
		Rejections:    m.rejections,
		MaxDrawdown:   maxDrawdown(m.equityHist),
		Paused:        m.ledger.Paused(),
	}
	if m.openOrders != nil {
		snap.OpenOrders = m.openOrders()
	}
	if snap.Trades > 0 {
		snap.WinRate = float64(snap.Wins) / float64(snap.Trades)
	}

	metricEquity.Set(snap.Equity)
	metricDailyPnL.Set(snap.DailyPnL)
	metricOpenPositions.Set(float64(snap.OpenPositions))
	metricOpenOrders.Set(float64(snap.OpenOrders))
	metricMarginUsed.Set(snap.MarginUsed)
	metricMaxDrawdown.Set(snap.MaxDrawdown)

	m.latest = snap
	return snap
}

// maxDrawdown is the deepest peak-to-trough fall over the history
func maxDrawdown(history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	peak := history[0]
	maxDD := 0.0
	for _, v := range history {
		if v > peak {
			peak = v
		} else if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
