package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/monitor"
	"gridbot/orders"
	"gridbot/risk"
	"gridbot/strategy"
)

// cycleTimeout bounds one full evaluate-and-act pass for a symbol
const cycleTimeout = 30 * time.Second

// Engine walks all configured symbols every tick and runs one
// evaluate-and-act cycle per symbol in its own goroutine. A symbol
// whose previous cycle is still running is skipped, never queued.
type Engine struct {
	cfg      *config.Config
	client   exchange.Client
	gov      *exchange.Governor
	resolver *exchange.Resolver
	source   *market.Source
	stream   *market.TickerStream
	ledger   *risk.Ledger
	orders   *orders.Manager
	mon      *monitor.Monitor
	params   strategy.Params

	mu         sync.Mutex
	inFlight   map[string]*atomic.Bool
	lastAction map[string]time.Time // last entry or forced resync
	lastSync   map[string]time.Time // last grid ladder sync

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the whole trading stack around one exchange adapter
func New(cfg *config.Config, client exchange.Client) *Engine {
	gov := exchange.NewGovernor(cfg.CallInterval, cfg.CallInterval*3)
	ledger := risk.NewLedger(risk.Limits{
		BasePositionPct:      cfg.BasePositionPct,
		MaxPositionPct:       cfg.MaxPositionPct,
		Leverage:             cfg.Leverage,
		StopLossPct:          cfg.StopLossPct,
		TakeProfitPct:        cfg.TakeProfitPct,
		DailyLossLimitPct:    cfg.DailyLossLimitPct,
		MinBalanceMultiplier: cfg.MinBalanceMultiplier,
	})
	source := market.NewSource(client, gov, cfg.WindowCapacity, "MINUTE_1")
	stream := market.NewTickerStream(cfg.WSBaseURL, source.Record, source.DisablePush)
	om := orders.NewManager(client, gov, ledger, cfg.MaxOpenOrders)
	mon := monitor.New(ledger, om.OpenOrderCount, cfg.ReportInterval)

	e := &Engine{
		cfg:      cfg,
		client:   client,
		gov:      gov,
		resolver: exchange.NewResolver(client, gov),
		source:   source,
		stream:   stream,
		ledger:   ledger,
		orders:   om,
		mon:      mon,
		params: strategy.Params{
			FastMAPeriod:       cfg.FastMAPeriod,
			MediumMAPeriod:     cfg.MediumMAPeriod,
			DeviationThreshold: cfg.DeviationThreshold,
			EMAPeriod:          cfg.EMAPeriod,
			EMAWeight:          cfg.EMAWeight,
			GridLevels:         cfg.GridLevels,
			GridSpacingPct:     cfg.GridSpacingPct,
		},
		inFlight:   make(map[string]*atomic.Bool),
		lastAction: make(map[string]time.Time),
		lastSync:   make(map[string]time.Time),
	}
	for _, s := range cfg.Symbols {
		e.inFlight[s] = &atomic.Bool{}
	}
	return e
}

// Ledger exposes position state for the API server
func (e *Engine) Ledger() *risk.Ledger { return e.ledger }

// Monitor exposes the performance monitor for the API server
func (e *Engine) Monitor() *monitor.Monitor { return e.mon }

// Start boots the stack: account snapshot, startup reconciliation,
// push stream subscriptions, then the tick and refresh loops.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.refreshAccount(e.ctx); err != nil {
		return err
	}
	logger.Infof("account loaded: equity %.2f, available %.2f",
		e.ledger.Account().Equity, e.ledger.Account().AvailableBalance)

	e.stream.Start()
	for _, symbol := range e.cfg.Symbols {
		e.bootstrapSymbol(e.ctx, symbol)
	}

	e.mon.Start()

	e.wg.Add(2)
	go e.tickLoop()
	go e.accountLoop()

	logger.Infof("engine started: %d symbols, tick every %s", len(e.cfg.Symbols), e.cfg.TickInterval)
	return nil
}

// Stop halts the loops and waits for in-flight cycles. A running cycle
// finishes its current step untouched and bails out before the next
// one; its network calls never see the shutdown cancellation.
func (e *Engine) Stop() {
	logger.Info("engine stopping...")
	e.cancel()
	e.wg.Wait()
	e.stream.Stop()
	e.mon.Stop()
	e.gov.Stop()
	logger.Info("engine stopped")
}

// bootstrapSymbol resolves, subscribes the push feed and adopts any
// orders left over from a previous run. Failures are logged and left
// for the per-cycle retry.
func (e *Engine) bootstrapSymbol(ctx context.Context, symbol string) {
	contract, err := e.resolver.Resolve(ctx, symbol)
	if err != nil {
		logger.Warnf("bootstrap %s: %v", symbol, err)
		return
	}
	if err := e.stream.Subscribe(contract.ID); err != nil {
		logger.Warnf("bootstrap %s: subscribe: %v", symbol, err)
	}
	if err := e.orders.Reconcile(ctx, contract, symbol); err != nil {
		logger.Warnf("bootstrap %s: reconcile: %v", symbol, err)
	}
}

// ============================================================================
// Loops
// ============================================================================

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, symbol := range e.cfg.Symbols {
				e.spawnCycle(symbol)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// spawnCycle registers the cycle goroutine with the engine's wait group
// so Stop blocks until it returns. The Add happens on the loop
// goroutine, which itself holds a wait group slot.
func (e *Engine) spawnCycle(symbol string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCycle(symbol)
	}()
}

func (e *Engine) accountLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AccountRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.refreshAccount(e.ctx); err != nil {
				logger.Warnf("account refresh: %v", err)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) refreshAccount(ctx context.Context) error {
	if err := e.gov.Acquire(ctx); err != nil {
		return err
	}
	var snap exchange.AccountSnapshot
	err := exchange.Retry(ctx, "get account", func() error {
		var ferr error
		snap, ferr = e.client.GetAccount(ctx)
		return ferr
	})
	if err != nil {
		return err
	}
	e.ledger.SetAccount(snap)
	return nil
}

// ============================================================================
// The per-symbol cycle
// ============================================================================

// runCycle is one evaluate-and-act pass. Every error is absorbed here:
// a failed cycle skips the symbol until the next tick, it never takes
// the engine down.
func (e *Engine) runCycle(symbol string) {
	guard := e.guard(symbol)
	if !guard.CompareAndSwap(false, true) {
		logger.Debugf("%s: previous cycle still running, skipped", symbol)
		return
	}
	defer guard.Store(false)

	// deliberately not derived from e.ctx: a shutdown must not abort an
	// order placement mid-flight. The cycle checks for shutdown between
	// steps instead, and the timeout still bounds a hung call.
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if err := e.cycle(ctx, symbol); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, exchange.ErrRateLimit):
			logger.Debugf("%s: rate limited, deferred to next cycle", symbol)
		case errors.Is(err, market.ErrDataUnavailable):
			logger.Warnf("%s: %v", symbol, err)
		default:
			logger.Errorf("%s: cycle failed: %v", symbol, err)
		}
	}
}

func (e *Engine) cycle(ctx context.Context, symbol string) error {
	contract, err := e.resolver.Resolve(ctx, symbol)
	if err != nil {
		return err
	}

	// settle reality first: fills move the ledger before any decision
	if err := e.settleFills(ctx, contract, symbol); err != nil {
		return err
	}
	if e.shuttingDown() {
		return nil
	}

	window, err := e.source.Window(ctx, contract, e.params.MinSamples())
	if err != nil {
		return err
	}
	if len(window) == 0 {
		return market.ErrDataUnavailable
	}
	price := window[len(window)-1].Close

	// stop loss / take profit outrank the signal engine
	if pos, breached := e.ledger.CheckStopTakeProfit(symbol, price); breached {
		logger.Infof("%s: stop/take-profit breach at %.4f (entry %.4f %s)",
			symbol, price, pos.EntryPrice, pos.Side)
		return e.exitPosition(ctx, contract, symbol, pos, price)
	}

	var posView *strategy.PositionView
	if pos, ok := e.ledger.Position(symbol); ok {
		posView = &strategy.PositionView{Side: pos.Side, EntryPrice: pos.EntryPrice, Quantity: pos.Quantity}
	}

	decision := strategy.Evaluate(window, posView, e.params)
	logger.Debugf("%s: %s (dev %.4f%%, ref %.4f)", symbol, decision.Kind, decision.Deviation*100, decision.Reference)

	if e.shuttingDown() {
		return nil
	}

	switch decision.Kind {
	case strategy.DecisionNone, strategy.DecisionInsufficientData:
		return nil

	case strategy.DecisionExitPosition:
		pos, ok := e.ledger.Position(symbol)
		if !ok {
			return nil
		}
		logger.Infof("%s: %s", symbol, decision.Reason)
		return e.exitPosition(ctx, contract, symbol, pos, price)

	case strategy.DecisionEnterLong:
		return e.enter(ctx, contract, symbol, exchange.SideBuy, price, decision.Reason)

	case strategy.DecisionEnterShort:
		return e.enter(ctx, contract, symbol, exchange.SideSell, price, decision.Reason)

	case strategy.DecisionPlaceGrid:
		return e.syncGrid(ctx, contract, symbol, price, decision.Levels)
	}
	return nil
}

// settleFills reconciles the order book and applies executed orders to
// the ledger
func (e *Engine) settleFills(ctx context.Context, contract exchange.Contract, symbol string) error {
	fills, err := e.orders.CheckFills(ctx, contract, symbol)
	if err != nil {
		return err
	}
	for _, f := range fills {
		o := f.Order
		before, had := e.ledger.Position(symbol)
		realized := e.ledger.ApplyFill(symbol, o.Side, o.Quantity, o.Price)
		if had && before.Side != o.Side {
			logger.Infof("%s: grid fill closed %.6f @%.4f, realized %.4f", symbol, o.Quantity, o.Price, realized)
			e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventClose,
				PnL: realized, Notional: o.Quantity * o.Price})
		} else {
			logger.Infof("%s: grid fill %s %.6f @%.4f", symbol, o.Side, o.Quantity, o.Price)
			e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventFill,
				Notional: o.Quantity * o.Price})
		}
	}
	return nil
}

func (e *Engine) enter(ctx context.Context, contract exchange.Contract, symbol string, side exchange.Side, price float64, reason string) error {
	if since := time.Since(e.stamp(e.lastAction, symbol)); since < e.cfg.MinTradeInterval {
		logger.Debugf("%s: entry suppressed, %s since last action", symbol, since.Round(time.Millisecond))
		return nil
	}
	if err := e.ledger.CanEnter(contract, price); err != nil {
		logger.Warnf("%s: entry blocked: %v", symbol, err)
		return nil
	}

	qty, err := e.ledger.SizeFor(contract, price, e.cfg.BasePositionPct)
	if err != nil {
		if errors.Is(err, risk.ErrSizeTooSmall) {
			logger.Warnf("%s: %v", symbol, err)
			e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventRejection})
			return nil
		}
		return err
	}

	logger.Infof("%s: entering %s %.6f @%.4f (%s)", symbol, side, qty, price, reason)
	if err := e.orders.PlaceMarket(ctx, contract, symbol, side, qty, price, false); err != nil {
		e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventRejection})
		if errors.Is(err, risk.ErrExposureLimit) {
			logger.Warnf("%s: entry rejected: %v", symbol, err)
			return nil
		}
		return err
	}

	// market order assumed filled at the reference price
	e.ledger.ApplyFill(symbol, side, qty, price)
	e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventFill, Notional: qty * price})
	e.setStamp(e.lastAction, symbol)
	return nil
}

func (e *Engine) exitPosition(ctx context.Context, contract exchange.Contract, symbol string, pos risk.Position, price float64) error {
	// grid orders would refill the position right after the exit
	if err := e.orders.CancelAll(ctx, symbol); err != nil {
		return err
	}

	side := pos.Side.Opposite()
	if err := e.orders.PlaceMarket(ctx, contract, symbol, side, pos.Quantity, price, true); err != nil {
		return err
	}

	realized, ok := e.ledger.ClosePosition(symbol, price)
	if ok {
		logger.Infof("%s: closed %s %.6f, realized %.4f", symbol, pos.Side, pos.Quantity, realized)
		e.mon.Observe(monitor.Event{Symbol: symbol, Kind: monitor.EventClose,
			PnL: realized, Notional: pos.Quantity * price})
	}
	e.setStamp(e.lastAction, symbol)
	return nil
}

func (e *Engine) syncGrid(ctx context.Context, contract exchange.Contract, symbol string, price float64, levels []strategy.GridLevel) error {
	// honor the refresh cadence unless the ladder is gone, drifted
	// beyond half a step, or the symbol has been idle too long
	tolerance := price * e.cfg.GridSpacingPct / 2
	due := time.Since(e.stamp(e.lastSync, symbol)) >= e.cfg.OrderRefreshInterval
	idle := time.Since(e.stamp(e.lastAction, symbol)) >= e.cfg.MaxTradeInterval
	empty := e.orders.State(symbol) == orders.StateNoOrders
	drifted := e.orders.NeedsRefresh(symbol, price, tolerance)

	if !due && !idle && !empty && !drifted {
		return nil
	}

	if err := e.ledger.CanEnter(contract, price); err != nil {
		logger.Debugf("%s: grid suppressed: %v", symbol, err)
		return nil
	}

	desired := make([]orders.Level, 0, len(levels))
	for _, lv := range levels {
		qty, err := e.ledger.SizeFor(contract, lv.Price, e.cfg.GridPositionPct)
		if err != nil {
			if errors.Is(err, risk.ErrSizeTooSmall) {
				logger.Debugf("%s: grid level @%.4f skipped: %v", symbol, lv.Price, err)
				continue
			}
			return err
		}
		desired = append(desired, orders.Level{Side: lv.Side, Price: lv.Price, Quantity: qty})
	}
	if len(desired) == 0 {
		return nil
	}

	if err := e.orders.SyncLadder(ctx, contract, symbol, price, desired, tolerance); err != nil {
		return err
	}
	e.setStamp(e.lastSync, symbol)
	if idle {
		e.setStamp(e.lastAction, symbol)
	}
	return nil
}

// ============================================================================
// Small state helpers
// ============================================================================

// shuttingDown reports whether Stop has been called. Cycles consult it
// between steps so the step in progress completes undisturbed.
func (e *Engine) shuttingDown() bool {
	if e.ctx == nil {
		return false
	}
	select {
	case <-e.ctx.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) guard(symbol string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.inFlight[symbol]
	if !ok {
		g = &atomic.Bool{}
		e.inFlight[symbol] = g
	}
	return g
}

func (e *Engine) stamp(m map[string]time.Time, symbol string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return m[symbol]
}

func (e *Engine) setStamp(m map[string]time.Time, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m[symbol] = time.Now()
}
