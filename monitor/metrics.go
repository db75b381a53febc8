package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_trades_total",
		Help: "Closed trades by symbol and result",
	}, []string{"symbol", "result"})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_order_rejections_total",
		Help: "Orders rejected before or at the exchange",
	}, []string{"symbol"})

	metricEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_equity",
		Help: "Account equity from the latest snapshot",
	})

	metricDailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_daily_realized_pnl",
		Help: "Realized PnL since the day boundary",
	})

	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_open_positions",
		Help: "Currently open positions",
	})

	metricOpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_open_orders",
		Help: "Orders resting on the exchange",
	})

	metricMarginUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_margin_used",
		Help: "Aggregate margin held by positions and reservations",
	})

	metricMaxDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_max_drawdown",
		Help: "Largest peak-to-trough equity drawdown this run",
	})
)
