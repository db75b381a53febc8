package strategy

import (
	"fmt"

	"gridbot/exchange"
)

// DecisionKind enumerates what the signal engine wants done
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionInsufficientData
	DecisionEnterLong
	DecisionEnterShort
	DecisionExitPosition
	DecisionPlaceGrid
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionNone:
		return "none"
	case DecisionInsufficientData:
		return "insufficient_data"
	case DecisionEnterLong:
		return "enter_long"
	case DecisionEnterShort:
		return "enter_short"
	case DecisionExitPosition:
		return "exit_position"
	case DecisionPlaceGrid:
		return "place_grid"
	}
	return "unknown"
}

// GridLevel is one rung of a desired grid ladder
type GridLevel struct {
	Side  exchange.Side
	Price float64
}

// Decision is the engine's verdict for one evaluation
type Decision struct {
	Kind      DecisionKind
	Reason    string
	Reference float64     // blended reference price the deviation was measured against
	Deviation float64     // relative deviation of last close from Reference
	Levels    []GridLevel // populated for DecisionPlaceGrid
}

// PositionView is the slice of position state the engine needs.
// nil means flat.
type PositionView struct {
	Side       exchange.Side
	EntryPrice float64
	Quantity   float64
}

// Params are the tunables of one evaluation. Pure data, no handles.
type Params struct {
	FastMAPeriod       int
	MediumMAPeriod     int
	DeviationThreshold float64

	// EMA overlay blends an EMA into the reference; weight 0 disables it
	EMAPeriod int
	EMAWeight float64

	GridLevels     int
	GridSpacingPct float64
}

// MinSamples is the shortest window Evaluate can act on
func (p Params) MinSamples() int {
	n := p.MediumMAPeriod
	if p.FastMAPeriod > n {
		n = p.FastMAPeriod
	}
	if p.EMAWeight > 0 && p.EMAPeriod > n {
		n = p.EMAPeriod
	}
	return n
}

// Evaluate is the pure signal function: same window, position and
// params always produce the same decision. Mean reversion first, an
// explicit exit on a reverse signal outranks everything, and a quiet
// market yields a symmetric grid ladder.
func Evaluate(window []exchange.Kline, pos *PositionView, p Params) Decision {
	if len(window) < p.MinSamples() {
		return Decision{
			Kind:   DecisionInsufficientData,
			Reason: fmt.Sprintf("need %d samples, have %d", p.MinSamples(), len(window)),
		}
	}

	closes := make([]float64, len(window))
	for i, k := range window {
		closes[i] = k.Close
	}
	last := closes[len(closes)-1]

	ref := SMA(closes, p.MediumMAPeriod)
	if p.EMAWeight > 0 {
		ema := EMA(closes, p.EMAPeriod)
		ref = ref*(1-p.EMAWeight) + ema*p.EMAWeight
	}
	if ref <= 0 {
		return Decision{Kind: DecisionInsufficientData, Reason: "no usable reference price"}
	}

	dev := (last - ref) / ref

	// Open position: only a reverse signal matters here, stop/take-profit
	// are enforced by the risk ledger before this runs
	if pos != nil {
		if pos.Side == exchange.SideBuy && dev > p.DeviationThreshold {
			return Decision{Kind: DecisionExitPosition, Reference: ref, Deviation: dev,
				Reason: "reverse signal against long"}
		}
		if pos.Side == exchange.SideSell && dev < -p.DeviationThreshold {
			return Decision{Kind: DecisionExitPosition, Reference: ref, Deviation: dev,
				Reason: "reverse signal against short"}
		}
		return Decision{Kind: DecisionNone, Reference: ref, Deviation: dev, Reason: "holding"}
	}

	// Flat: fade a stretched move
	if dev > p.DeviationThreshold {
		return Decision{Kind: DecisionEnterShort, Reference: ref, Deviation: dev,
			Reason: fmt.Sprintf("price %.4f%% above reference", dev*100)}
	}
	if dev < -p.DeviationThreshold {
		return Decision{Kind: DecisionEnterLong, Reference: ref, Deviation: dev,
			Reason: fmt.Sprintf("price %.4f%% below reference", -dev*100)}
	}

	// Quiet market: maintain the grid around the current price
	return Decision{
		Kind:      DecisionPlaceGrid,
		Reference: ref,
		Deviation: dev,
		Reason:    "within deviation band",
		Levels:    GridLadder(last, p.GridLevels, p.GridSpacingPct),
	}
}

// GridLadder builds a symmetric ladder of levels levels per side around
// center, spaced spacingPct apart, buys below and sells above.
func GridLadder(center float64, levels int, spacingPct float64) []GridLevel {
	out := make([]GridLevel, 0, levels*2)
	for i := 1; i <= levels; i++ {
		offset := center * spacingPct * float64(i)
		out = append(out,
			GridLevel{Side: exchange.SideBuy, Price: center - offset},
			GridLevel{Side: exchange.SideSell, Price: center + offset},
		)
	}
	return out
}
