package risk

import (
	"venuelink/internal/schema"
)

// Config defines the global risk limits from the risk config section.
// The enforce flags are pointers so the loader can tell absent from
// explicitly disabled.
type Config struct {
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxPositionValue     float64 `json:"max_position_value"`
	MaxOrderSize         uint32  `json:"max_order_size"`
	EnforceCircuitLimits *bool   `json:"enforce_circuit_limits"`
	EnforceTradingHours  *bool   `json:"enforce_trading_hours"`
}

// CircuitLimitsEnforced defaults to true when the field is absent.
func (c Config) CircuitLimitsEnforced() bool {
	return c.EnforceCircuitLimits == nil || *c.EnforceCircuitLimits
}

// TradingHoursEnforced defaults to true when the field is absent.
func (c Config) TradingHoursEnforced() bool {
	return c.EnforceTradingHours == nil || *c.EnforceTradingHours
}

// TickerLimits are the per-instrument limits from the instruments
// section.
type TickerLimits struct {
	MaxPosition int64
	MaxLoss     float64
}

// Result is the outcome of one pre-trade check.
type Result uint8

const (
	ResultAllowed Result = iota
	ResultOrderTooLarge
	ResultPositionTooLarge
	ResultValueTooLarge
	ResultLossTooLarge
	ResultDailyLossBreached
)

func (r Result) String() string {
	switch r {
	case ResultAllowed:
		return "ALLOWED"
	case ResultOrderTooLarge:
		return "ORDER_TOO_LARGE"
	case ResultPositionTooLarge:
		return "POSITION_TOO_LARGE"
	case ResultValueTooLarge:
		return "VALUE_TOO_LARGE"
	case ResultLossTooLarge:
		return "LOSS_TOO_LARGE"
	case ResultDailyLossBreached:
		return "DAILY_LOSS_BREACHED"
	default:
		return "UNKNOWN"
	}
}

// Allowed reports whether the order may go out.
func (r Result) Allowed() bool {
	return r == ResultAllowed
}

// PositionView is the position reducer state the check runs against.
type PositionView struct {
	// Position is the signed quantity in scale-100 units.
	Position int64
	// RealizedPnL and TotalPnL are in quote currency units.
	RealizedPnL float64
	TotalPnL    float64
}

// Engine evaluates pre-trade checks against global and per-ticker
// limits. Not safe for concurrent use; the strategy owns it.
type Engine struct {
	cfg    Config
	limits map[schema.TickerID]TickerLimits
	daily  float64
}

// NewEngine creates a risk engine with the global limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		limits: make(map[schema.TickerID]TickerLimits),
	}
}

// SetTickerLimits registers per-instrument limits.
func (e *Engine) SetTickerLimits(ticker schema.TickerID, limits TickerLimits) {
	e.limits[ticker] = limits
}

// RecordRealizedPnL accumulates day PnL for the daily-loss gate.
func (e *Engine) RecordRealizedPnL(delta float64) {
	e.daily += delta
}

// DailyPnL returns the accumulated day PnL.
func (e *Engine) DailyPnL() float64 {
	return e.daily
}

// Check runs the pre-trade limits for one new order.
func (e *Engine) Check(req schema.ClientRequest, view PositionView) Result {
	if req.Kind != schema.RequestNew {
		return ResultAllowed
	}

	if e.cfg.MaxOrderSize > 0 && uint32(req.Qty) > e.cfg.MaxOrderSize {
		return ResultOrderTooLarge
	}

	nextPos := view.Position
	if req.Side == schema.SideBuy {
		nextPos += int64(req.Qty)
	} else {
		nextPos -= int64(req.Qty)
	}
	if limits, ok := e.limits[req.TickerID]; ok {
		if limits.MaxPosition > 0 && abs64(nextPos) > limits.MaxPosition {
			return ResultPositionTooLarge
		}
		if limits.MaxLoss > 0 && view.TotalPnL <= -limits.MaxLoss {
			return ResultLossTooLarge
		}
	}

	if e.cfg.MaxPositionValue > 0 && req.Price > 0 {
		value := req.Price.Float() * qtyUnits(abs64(nextPos))
		if value > e.cfg.MaxPositionValue {
			return ResultValueTooLarge
		}
	}

	if e.cfg.MaxDailyLoss > 0 && e.daily <= -e.cfg.MaxDailyLoss {
		return ResultDailyLossBreached
	}

	return ResultAllowed
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func qtyUnits(scaled int64) float64 {
	return float64(scaled) / 100
}
