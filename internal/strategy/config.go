package strategy

import (
	"time"

	"github.com/yanun0323/errors"

	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

// Config carries the taker tuning resolved from the strategy
// parameter map. Percent knobs are in percent, not fractions.
type Config struct {
	ClientID schema.ClientID

	UseVWAPFilter       bool
	VWAPThreshold       float64
	UseBracketOrders    bool
	StopLossPct         float64
	TakeProfitPct       float64
	MinVolumePercentile int

	EnforceTradingHours  bool
	EnforceCircuitLimits bool
	TradingStart         time.Duration
	TradingEnd           time.Duration
}

// ConfigFrom resolves the taker knobs from a loaded config. Boolean
// parameters are any non-zero value in the parameter map.
func ConfigFrom(ld ops.Loaded) (Config, error) {
	start, err := ParseWallClock(ld.TradingStart)
	if err != nil {
		return Config{}, errors.Wrap(err, "trading start time")
	}
	end, err := ParseWallClock(ld.TradingEnd)
	if err != nil {
		return Config{}, errors.Wrap(err, "trading end time")
	}
	if end <= start {
		return Config{}, errors.Errorf("trading window %s-%s is inverted", ld.TradingStart, ld.TradingEnd)
	}
	return Config{
		ClientID:             1,
		UseVWAPFilter:        ld.Parameter("use_vwap_filter", 1) != 0,
		VWAPThreshold:        ld.Parameter("vwap_threshold", 0.02),
		UseBracketOrders:     ld.Parameter("use_bracket_orders", 0) != 0,
		StopLossPct:          ld.Parameter("stop_loss_pct", 0.5),
		TakeProfitPct:        ld.Parameter("take_profit_pct", 1.0),
		MinVolumePercentile:  int(ld.Parameter("min_volume_percentile", 50)),
		EnforceTradingHours:  ld.Risk.TradingHoursEnforced(),
		EnforceCircuitLimits: ld.Risk.CircuitLimitsEnforced(),
		TradingStart:         start,
		TradingEnd:           end,
	}, nil
}

// ParseWallClock parses HH:MM:SS into an offset from midnight.
func ParseWallClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, errors.Wrapf(err, "wall clock %q", s)
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// Instrument is one tradable with its taker knobs. LotSize and Index
// stay at their defaults unless a venue catalog fills them in.
type Instrument struct {
	TickerID  schema.TickerID
	Clip      schema.Qty // entry size, in hundredths
	Threshold float64    // aggressor share of displayed size that triggers
	LotSize   uint32     // whole units per lot; zero or one means unconstrained
	Index     bool       // widens the circuit band

	// Per-ticker risk limits, in hundredths and venue currency.
	MaxPosition int64
	MaxLoss     float64
}

// InstrumentsFrom converts configured instruments into taker entries.
// Config sizes are whole units; the schema carries hundredths.
func InstrumentsFrom(ld ops.Loaded) []Instrument {
	out := make([]Instrument, 0, len(ld.Instruments))
	for _, inst := range ld.Instruments {
		out = append(out, Instrument{
			TickerID:    schema.TickerID(inst.TickerID),
			Clip:        schema.Qty(inst.Clip) * 100,
			Threshold:   inst.Threshold,
			LotSize:     1,
			MaxPosition: inst.MaxPos * 100,
			MaxLoss:     inst.MaxLoss,
		})
	}
	return out
}
