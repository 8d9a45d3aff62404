package binance

import (
	"math"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"

	"venuelink/internal/schema"
)

const (
	defaultMultiplierUp   = 5.0
	defaultMultiplierDown = 0.2

	// stepTolerance forgives float dust when checking lot alignment.
	stepTolerance = 1e-7
)

// filterSet holds one symbol's tradability constraints out of venue
// exchange info. Zero lot fields mean the venue declared none.
type filterSet struct {
	minQty  float64
	maxQty  float64
	stepQty float64

	bidUp   float64
	bidDown float64
	askUp   float64
	askDown float64
}

func defaultFilters() filterSet {
	return filterSet{
		bidUp:   defaultMultiplierUp,
		bidDown: defaultMultiplierDown,
		askUp:   defaultMultiplierUp,
		askDown: defaultMultiplierDown,
	}
}

type venueFilter struct {
	FilterType        string          `json:"filterType"`
	MinQty            decimal.Decimal `json:"minQty"`
	MaxQty            decimal.Decimal `json:"maxQty"`
	StepSize          decimal.Decimal `json:"stepSize"`
	BidMultiplierUp   decimal.Decimal `json:"bidMultiplierUp"`
	BidMultiplierDown decimal.Decimal `json:"bidMultiplierDown"`
	AskMultiplierUp   decimal.Decimal `json:"askMultiplierUp"`
	AskMultiplierDown decimal.Decimal `json:"askMultiplierDown"`
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string        `json:"symbol"`
		Filters []venueFilter `json:"filters"`
	} `json:"symbols"`
}

func toFloat(d decimal.Decimal) float64 {
	v, _ := strconv.ParseFloat(d.String(), 64)
	return v
}

func parseFilterSet(data []byte, symbol string) (filterSet, error) {
	var info exchangeInfo
	if err := sonic.Unmarshal(data, &info); err != nil {
		return filterSet{}, errors.Wrap(err, "decode exchange info")
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol != symbol {
			continue
		}
		fs := defaultFilters()
		for _, f := range info.Symbols[i].Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				fs.minQty = toFloat(f.MinQty)
				fs.maxQty = toFloat(f.MaxQty)
				fs.stepQty = toFloat(f.StepSize)
			case "PERCENT_PRICE_BY_SIDE":
				if v := toFloat(f.BidMultiplierUp); v > 0 {
					fs.bidUp = v
				}
				if v := toFloat(f.BidMultiplierDown); v > 0 {
					fs.bidDown = v
				}
				if v := toFloat(f.AskMultiplierUp); v > 0 {
					fs.askUp = v
				}
				if v := toFloat(f.AskMultiplierDown); v > 0 {
					fs.askDown = v
				}
			}
		}
		return fs, nil
	}
	return filterSet{}, errors.Errorf("symbol %s missing from exchange info", symbol)
}

// quantize applies the lot filter: min and max bounds on the raw
// quantity, then floor to the step with the remainder re-checked
// against min.
func (f filterSet) quantize(qty float64) (float64, bool) {
	if f.minQty > 0 && qty < f.minQty {
		return 0, false
	}
	if f.maxQty > 0 && qty > f.maxQty {
		return 0, false
	}
	if f.stepQty <= 0 {
		return qty, true
	}
	floored := math.Floor((qty+stepTolerance)/f.stepQty) * f.stepQty
	if qty-floored <= stepTolerance {
		return qty, true
	}
	if floored < f.minQty {
		return 0, false
	}
	return floored, true
}

// bandPrice clamps a limit price into the side's percent band around
// the live market price, moving it 1% inside when it falls outside.
// The bool reports an adjustment.
func (f filterSet) bandPrice(side schema.Side, price, market float64) (float64, bool) {
	var up, down float64
	if side == schema.SideBuy {
		up, down = f.bidUp, f.bidDown
	} else {
		up, down = f.askUp, f.askDown
	}
	if market <= 0 || up <= 0 || down <= 0 {
		return price, false
	}
	if price > market*up || price < market*down {
		if side == schema.SideBuy {
			return market * 0.99, true
		}
		return market * 1.01, true
	}
	return price, false
}
