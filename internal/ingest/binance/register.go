package binance

import (
	"github.com/yanun0323/errors"

	"venuelink/internal/adapter"
	"venuelink/internal/bus"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

// VenueName keys the venue in config and the adapter registry.
const VenueName = "BINANCE"

func init() {
	adapter.RegisterMarketData(VenueName, func(cfg ops.Loaded, updates *bus.SPSC[schema.MarketUpdate]) (adapter.MarketDataAdapter, error) {
		ex, ok := cfg.Exchange(VenueName)
		if !ok {
			return nil, errors.Errorf("binance: no %s exchange entry", VenueName)
		}
		return New(Options{Exchange: ex, Updates: updates})
	})
}
