package kite

import (
	"github.com/yanun0323/errors"

	"venuelink/internal/adapter"
	kiteauth "venuelink/internal/auth/kite"
	"venuelink/internal/bus"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

// VenueName keys the venue in config and the adapter registry.
const VenueName = "ZERODHA"

func init() {
	adapter.RegisterMarketData(VenueName, func(cfg ops.Loaded, updates *bus.SPSC[schema.MarketUpdate]) (adapter.MarketDataAdapter, error) {
		ex, ok := cfg.Exchange(VenueName)
		if !ok {
			return nil, errors.Errorf("kite: no %s exchange entry", VenueName)
		}
		creds, err := kiteauth.CredentialsFor(ex)
		if err != nil {
			return nil, err
		}
		return New(Options{
			Exchange:   ex,
			Updates:    updates,
			Creds:      creds,
			OnPostback: adapter.DispatchPostback,
		})
	})
}
