package kite

import (
	"github.com/yanun0323/errors"

	"venuelink/internal/adapter"
	kiteauth "venuelink/internal/auth/kite"
	"venuelink/internal/bus"
	"venuelink/internal/catalog"
	"venuelink/internal/og"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

// VenueName keys the venue in config and the adapter registry.
const VenueName = "ZERODHA"

func init() {
	adapter.RegisterOrderGateway(VenueName, func(cfg ops.Loaded, requests *bus.SPSC[schema.ClientRequest], responses *bus.SPSC[schema.ClientResponse]) (adapter.OrderGateway, error) {
		emit := og.NewEmitter(responses)
		states := og.NewStateMachine()

		deleg, err := buildDelegator(cfg, emit, states)
		if err != nil {
			return nil, err
		}
		return og.NewGateway(og.Options{
			Requests:  requests,
			Delegator: deleg,
			Emitter:   emit,
			States:    states,
		})
	})
}

func buildDelegator(cfg ops.Loaded, emit *og.Emitter, states *og.StateMachine) (og.Delegator, error) {
	if cfg.TradingMode == ops.TradingModePaper {
		tuning := cfg.PaperTrading
		if ex, ok := cfg.Exchange(VenueName); ok {
			tuning = ex.PaperTrading
		}
		paper, err := og.NewPaper(og.PaperOptions{Tuning: tuning, Emitter: emit, States: states})
		if err != nil {
			return nil, err
		}
		for _, inst := range cfg.Instruments {
			paper.Register(schema.TickerID(inst.TickerID))
		}
		return paper, nil
	}

	ex, ok := cfg.Exchange(VenueName)
	if !ok {
		return nil, errors.Errorf("kite og: no %s exchange entry", VenueName)
	}
	creds, err := kiteauth.CredentialsFor(ex)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.NewManager(catalog.Config{
		CacheDir:        ex.CacheDir,
		TTL:             ex.CacheTTL,
		DefaultExchange: ex.DefaultExchange,
		UseFutures:      ex.UseFuturesForIndices,
		RolloverDays:    ex.RolloverDays,
	}, creds)
	if err != nil {
		return nil, errors.Wrap(err, "build instrument catalog")
	}

	live, err := NewDelegator(Options{Exchange: ex, Emitter: emit, States: states, Catalog: cat})
	if err != nil {
		return nil, err
	}
	for _, inst := range cfg.Instruments {
		if err := live.RegisterInstrument(schema.TickerID(inst.TickerID), inst.Exchange, inst.Symbol); err != nil {
			return nil, err
		}
	}
	return live, nil
}
