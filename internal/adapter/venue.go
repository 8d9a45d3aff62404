package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"venuelink/internal/book"
	"venuelink/internal/bus"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

var ErrUnknownVenue = errors.New("unknown venue")

// MarketDataAdapter is the engine-facing feed contract. One instance
// owns one venue connection plus its books; normalized updates flow
// out through the queue handed to the factory.
type MarketDataAdapter interface {
	Start(ctx context.Context) error
	Subscribe(symbol string, ticker schema.TickerID) error
	Unsubscribe(ticker schema.TickerID) error
	Book(ticker schema.TickerID) (*book.TopView, bool)
	Close()
}

// OrderGateway consumes client requests and produces client
// responses. Both rings are handed to the factory.
type OrderGateway interface {
	Start(ctx context.Context) error
	Close()
}

// MarketDataFactory builds one venue feed bound to the update ring.
type MarketDataFactory func(cfg ops.Loaded, updates *bus.SPSC[schema.MarketUpdate]) (MarketDataAdapter, error)

// OrderGatewayFactory builds one venue gateway bound to its rings.
type OrderGatewayFactory func(cfg ops.Loaded, requests *bus.SPSC[schema.ClientRequest], responses *bus.SPSC[schema.ClientResponse]) (OrderGateway, error)

// Venue bundles the registered factories for one venue name. Feed and
// gateway register separately because they live in separate packages.
type Venue struct {
	Name         string
	MarketData   MarketDataFactory
	OrderGateway OrderGatewayFactory
}

var (
	venueMu sync.RWMutex
	venues  = map[string]*Venue{}
)

func venueEntry(name string) *Venue {
	key := strings.ToUpper(name)
	v, ok := venues[key]
	if !ok {
		v = &Venue{Name: key}
		venues[key] = v
	}
	return v
}

// RegisterMarketData installs the feed factory for a venue name.
// Venue packages call this from init.
func RegisterMarketData(name string, f MarketDataFactory) {
	venueMu.Lock()
	venueEntry(name).MarketData = f
	venueMu.Unlock()
}

// RegisterOrderGateway installs the gateway factory for a venue name.
func RegisterOrderGateway(name string, f OrderGatewayFactory) {
	venueMu.Lock()
	venueEntry(name).OrderGateway = f
	venueMu.Unlock()
}

// Select returns the registered venue for name, case-insensitive.
func Select(name string) (Venue, bool) {
	venueMu.RLock()
	v, ok := venues[strings.ToUpper(name)]
	venueMu.RUnlock()
	if !ok {
		return Venue{}, false
	}
	return *v, true
}

// Names lists the registered venue names.
func Names() []string {
	venueMu.RLock()
	defer venueMu.RUnlock()
	names := make([]string, 0, len(venues))
	for name := range venues {
		names = append(names, name)
	}
	return names
}

// TickerAllocator hands out ticker ids for instruments the config
// left unnumbered. Ids from config resolution start at the same base,
// so a process uses either source, not both.
type TickerAllocator struct {
	next atomic.Uint32
}

// NewTickerAllocator starts allocation at start; zero selects the
// config auto-assign base.
func NewTickerAllocator(start uint32) *TickerAllocator {
	a := &TickerAllocator{}
	if start == 0 {
		start = ops.AutoTickerStart
	}
	a.next.Store(start)
	return a
}

// Next returns a fresh ticker id.
func (a *TickerAllocator) Next() schema.TickerID {
	return schema.TickerID(a.next.Add(1) - 1)
}
