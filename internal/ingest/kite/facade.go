package kite

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/book"
	"venuelink/internal/bus"
	"venuelink/internal/catalog"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
	"venuelink/pkg/websocket"
)

const (
	wsHost = "ws.kite.trade"
	wsPort = "443"

	decodedQueueCap     = 10 * 1024
	defaultIdleSleep    = 100 * time.Microsecond
	defaultRefreshEvery = time.Hour
)

// Options wires one venue-B market data adapter.
type Options struct {
	Exchange ops.Exchange
	Updates  *bus.SPSC[schema.MarketUpdate]

	// Creds signs catalog downloads and the WebSocket URL. Nil runs
	// cache-only, for tests and offline replay.
	Creds catalog.Credentials

	// Catalog overrides the manager built from Exchange.
	Catalog *catalog.Manager

	// Dialer overrides the venue dialer, for tests.
	Dialer websocket.Dialer

	// OnPostback receives order postbacks from the venue text stream.
	OnPostback func(event string, data []byte)

	RefreshEvery time.Duration
	IdleSleep    time.Duration

	// Backoff overrides the session reconnect backoff when any field is
	// set.
	Backoff websocket.Backoff
}

// instrument is one subscribed token with its book and view.
type instrument struct {
	ticker schema.TickerID
	db     *DiffBook
	view   *book.TopView
}

// Adapter is the venue-B market data facade: one WebSocket session,
// the binary decoder, per-ticker diff books, and a pump that feeds
// the normalized update ring.
type Adapter struct {
	opt     Options
	catalog *catalog.Manager
	session *websocket.Session
	decoded *bus.SPSC[QuotePacket]
	out     *bus.SPSC[schema.MarketUpdate]

	mu       sync.Mutex
	byToken  map[websocket.TopicID]*instrument
	byTicker map[schema.TickerID]*instrument
	clears   []*DiffBook

	reset   atomic.Bool
	dropped atomic.Uint64
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	idleSleep    time.Duration
	refreshEvery time.Duration
}

// New builds the facade. The session does not dial until Start.
func New(opt Options) (*Adapter, error) {
	if opt.Updates == nil {
		return nil, errors.New("kite: nil update queue")
	}

	cat := opt.Catalog
	if cat == nil {
		var err error
		cat, err = catalog.NewManager(catalog.Config{
			CacheDir:        opt.Exchange.CacheDir,
			TTL:             opt.Exchange.CacheTTL,
			DefaultExchange: opt.Exchange.DefaultExchange,
			UseFutures:      opt.Exchange.UseFuturesForIndices,
			RolloverDays:    opt.Exchange.RolloverDays,
		}, opt.Creds)
		if err != nil {
			return nil, errors.Wrap(err, "build instrument catalog")
		}
	}

	a := &Adapter{
		opt:          opt,
		catalog:      cat,
		decoded:      bus.New[QuotePacket](decodedQueueCap),
		out:          opt.Updates,
		byToken:      make(map[websocket.TopicID]*instrument),
		byTicker:     make(map[schema.TickerID]*instrument),
		done:         make(chan struct{}),
		idleSleep:    opt.IdleSleep,
		refreshEvery: opt.RefreshEvery,
	}
	if a.idleSleep <= 0 {
		a.idleSleep = defaultIdleSleep
	}
	if a.refreshEvery <= 0 {
		a.refreshEvery = defaultRefreshEvery
	}

	dialer := opt.Dialer
	if dialer == nil {
		if opt.Creds == nil {
			return nil, errors.New("kite: credentials required without a dialer override")
		}
		dialer = &authDialer{
			inner: websocket.NewDialer(wsHost, wsPort, "/"),
			creds: opt.Creds,
		}
	}

	session, err := websocket.New(websocket.Option{
		Dialer:    dialer,
		Codec:     Codec{},
		OnBinary:  a.onFrame,
		OnText:    a.onText,
		OnConnect: a.onConnect,
		Backoff:   opt.Backoff,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build websocket session")
	}
	a.session = session
	return a, nil
}

// Start loads the catalog, opens the session, and launches the pump.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("kite: already started")
	}
	if err := a.catalog.Init(ctx); err != nil {
		return errors.Wrap(err, "load instrument catalog")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.session.Start(runCtx)
	go a.pump(runCtx)
	go a.refreshLoop(runCtx)
	logs.Infof("kite adapter started, %d instruments in catalog", a.catalog.Count())
	return nil
}

// Close stops the session and waits for the pump to drain out.
func (a *Adapter) Close() {
	if !a.started.Load() {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.session.Close()
	<-a.done
}

// Subscribe resolves symbol through the catalog, registers the
// token mapping, and asks the venue for full-depth streaming. Index
// symbols resolve to the nearest future when the exchange entry
// enables that.
func (a *Adapter) Subscribe(symbol string, ticker schema.TickerID) error {
	token := a.catalog.TokenFor(symbol)
	if token == 0 {
		return errors.Errorf("kite: unknown instrument %q", symbol)
	}
	topic := websocket.TopicID(uint32(token))

	a.mu.Lock()
	inst, ok := a.byTicker[ticker]
	if !ok {
		inst = &instrument{
			ticker: ticker,
			db:     NewDiffBook(ticker),
			view:   book.NewTopView(),
		}
		a.byTicker[ticker] = inst
	}
	a.byToken[topic] = inst
	a.mu.Unlock()

	return a.session.Subscribe([]websocket.TopicID{topic}, ModeFull)
}

// Unsubscribe removes the mapping and emits a final Clear for the
// ticker once the pump drains it.
func (a *Adapter) Unsubscribe(ticker schema.TickerID) error {
	a.mu.Lock()
	inst, ok := a.byTicker[ticker]
	var topic websocket.TopicID
	if ok {
		delete(a.byTicker, ticker)
		for t, candidate := range a.byToken {
			if candidate == inst {
				topic = t
				delete(a.byToken, t)
				break
			}
		}
		a.clears = append(a.clears, inst.db)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.session.Unsubscribe([]websocket.TopicID{topic})
}

// Book returns the published view for ticker.
func (a *Adapter) Book(ticker schema.TickerID) (*book.TopView, bool) {
	a.mu.Lock()
	inst, ok := a.byTicker[ticker]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	return inst.view, true
}

// Connected reports whether the venue socket is open.
func (a *Adapter) Connected() bool {
	return a.session.Connected()
}

// Dropped counts updates lost to full queues since start.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

// onFrame runs on the session read goroutine: decode and hand off.
func (a *Adapter) onFrame(payload []byte) {
	DecodeFrame(payload, func(pkt *QuotePacket) {
		if err := a.decoded.TryPublish(*pkt); err != nil {
			a.dropped.Add(1)
			logs.Errorf("quote queue full, dropping packet for token %d", pkt.Token)
		}
	})
}

// onText handles venue postbacks: {"type":"order|error|message","data":…}.
func (a *Adapter) onText(payload []byte) {
	var pb struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := sonic.Unmarshal(payload, &pb); err != nil {
		logs.Errorf("bad venue postback: %+v", err)
		return
	}
	switch pb.Type {
	case "order":
		if a.opt.OnPostback != nil {
			a.opt.OnPostback(pb.Type, pb.Data)
			return
		}
		logs.Infof("order postback: %s", string(pb.Data))
	case "error":
		logs.Errorf("venue error: %s", string(pb.Data))
	default:
		logs.Infof("venue message: %s", string(pb.Data))
	}
}

// onConnect marks every book for a clear before the session replays
// subscriptions, so stale depth never survives a reconnect.
func (a *Adapter) onConnect(context.Context, *websocket.Session) error {
	a.reset.Store(true)
	return nil
}

func (a *Adapter) pump(ctx context.Context) {
	defer close(a.done)
	scratch := make([]schema.MarketUpdate, 0, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		scratch = a.drainControl(scratch)
		pkt, ok := a.decoded.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.idleSleep):
			}
			continue
		}
		// A reconnect can land between the drain above and the pop;
		// clear first so snapshots from the new socket start clean.
		if a.reset.Load() {
			scratch = a.drainControl(scratch)
		}
		scratch = a.applyPacket(&pkt, scratch[:0])
		a.push(scratch)
	}
}

// drainControl performs pending unsubscribe clears and reconnect
// resets on the pump goroutine, which owns every book.
func (a *Adapter) drainControl(scratch []schema.MarketUpdate) []schema.MarketUpdate {
	resetAll := a.reset.Swap(false)

	a.mu.Lock()
	clears := a.clears
	a.clears = nil
	var all []*instrument
	if resetAll {
		all = make([]*instrument, 0, len(a.byTicker))
		for _, inst := range a.byTicker {
			all = append(all, inst)
		}
	}
	a.mu.Unlock()

	for _, db := range clears {
		scratch = db.Clear(scratch[:0])
		a.push(scratch)
	}
	for _, inst := range all {
		scratch = inst.db.Clear(scratch[:0])
		a.push(scratch)
		inst.view.Publish(inst.db.Book(), schema.PriceInvalid, 0)
	}
	return scratch
}

func (a *Adapter) applyPacket(pkt *QuotePacket, scratch []schema.MarketUpdate) []schema.MarketUpdate {
	a.mu.Lock()
	inst := a.byToken[websocket.TopicID(uint32(pkt.Token))]
	a.mu.Unlock()
	if inst == nil {
		// tokens can keep streaming briefly after an unsubscribe
		return scratch
	}

	switch pkt.Kind {
	case KindFull:
		scratch = inst.db.Apply(pkt, scratch)
		last, lastQty := inst.db.LastTrade()
		inst.view.Publish(inst.db.Book(), last, lastQty)
	default:
		// LTP, quote, and index packets carry no depth; record the
		// reference price for readers only.
		lq := pkt.LastQty
		if lq < 0 {
			lq = 0
		}
		inst.view.PublishLast(schema.Price(pkt.LastPrice), qtyFromShares(lq))
	}
	return scratch
}

func (a *Adapter) push(updates []schema.MarketUpdate) {
	for i := range updates {
		if err := a.out.TryPublish(updates[i]); err != nil {
			a.dropped.Add(1)
			logs.Errorf("update ring full, dropping %s", updates[i].Debug())
		}
	}
}

func (a *Adapter) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.catalog.RefreshIfStale(ctx); err != nil {
				logs.Errorf("instrument catalog refresh: %+v", err)
			}
		}
	}
}

// authDialer rebuilds the signed URL query on every dial so a token
// refreshed mid-session takes effect on reconnect.
type authDialer struct {
	inner *websocket.NetDialer
	creds catalog.Credentials
}

func (d *authDialer) Dial(ctx context.Context) (websocket.Conn, error) {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch access token")
	}
	q := url.Values{}
	q.Set("api_key", d.creds.APIKey())
	q.Set("access_token", token)
	d.inner.Query = q.Encode()
	return d.inner.Dial(ctx)
}
