package binance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/book"
	"venuelink/internal/bus"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
	"venuelink/pkg/scanner"
	"venuelink/pkg/websocket"
)

const (
	prodWSHost    = "stream.binance.com"
	prodWSPort    = "9443"
	testnetWSHost = "stream.testnet.binance.vision"
	testnetWSPort = "443"
	wsPath        = "/ws"

	prodRestBase    = "https://api.binance.com"
	testnetRestBase = "https://testnet.binance.vision"
	depthPath       = "/api/v3/depth"
	snapshotLimit   = "1000"

	decodedQueueCap    = 10 * 1024
	snapshotTimeout    = 10 * time.Second
	snapshotRetryDelay = 500 * time.Millisecond
	defaultIdleSleep   = 100 * time.Microsecond
)

var (
	keyEvent  = []byte(`"e"`)
	keySymbol = []byte(`"s"`)
	keyID     = []byte(`"id"`)
	keyError  = []byte(`"error"`)
)

// Options wires one venue-A market data adapter.
type Options struct {
	Exchange ops.Exchange
	Updates  *bus.SPSC[schema.MarketUpdate]

	// Dialer overrides the venue dialer, for tests.
	Dialer websocket.Dialer

	// RestBase overrides the snapshot endpoint, for tests. Empty picks
	// the production or testnet host from Exchange.
	RestBase string

	IdleSleep time.Duration

	// Backoff overrides the session reconnect backoff when any field is
	// set.
	Backoff websocket.Backoff
}

// instrument is one subscribed symbol with its book, view, and the
// two stream topics. epoch-free: a stale snapshot result is caught by
// the delta book's own id checks. fetching is pump-owned.
type instrument struct {
	ticker     schema.TickerID
	symbol     string
	symKey     uint64
	depthTopic websocket.TopicID
	tradeTopic websocket.TopicID
	db         *DeltaBook
	view       *book.TopView
	fetching   bool
}

// Adapter is the venue-A market data facade: one WebSocket session,
// the JSON stream decoder, per-symbol delta books synced against REST
// snapshots, and a pump that feeds the normalized update ring.
type Adapter struct {
	opt      Options
	codec    *Codec
	session  *websocket.Session
	client   *resty.Client
	restBase string

	decoded *bus.SPSC[feedEvent]
	snaps   chan snapshotMsg
	out     *bus.SPSC[schema.MarketUpdate]

	mu       sync.Mutex
	bySymKey map[uint64]*instrument
	byTicker map[schema.TickerID]*instrument
	clears   []*DeltaBook
	pending  []*instrument

	topicSeq atomic.Uint32
	reset    atomic.Bool
	dropped  atomic.Uint64
	started  atomic.Bool
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	idleSleep time.Duration
}

// New builds the facade. The session does not dial until Start.
func New(opt Options) (*Adapter, error) {
	if opt.Updates == nil {
		return nil, errors.New("binance: nil update queue")
	}

	wsHost, wsPort := prodWSHost, prodWSPort
	restBase := opt.RestBase
	if opt.Exchange.Testnet {
		wsHost, wsPort = testnetWSHost, testnetWSPort
		if restBase == "" {
			restBase = testnetRestBase
		}
	}
	if restBase == "" {
		restBase = prodRestBase
	}

	a := &Adapter{
		opt:       opt,
		codec:     NewCodec(),
		client:    resty.New().SetTimeout(snapshotTimeout),
		restBase:  restBase,
		decoded:   bus.New[feedEvent](decodedQueueCap),
		snaps:     make(chan snapshotMsg, 16),
		out:       opt.Updates,
		bySymKey:  make(map[uint64]*instrument),
		byTicker:  make(map[schema.TickerID]*instrument),
		done:      make(chan struct{}),
		idleSleep: opt.IdleSleep,
	}
	if a.idleSleep <= 0 {
		a.idleSleep = defaultIdleSleep
	}

	dialer := opt.Dialer
	if dialer == nil {
		dialer = websocket.NewDialer(wsHost, wsPort, wsPath)
	}

	session, err := websocket.New(websocket.Option{
		Dialer:    dialer,
		Codec:     a.codec,
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

// Start opens the session and launches the pump.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("binance: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel
	a.session.Start(runCtx)
	go a.pump(runCtx)
	logs.Infof("binance adapter started against %s", a.restBase)
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

// Subscribe registers symbol under ticker and opens its two streams,
// depth first so deltas buffer before the trade feed starts. The REST
// snapshot is scheduled once the socket is up.
func (a *Adapter) Subscribe(symbol string, ticker schema.TickerID) error {
	upper := strings.ToUpper(symbol)
	inst := &instrument{
		ticker:     ticker,
		symbol:     upper,
		symKey:     symbolKey(upper),
		depthTopic: websocket.TopicID(a.topicSeq.Add(1)),
		tradeTopic: websocket.TopicID(a.topicSeq.Add(1)),
		db:         NewDeltaBook(ticker),
		view:       book.NewTopView(),
	}

	a.mu.Lock()
	if _, ok := a.byTicker[ticker]; ok {
		a.mu.Unlock()
		return errors.Errorf("binance: ticker %d already subscribed", ticker)
	}
	if _, ok := a.bySymKey[inst.symKey]; ok {
		a.mu.Unlock()
		return errors.Errorf("binance: symbol %q already subscribed", upper)
	}
	a.byTicker[ticker] = inst
	a.bySymKey[inst.symKey] = inst
	a.pending = append(a.pending, inst)
	a.mu.Unlock()

	a.codec.Register(inst.depthTopic, depthStreamName(upper))
	a.codec.Register(inst.tradeTopic, tradeStreamName(upper))

	if err := a.session.Subscribe([]websocket.TopicID{inst.depthTopic}, ""); err != nil {
		return errors.Wrap(err, "subscribe depth stream")
	}
	if err := a.session.Subscribe([]websocket.TopicID{inst.tradeTopic}, ""); err != nil {
		return errors.Wrap(err, "subscribe trade stream")
	}
	return nil
}

// Unsubscribe closes both streams and emits a final Clear for the
// ticker once the pump drains it.
func (a *Adapter) Unsubscribe(ticker schema.TickerID) error {
	a.mu.Lock()
	inst, ok := a.byTicker[ticker]
	if ok {
		delete(a.byTicker, ticker)
		delete(a.bySymKey, inst.symKey)
		for i, p := range a.pending {
			if p == inst {
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				break
			}
		}
		a.clears = append(a.clears, inst.db)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	err := a.session.Unsubscribe([]websocket.TopicID{inst.depthTopic, inst.tradeTopic})
	// control frames encode synchronously, safe to unregister now
	a.codec.Unregister(inst.depthTopic)
	a.codec.Unregister(inst.tradeTopic)
	if err != nil {
		return errors.Wrap(err, "unsubscribe streams")
	}
	return nil
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

// Dropped counts events lost to full queues since start.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

// onText runs on the session read goroutine. Stream events carry an
// "e" field; everything else is a control ack or venue error.
func (a *Adapter) onText(payload []byte) {
	event, ok := scanner.ScanStringField(payload, keyEvent)
	if !ok {
		a.onControl(payload)
		return
	}
	symbol, ok := scanner.ScanStringField(payload, keySymbol)
	if !ok {
		logs.Warnf("stream event without symbol: %s", string(payload))
		return
	}
	symKey := hashBytes(symbol)
	switch string(event) {
	case "depthUpdate":
		a.onDepth(symKey, payload)
	case "trade":
		a.onTrade(symKey, payload)
	default:
		logs.Infof("unhandled stream event %q", string(event))
	}
}

func (a *Adapter) onDepth(symKey uint64, payload []byte) {
	var du depthUpdate
	if err := sonic.ConfigFastest.Unmarshal(payload, &du); err != nil {
		logs.Errorf("bad depth update, frame dropped: %+v", err)
		return
	}
	ev := feedEvent{
		kind:    eventDepth,
		symKey:  symKey,
		firstID: du.FirstID,
		lastID:  du.LastID,
	}
	var err error
	if ev.bids, err = parseLevels(du.Bids, nil); err != nil {
		logs.Errorf("bad depth bids for %s, frame dropped: %+v", du.Symbol, err)
		return
	}
	if ev.asks, err = parseLevels(du.Asks, nil); err != nil {
		logs.Errorf("bad depth asks for %s, frame dropped: %+v", du.Symbol, err)
		return
	}
	a.publish(&ev)
}

func (a *Adapter) onTrade(symKey uint64, payload []byte) {
	var tr tradeUpdate
	if err := sonic.ConfigFastest.Unmarshal(payload, &tr); err != nil {
		logs.Errorf("bad trade, frame dropped: %+v", err)
		return
	}
	price, ok := schema.ParsePrice([]byte(tr.Price))
	if !ok {
		logs.Errorf("bad trade price %q for %s, frame dropped", tr.Price, tr.Symbol)
		return
	}
	qty, ok := schema.ParseQty([]byte(tr.Qty))
	if !ok {
		logs.Errorf("bad trade qty %q for %s, frame dropped", tr.Qty, tr.Symbol)
		return
	}
	a.publish(&feedEvent{
		kind:   eventTrade,
		symKey: symKey,
		price:  price,
		qty:    qty,
		sell:   tr.BuyerMaker,
	})
}

func (a *Adapter) onControl(payload []byte) {
	if scanner.BytesContains(payload, keyError) {
		logs.Errorf("venue control error: %s", string(payload))
		return
	}
	if id, ok := scanner.ScanUintField(payload, keyID); ok {
		logs.Infof("venue ack id=%d", id)
		return
	}
	logs.Infof("venue notice: %s", string(payload))
}

func (a *Adapter) publish(ev *feedEvent) {
	if err := a.decoded.TryPublish(*ev); err != nil {
		a.dropped.Add(1)
		logs.Errorf("feed queue full, dropping event")
	}
}

// onConnect marks every book for a reset before the session replays
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
		ev, ok := a.decoded.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.idleSleep):
			}
			continue
		}
		// A reconnect can land between the drain above and the pop;
		// reset first so the stale event meets an awaiting book.
		if a.reset.Load() {
			scratch = a.drainControl(scratch)
		}
		scratch = a.applyEvent(&ev, scratch[:0])
		a.push(scratch)
	}
}

// drainControl performs pending unsubscribe clears, reconnect resets,
// first snapshot requests, and snapshot installs on the pump
// goroutine, which owns every book.
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
	var starting []*instrument
	if len(a.pending) > 0 && a.session.Connected() {
		starting = a.pending
		a.pending = nil
	}
	a.mu.Unlock()

	for _, db := range clears {
		scratch = db.Reset(scratch[:0])
		a.push(scratch)
	}
	for _, inst := range all {
		scratch = inst.db.Reset(scratch[:0])
		a.push(scratch)
		inst.view.Publish(inst.db.Book(), schema.PriceInvalid, 0)
		a.requestSnapshot(inst, 0)
	}
	for _, inst := range starting {
		a.requestSnapshot(inst, 0)
	}
	for {
		select {
		case msg := <-a.snaps:
			scratch = a.handleSnapshot(msg, scratch)
			continue
		default:
		}
		break
	}
	return scratch
}

func (a *Adapter) applyEvent(ev *feedEvent, scratch []schema.MarketUpdate) []schema.MarketUpdate {
	a.mu.Lock()
	inst := a.bySymKey[ev.symKey]
	a.mu.Unlock()
	if inst == nil {
		// streams can keep delivering briefly after an unsubscribe
		return scratch
	}

	switch ev.kind {
	case eventDepth:
		var refetch bool
		scratch, refetch = inst.db.OnDelta(ev, scratch)
		if refetch {
			a.requestSnapshot(inst, 0)
		}
		if inst.db.Live() {
			last, lastQty := inst.db.LastTrade()
			inst.view.Publish(inst.db.Book(), last, lastQty)
		}
	case eventTrade:
		// trades flow regardless of depth sync
		scratch = inst.db.OnTrade(ev, scratch)
		last, lastQty := inst.db.LastTrade()
		if inst.db.Live() {
			inst.view.Publish(inst.db.Book(), last, lastQty)
		} else {
			inst.view.PublishLast(last, lastQty)
		}
	}
	return scratch
}

// handleSnapshot installs one fetched snapshot. A result for a gone
// or already live instrument is dropped; the delta book's id checks
// reject anything the reset made stale.
func (a *Adapter) handleSnapshot(msg snapshotMsg, scratch []schema.MarketUpdate) []schema.MarketUpdate {
	a.mu.Lock()
	inst := a.bySymKey[msg.symKey]
	a.mu.Unlock()
	if inst == nil {
		return scratch
	}
	inst.fetching = false
	if msg.err != nil {
		logs.Errorf("snapshot for %s failed, retrying: %+v", inst.symbol, msg.err)
		a.requestSnapshot(inst, snapshotRetryDelay)
		return scratch
	}

	updates, retry := inst.db.OnSnapshot(msg.lastID, msg.bids, msg.asks, scratch[:0])
	a.push(updates)
	if retry {
		logs.Warnf("snapshot %d for %s predates the delta buffer, refetching", msg.lastID, inst.symbol)
		a.requestSnapshot(inst, snapshotRetryDelay)
		return updates
	}
	if inst.db.Live() {
		last, lastQty := inst.db.LastTrade()
		inst.view.Publish(inst.db.Book(), last, lastQty)
	}
	return updates
}

// requestSnapshot spawns one fetch per instrument at a time. Only the
// pump calls it.
func (a *Adapter) requestSnapshot(inst *instrument, delay time.Duration) {
	if inst.fetching {
		return
	}
	inst.fetching = true
	go a.fetchSnapshot(a.runCtx, inst.symbol, inst.symKey, delay)
}

func (a *Adapter) fetchSnapshot(ctx context.Context, symbol string, symKey uint64, delay time.Duration) {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	msg := snapshotMsg{symKey: symKey}
	msg.lastID, msg.bids, msg.asks, msg.err = a.downloadSnapshot(ctx, symbol)
	select {
	case a.snaps <- msg:
	case <-ctx.Done():
	}
}

func (a *Adapter) downloadSnapshot(ctx context.Context, symbol string) (uint64, []book.Level, []book.Level, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", snapshotLimit).
		Get(a.restBase + depthPath)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "fetch depth snapshot")
	}
	if resp.IsError() {
		return 0, nil, nil, errors.Errorf("depth snapshot %s: %s", resp.Status(), resp.Body())
	}
	var snap depthSnapshot
	if err := sonic.Unmarshal(resp.Body(), &snap); err != nil {
		return 0, nil, nil, errors.Wrap(err, "decode depth snapshot")
	}
	bids, err := parseLevels(snap.Bids, nil)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "snapshot bids")
	}
	asks, err := parseLevels(snap.Asks, nil)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "snapshot asks")
	}
	return snap.LastUpdateID, bids, asks, nil
}

func (a *Adapter) push(updates []schema.MarketUpdate) {
	for i := range updates {
		if err := a.out.TryPublish(updates[i]); err != nil {
			a.dropped.Add(1)
			logs.Errorf("update ring full, dropping %s", updates[i].Debug())
		}
	}
}
