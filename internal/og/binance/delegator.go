package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/og"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

const (
	prodRestBase    = "https://api.binance.com"
	testnetRestBase = "https://testnet.binance.vision"

	orderPath        = "/api/v3/order"
	exchangeInfoPath = "/api/v3/exchangeInfo"
	tickerPricePath  = "/api/v3/ticker/price"

	requestTimeout    = 15 * time.Second
	defaultOrderPause = 250 * time.Millisecond
	defaultCyclePause = 5 * time.Second
)

// Options wires one live venue-A delegator.
type Options struct {
	Exchange ops.Exchange
	Emitter  *og.Emitter
	States   *og.StateMachine

	// RestBase overrides endpoint selection, for tests.
	RestBase string

	OrderPause time.Duration
	CyclePause time.Duration
}

// instrument is one registered symbol with its cached filters. The
// filters fields belong to the goroutine running New: probed before
// the pump exists, then re-probed lazily from the pump.
type instrument struct {
	ticker  schema.TickerID
	symbol  string
	filters filterSet
	probed  bool
}

// venueError is the venue's business error body.
type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Delegator places, cancels, and polls venue-A orders over signed
// REST. One mutex serializes the HTTP client between the request pump
// and the status poller, the id map carries its own; the client lock
// never nests inside the map lock.
type Delegator struct {
	emit   *og.Emitter
	states *og.StateMachine
	ids    *og.IDMap

	httpMu sync.Mutex
	client *resty.Client
	base   string
	apiKey string
	secret []byte

	mu       sync.Mutex
	byTicker map[schema.TickerID]*instrument

	orderPause time.Duration
	cyclePause time.Duration

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDelegator(opt Options) (*Delegator, error) {
	if opt.Emitter == nil || opt.States == nil {
		return nil, errors.New("binance og: emitter and states required")
	}
	if opt.Exchange.APIKey == "" || opt.Exchange.APISecret == "" {
		return nil, errors.New("binance og: api credentials required")
	}
	base := opt.RestBase
	if base == "" {
		base = prodRestBase
		if opt.Exchange.Testnet {
			base = testnetRestBase
		}
	}
	d := &Delegator{
		emit:       opt.Emitter,
		states:     opt.States,
		ids:        og.NewIDMap(),
		client:     resty.New().SetTimeout(requestTimeout),
		base:       base,
		apiKey:     opt.Exchange.APIKey,
		secret:     []byte(opt.Exchange.APISecret),
		byTicker:   make(map[schema.TickerID]*instrument),
		orderPause: opt.OrderPause,
		cyclePause: opt.CyclePause,
		done:       make(chan struct{}),
	}
	if d.orderPause <= 0 {
		d.orderPause = defaultOrderPause
	}
	if d.cyclePause <= 0 {
		d.cyclePause = defaultCyclePause
	}
	return d, nil
}

// RegisterInstrument maps a ticker to its venue symbol.
func (d *Delegator) RegisterInstrument(ticker schema.TickerID, symbol string) error {
	symbol = strings.ToUpper(symbol)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byTicker[ticker]; ok {
		return errors.Errorf("binance og: ticker %d already registered", ticker)
	}
	d.byTicker[ticker] = &instrument{ticker: ticker, symbol: symbol}
	return nil
}

func (d *Delegator) Knows(ticker schema.TickerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byTicker[ticker]
	return ok
}

func (d *Delegator) instrument(ticker schema.TickerID) *instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byTicker[ticker]
}

// Start probes exchange info for every registered symbol and launches
// the status poller. A failed probe falls back to a lazy retry on the
// first order for that symbol.
func (d *Delegator) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("binance og: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mu.Lock()
	insts := make([]*instrument, 0, len(d.byTicker))
	for _, inst := range d.byTicker {
		insts = append(insts, inst)
	}
	d.mu.Unlock()
	for _, inst := range insts {
		if err := d.probeFilters(runCtx, inst); err != nil {
			logs.Warnf("binance og: exchange info for %s unavailable: %+v", inst.symbol, err)
		}
	}

	go d.poll(runCtx)
	logs.Infof("binance og delegator started, %d instruments, base %s", len(insts), d.base)
	return nil
}

func (d *Delegator) Close() {
	if !d.started.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

// New runs the lot and price gates, signs, and posts the order. Venue
// business rejections emit a response here and return nil; only
// transport failures bubble up.
func (d *Delegator) New(ctx context.Context, req *schema.ClientRequest) error {
	inst := d.instrument(req.TickerID)
	if inst == nil {
		return errors.Wrapf(exception.ErrOrderInvalidRequest, "ticker %d not registered", req.TickerID)
	}
	if req.Price <= 0 {
		// the venue endpoint takes limit orders only
		d.rejectNew(req, schema.RejectInvalidPrice)
		return nil
	}
	if !inst.probed {
		if err := d.probeFilters(ctx, inst); err != nil {
			logs.Warnf("binance og: ordering %s with default filters: %+v", inst.symbol, err)
		}
	}

	qtyF, ok := inst.filters.quantize(req.Qty.Float())
	if !ok {
		d.rejectNew(req, schema.RejectInvalidQuantity)
		return nil
	}
	market, err := d.marketPrice(ctx, inst.symbol)
	if err != nil {
		logs.Errorf("binance og: no market price for %s: %+v", inst.symbol, err)
		d.rejectNew(req, schema.RejectInvalidPrice)
		return nil
	}
	priceF := req.Price.Float()
	if adjusted, moved := inst.filters.bandPrice(req.Side, priceF, market); moved {
		logs.Warnf("binance og: order %d price %.2f outside %s band, adjusted to %.2f",
			req.OrderID, priceF, inst.symbol, adjusted)
		priceF = adjusted
	}

	body, ve, err := d.doSigned(ctx, http.MethodPost, d.newOrderQuery(inst.symbol, req.Side, qtyF, priceF))
	if err != nil {
		return errors.Wrap(err, "place order")
	}
	if ve != nil {
		logs.Warnf("binance og: order %d rejected by venue: %d %s", req.OrderID, ve.Code, ve.Msg)
		d.rejectNew(req, mapVenueReason(ve))
		return nil
	}

	var ack struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := sonic.Unmarshal(body, &ack); err != nil {
		return errors.Wrap(exception.ErrOrderDecodeResponseBody, err.Error())
	}
	if ack.OrderID == 0 {
		return exception.ErrOrderEmptyResponseOrderID
	}

	d.ids.Put(req.OrderID, strconv.FormatInt(ack.OrderID, 10))
	o, err := d.states.Ack(req.OrderID)
	if err != nil {
		logs.Errorf("binance og: order %d vanished before ack: %+v", req.OrderID, err)
		return nil
	}
	d.emit.Accept(o)
	return nil
}

// Cancel withdraws the venue order behind a tracked id and erases the
// mapping on success.
func (d *Delegator) Cancel(ctx context.Context, req *schema.ClientRequest) error {
	venueID, ok := d.ids.Get(req.OrderID)
	if !ok {
		// tracked locally but never acknowledged by the venue
		d.emit.CancelReject(req, schema.RejectInvalidOrderID)
		return nil
	}
	inst := d.instrument(req.TickerID)
	if inst == nil {
		d.emit.CancelReject(req, schema.RejectInvalidTicker)
		return nil
	}

	_, ve, err := d.doSigned(ctx, http.MethodDelete, d.orderRefQuery(inst.symbol, venueID))
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	if ve != nil {
		logs.Warnf("binance og: cancel %d rejected by venue: %d %s", req.OrderID, ve.Code, ve.Msg)
		d.emit.CancelReject(req, mapVenueReason(ve))
		return nil
	}

	if o, err := d.states.Cancel(req.OrderID); err == nil {
		d.emit.Canceled(o)
	}
	d.ids.Drop(req.OrderID)
	return nil
}

// rejectNew drops the tracked order and emits the rejection.
func (d *Delegator) rejectNew(req *schema.ClientRequest, reason schema.RejectReason) {
	d.states.Drop(req.OrderID)
	d.emit.Reject(req, reason)
}

func venueSide(side schema.Side) string {
	if side == schema.SideSell {
		return "SELL"
	}
	return "BUY"
}

// mapVenueReason folds the venue's error code classes onto the
// normalized reject reasons.
func mapVenueReason(ve *venueError) schema.RejectReason {
	switch ve.Code {
	case -2011:
		return schema.RejectInvalidOrderID
	case -1121:
		return schema.RejectInvalidTicker
	}
	msg := strings.ToUpper(ve.Msg)
	switch {
	case strings.Contains(msg, "PRICE"):
		return schema.RejectInvalidPrice
	case strings.Contains(msg, "LOT_SIZE"), strings.Contains(msg, "QUANTITY"), strings.Contains(msg, "QTY"):
		return schema.RejectInvalidQuantity
	default:
		return schema.RejectNone
	}
}

func (d *Delegator) newOrderQuery(symbol string, side schema.Side, qty, price float64) []byte {
	q := make([]byte, 0, 192)
	q = append(q, "symbol="...)
	q = append(q, symbol...)
	q = append(q, "&side="...)
	q = append(q, venueSide(side)...)
	q = append(q, "&type=LIMIT&timeInForce=GTC&quantity="...)
	q = strconv.AppendFloat(q, qty, 'f', 8, 64)
	q = append(q, "&price="...)
	q = strconv.AppendFloat(q, price, 'f', 8, 64)
	return d.stampAndSign(q)
}

func (d *Delegator) orderRefQuery(symbol, venueID string) []byte {
	q := make([]byte, 0, 128)
	q = append(q, "symbol="...)
	q = append(q, symbol...)
	q = append(q, "&orderId="...)
	q = append(q, venueID...)
	return d.stampAndSign(q)
}

// stampAndSign appends the timestamp, then the hex HMAC-SHA256 of
// everything before the signature parameter.
func (d *Delegator) stampAndSign(q []byte) []byte {
	q = append(q, "&timestamp="...)
	q = strconv.AppendInt(q, time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(q)
	q = append(q, "&signature="...)
	return hex.AppendEncode(q, mac.Sum(nil))
}

// doSigned runs one signed order-endpoint request under the client
// lock. A parseable venue error body comes back as a venueError, not
// an error.
func (d *Delegator) doSigned(ctx context.Context, method string, query []byte) ([]byte, *venueError, error) {
	d.httpMu.Lock()
	defer d.httpMu.Unlock()

	r := d.client.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", d.apiKey)
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodPost:
		resp, err = r.SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(query).
			Post(d.base + orderPath)
	case http.MethodDelete:
		resp, err = r.Delete(d.base + orderPath + "?" + string(query))
	default:
		resp, err = r.Get(d.base + orderPath + "?" + string(query))
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "venue request")
	}
	if resp.IsError() {
		var ve venueError
		if sonic.Unmarshal(resp.Body(), &ve) == nil && ve.Code != 0 {
			return nil, &ve, nil
		}
		return nil, nil, errors.Errorf("venue status %s: %s", resp.Status(), resp.Body())
	}
	return resp.Body(), nil, nil
}

func (d *Delegator) marketPrice(ctx context.Context, symbol string) (float64, error) {
	d.httpMu.Lock()
	resp, err := d.client.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get(d.base + tickerPricePath)
	d.httpMu.Unlock()
	if err != nil {
		return 0, errors.Wrap(err, "query ticker price")
	}
	if resp.IsError() {
		return 0, errors.Errorf("ticker price status %s: %s", resp.Status(), resp.Body())
	}
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return 0, errors.Wrap(err, "decode ticker price")
	}
	v := toFloat(out.Price)
	if v <= 0 {
		return 0, errors.Errorf("ticker price %q unusable", out.Price.String())
	}
	return v, nil
}

func (d *Delegator) probeFilters(ctx context.Context, inst *instrument) error {
	d.httpMu.Lock()
	resp, err := d.client.R().SetContext(ctx).
		SetQueryParam("symbol", inst.symbol).
		Get(d.base + exchangeInfoPath)
	d.httpMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "query exchange info")
	}
	if resp.IsError() {
		return errors.Errorf("exchange info status %s: %s", resp.Status(), resp.Body())
	}
	fs, err := parseFilterSet(resp.Body(), inst.symbol)
	if err != nil {
		return err
	}
	inst.filters = fs
	inst.probed = true
	return nil
}
