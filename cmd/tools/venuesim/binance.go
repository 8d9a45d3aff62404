package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
)

// venueA serves the JSON venue: depth snapshots, signed order
// endpoints, and the combined depth/trade stream. Orders rest until
// the fill latency passes and resolve on the next status poll, the
// way the live venue resolves them for a polling client.
type venueA struct {
	table  *marketTable
	apiKey string
	secret []byte

	fillLatency time.Duration
	fillProb    float64
	partialProb float64

	mu     sync.Mutex
	rng    *rand.Rand
	orders map[int64]*simOrder
	nextID int64

	hub *streamHub
}

type simOrder struct {
	id       int64
	symbol   string
	side     string
	price    int64
	qty      int64
	executed int64
	status   string
	willFill bool
	partial  bool
	fillAt   time.Time
}

func newVenueA(table *marketTable, apiKey, apiSecret string, fillLatency time.Duration, fillProb, partialProb float64, seed int64) *venueA {
	return &venueA{
		table:       table,
		apiKey:      apiKey,
		secret:      []byte(apiSecret),
		fillLatency: fillLatency,
		fillProb:    fillProb,
		partialProb: partialProb,
		rng:         rand.New(rand.NewSource(seed)),
		orders:      make(map[int64]*simOrder),
		nextID:      1000,
		hub:         newStreamHub(),
	}
}

func (v *venueA) register(app *fiber.App) {
	api := app.Group("/api/v3")
	api.Get("/depth", v.handleDepth)
	api.Get("/exchangeInfo", v.handleExchangeInfo)
	api.Get("/ticker/price", v.handleTickerPrice)
	api.Post("/order", v.handlePlaceOrder)
	api.Delete("/order", v.handleCancelOrder)
	api.Get("/order", v.handleOrderStatus)
}

func (v *venueA) orderCount() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nextID - 1000
}

func venueAError(c *fiber.Ctx, status, code int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"code": code, "msg": msg})
}

func (v *venueA) handleDepth(c *fiber.Ctx) error {
	m := v.table.bySymbol[strings.ToUpper(c.Query("symbol"))]
	if m == nil {
		return venueAError(c, fiber.StatusBadRequest, -1121, "Invalid symbol.")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	id, bids, asks := m.snapshot(limit)
	return c.JSON(fiber.Map{"lastUpdateId": id, "bids": bids, "asks": asks})
}

func (v *venueA) handleExchangeInfo(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Query("symbol"))
	if v.table.bySymbol[symbol] == nil {
		return venueAError(c, fiber.StatusBadRequest, -1121, "Invalid symbol.")
	}
	// whole-share lots, wide price bands
	return c.JSON(fiber.Map{
		"timezone": "UTC",
		"symbols": []fiber.Map{{
			"symbol": symbol,
			"status": "TRADING",
			"filters": []fiber.Map{
				{"filterType": "LOT_SIZE", "minQty": "1.00", "maxQty": "100000.00", "stepSize": "1.00"},
				{"filterType": "PERCENT_PRICE_BY_SIDE", "bidMultiplierUp": "5", "bidMultiplierDown": "0.2",
					"askMultiplierUp": "5", "askMultiplierDown": "0.2"},
			},
		}},
	})
}

func (v *venueA) handleTickerPrice(c *fiber.Ctx) error {
	m := v.table.bySymbol[strings.ToUpper(c.Query("symbol"))]
	if m == nil {
		return venueAError(c, fiber.StatusBadRequest, -1121, "Invalid symbol.")
	}
	return c.JSON(fiber.Map{"symbol": m.symbol, "price": priceString(m.last())})
}

// authorize verifies the key header and the trailing HMAC signature
// over the raw parameter string, then returns the parsed values. A
// false return means the error response is already written.
func (v *venueA) authorize(c *fiber.Ctx) (url.Values, bool) {
	if c.Get("X-MBX-APIKEY") != v.apiKey {
		_ = venueAError(c, fiber.StatusUnauthorized, -2015, "Invalid API-key, IP, or permissions for action.")
		return nil, false
	}
	raw := c.Body()
	if c.Method() != fiber.MethodPost {
		raw = c.Request().URI().QueryString()
	}
	idx := bytes.LastIndex(raw, []byte("&signature="))
	if idx < 0 {
		_ = venueAError(c, fiber.StatusBadRequest, -1102, "Mandatory parameter 'signature' was not sent.")
		return nil, false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw[:idx])
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.ToLower(string(raw[idx+len("&signature="):]))
	if !hmac.Equal([]byte(want), []byte(got)) {
		_ = venueAError(c, fiber.StatusUnauthorized, -1022, "Signature for this request is not valid.")
		return nil, false
	}
	vals, err := url.ParseQuery(string(raw[:idx]))
	if err != nil {
		_ = venueAError(c, fiber.StatusBadRequest, -1100, "Illegal characters found in a parameter.")
		return nil, false
	}
	return vals, true
}

func (v *venueA) handlePlaceOrder(c *fiber.Ctx) error {
	vals, ok := v.authorize(c)
	if !ok {
		return nil
	}
	m := v.table.bySymbol[strings.ToUpper(vals.Get("symbol"))]
	if m == nil {
		return venueAError(c, fiber.StatusBadRequest, -1121, "Invalid symbol.")
	}
	side := strings.ToUpper(vals.Get("side"))
	if side != "BUY" && side != "SELL" {
		return venueAError(c, fiber.StatusBadRequest, -1102, "Mandatory parameter 'side' was not sent.")
	}
	qty := parseScaled(vals.Get("quantity"))
	if qty < 100 || qty%100 != 0 {
		return venueAError(c, fiber.StatusBadRequest, -1013, "Filter failure: LOT_SIZE")
	}
	price := parseScaled(vals.Get("price"))
	switch strings.ToUpper(vals.Get("type")) {
	case "LIMIT":
		if price <= 0 {
			return venueAError(c, fiber.StatusBadRequest, -1013, "Filter failure: PRICE_FILTER")
		}
	case "MARKET":
		bid, ask := m.touch()
		price = ask
		if side == "SELL" {
			price = bid
		}
	default:
		return venueAError(c, fiber.StatusBadRequest, -1116, "Invalid orderType.")
	}

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.orders[id] = &simOrder{
		id:       id,
		symbol:   m.symbol,
		side:     side,
		price:    price,
		qty:      qty,
		status:   "NEW",
		willFill: v.rng.Float64() < v.fillProb,
		partial:  v.rng.Float64() < v.partialProb,
		fillAt:   time.Now().Add(v.fillLatency),
	}
	v.mu.Unlock()

	log.Printf("venue-a order %d: %s %s %s @ %s", id, side, priceString(qty), m.symbol, priceString(price))
	return c.JSON(fiber.Map{
		"symbol":       m.symbol,
		"orderId":      id,
		"transactTime": time.Now().UnixMilli(),
		"status":       "NEW",
	})
}

func (v *venueA) handleCancelOrder(c *fiber.Ctx) error {
	vals, ok := v.authorize(c)
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(vals.Get("orderId"), 10, 64)
	if err != nil {
		return venueAError(c, fiber.StatusBadRequest, -1102, "Mandatory parameter 'orderId' was not sent.")
	}

	v.mu.Lock()
	o := v.orders[id]
	if o != nil {
		v.advanceLocked(o, time.Now())
	}
	if o == nil || o.status == "FILLED" || o.status == "CANCELED" {
		v.mu.Unlock()
		return venueAError(c, fiber.StatusBadRequest, -2011, "Unknown order sent.")
	}
	o.status = "CANCELED"
	v.mu.Unlock()

	log.Printf("venue-a order %d canceled", id)
	return c.JSON(fiber.Map{"symbol": o.symbol, "orderId": id, "status": "CANCELED"})
}

func (v *venueA) handleOrderStatus(c *fiber.Ctx) error {
	vals, ok := v.authorize(c)
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(vals.Get("orderId"), 10, 64)
	if err != nil {
		return venueAError(c, fiber.StatusBadRequest, -1102, "Mandatory parameter 'orderId' was not sent.")
	}

	v.mu.Lock()
	o := v.orders[id]
	if o == nil {
		v.mu.Unlock()
		return venueAError(c, fiber.StatusBadRequest, -2011, "Unknown order sent.")
	}
	v.advanceLocked(o, time.Now())
	resp := fiber.Map{
		"symbol":      o.symbol,
		"orderId":     o.id,
		"status":      o.status,
		"executedQty": float8String(o.executed),
		"origQty":     float8String(o.qty),
		"price":       float8String(o.price),
	}
	v.mu.Unlock()
	return c.JSON(resp)
}

// advanceLocked moves an order along its decided outcome once the
// fill latency has passed. A partial outcome lands half first and the
// remainder one latency later.
func (v *venueA) advanceLocked(o *simOrder, now time.Time) {
	if o.status != "NEW" && o.status != "PARTIALLY_FILLED" {
		return
	}
	if !o.willFill || now.Before(o.fillAt) {
		return
	}
	if o.partial && o.status == "NEW" {
		half := o.qty / 200 * 100
		if half > 0 && half < o.qty {
			o.executed = half
			o.status = "PARTIALLY_FILLED"
			o.fillAt = now.Add(v.fillLatency)
			return
		}
	}
	o.executed = o.qty
	o.status = "FILLED"
}

// parseScaled reads a decimal string into hundredths, truncating any
// extra fraction digits.
func parseScaled(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * 100)
}

func float8String(v int64) string {
	return strconv.FormatFloat(float64(v)/100, 'f', 8, 64)
}

// streamHub fans depth and trade events out to stream subscribers.
type streamHub struct {
	upgrader gws.Upgrader
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
}

type streamClient struct {
	conn *gws.Conn
	mu   sync.Mutex
	subs map[string]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{
		upgrader: gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*streamClient]struct{}),
	}
}

type streamControl struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (h *streamHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &streamClient{conn: conn, subs: make(map[string]struct{})}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer h.drop(client)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != gws.TextMessage {
			continue
		}
		var req streamControl
		if err := sonic.Unmarshal(data, &req); err != nil {
			client.write([]byte(`{"error":{"code":2,"msg":"Invalid request."},"id":null}`))
			continue
		}
		client.mu.Lock()
		switch req.Method {
		case "SUBSCRIBE":
			for _, p := range req.Params {
				client.subs[strings.ToLower(p)] = struct{}{}
			}
		case "UNSUBSCRIBE":
			for _, p := range req.Params {
				delete(client.subs, strings.ToLower(p))
			}
		default:
			client.mu.Unlock()
			client.write([]byte(`{"error":{"code":2,"msg":"Unknown method."},"id":` + strconv.FormatInt(req.ID, 10) + `}`))
			continue
		}
		client.mu.Unlock()
		client.write([]byte(`{"result":null,"id":` + strconv.FormatInt(req.ID, 10) + `}`))
	}
}

func (h *streamHub) drop(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	_ = client.conn.Close()
}

func (c *streamClient) write(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(gws.TextMessage, payload) == nil
}

func (c *streamClient) wants(stream string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[stream]
	return ok
}

type depthEvent struct {
	Event   string      `json:"e"`
	EventMs int64       `json:"E"`
	Symbol  string      `json:"s"`
	FirstID int64       `json:"U"`
	LastID  int64       `json:"u"`
	Bids    [][2]string `json:"b"`
	Asks    [][2]string `json:"a"`
}

type tradeStreamEvent struct {
	Event      string `json:"e"`
	EventMs    int64  `json:"E"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	BuyerMaker bool   `json:"m"`
}

// broadcast renders one step into stream events and pushes them to
// every subscribed client. Write failures retire the client.
func (h *streamHub) broadcast(res stepResult) {
	var depth, trade []byte
	if len(res.bids) > 0 || len(res.asks) > 0 {
		depth, _ = sonic.Marshal(depthEvent{
			Event:   "depthUpdate",
			EventMs: res.eventMs,
			Symbol:  res.symbol,
			FirstID: res.firstID,
			LastID:  res.lastID,
			Bids:    nonNil(res.bids),
			Asks:    nonNil(res.asks),
		})
	}
	if res.trade != nil {
		trade, _ = sonic.Marshal(tradeStreamEvent{
			Event:      "trade",
			EventMs:    res.eventMs,
			Symbol:     res.symbol,
			Price:      priceString(res.trade.price),
			Qty:        priceString(res.trade.qty),
			BuyerMaker: res.trade.buyerMaker,
		})
	}
	if depth == nil && trade == nil {
		return
	}

	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		ok := true
		if depth != nil && c.wants(res.stream+"@depth") {
			ok = c.write(depth)
		}
		if ok && trade != nil && c.wants(res.stream+"@trade") {
			ok = c.write(trade)
		}
		if !ok {
			h.drop(c)
		}
	}
}

func nonNil(levels [][2]string) [][2]string {
	if levels == nil {
		return [][2]string{}
	}
	return levels
}
