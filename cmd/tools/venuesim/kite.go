package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

// venueB serves the binary venue: the four-step login flow, the
// instrument dump, and the token-addressed quote stream. Order
// feedback travels as text postbacks on the quote stream, injected
// through the admin endpoint since this venue pushes instead of being
// polled.
type venueB struct {
	table    *marketTable
	apiKey   string
	secret   string
	userID   string
	password string
	totpSeed string
	exchange string
	redirect string

	mu            sync.Mutex
	pending       map[string]bool
	requestTokens map[string]bool
	accessTokens  map[string]bool

	hub *quoteHub
}

func newVenueB(table *marketTable, apiKey, apiSecret, userID, password, totpSeed, exchange, redirect, presetToken string) *venueB {
	v := &venueB{
		table:         table,
		apiKey:        apiKey,
		secret:        apiSecret,
		userID:        userID,
		password:      password,
		totpSeed:      totpSeed,
		exchange:      strings.ToUpper(exchange),
		redirect:      redirect,
		pending:       make(map[string]bool),
		requestTokens: make(map[string]bool),
		accessTokens:  make(map[string]bool),
		hub:           newQuoteHub(),
	}
	if presetToken != "" {
		v.accessTokens[presetToken] = true
	}
	return v
}

func (v *venueB) register(app *fiber.App) {
	app.Post("/api/login", v.handleLogin)
	app.Post("/api/twofa", v.handleTwoFA)
	app.Get("/connect/login", v.handleConnect)
	app.Post("/session/token", v.handleSessionToken)
	app.Get("/instruments", v.handleInstruments)
}

func kiteOK(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"status": "success", "data": data})
}

func kiteError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"status": "error", "message": msg, "data": nil})
}

func (v *venueB) handleLogin(c *fiber.Ctx) error {
	if c.FormValue("user_id") != v.userID || c.FormValue("password") != v.password {
		return kiteError(c, fiber.StatusForbidden, "Invalid username or password.")
	}
	requestID := uuid.NewString()
	v.mu.Lock()
	v.pending[requestID] = false
	v.mu.Unlock()
	c.Cookie(&fiber.Cookie{Name: "sim_session", Value: requestID})
	return kiteOK(c, fiber.Map{"request_id": requestID, "twofa_type": "totp"})
}

func (v *venueB) handleTwoFA(c *fiber.Ctx) error {
	requestID := c.FormValue("request_id")
	v.mu.Lock()
	_, known := v.pending[requestID]
	v.mu.Unlock()
	if !known || c.FormValue("user_id") != v.userID {
		return kiteError(c, fiber.StatusForbidden, "Invalid request id.")
	}
	if !v.codeValid(c.FormValue("twofa_value")) {
		return kiteError(c, fiber.StatusForbidden, "Invalid TOTP.")
	}
	v.mu.Lock()
	v.pending[requestID] = true
	v.mu.Unlock()
	return kiteOK(c, fiber.Map{})
}

// codeValid checks the second factor against the configured seed; no
// seed accepts any six digits so scripted runs skip TOTP setup.
func (v *venueB) codeValid(code string) bool {
	if v.totpSeed != "" {
		seed := strings.ToUpper(strings.Join(strings.Fields(v.totpSeed), ""))
		return totp.Validate(code, seed)
	}
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// handleConnect finishes the browser leg: a logged-in session gets a
// redirect whose query carries the one-shot request token.
func (v *venueB) handleConnect(c *fiber.Ctx) error {
	if c.Query("api_key") != v.apiKey {
		return kiteError(c, fiber.StatusForbidden, "Invalid api_key.")
	}
	v.mu.Lock()
	authorized := v.pending[c.Cookies("sim_session")]
	v.mu.Unlock()
	if !authorized {
		return kiteError(c, fiber.StatusForbidden, "Login incomplete.")
	}
	token := uuid.NewString()
	v.mu.Lock()
	v.requestTokens[token] = true
	v.mu.Unlock()
	return c.Redirect(v.redirect+"?request_token="+token+"&action=login&status=success", fiber.StatusFound)
}

func (v *venueB) handleSessionToken(c *fiber.Ctx) error {
	if c.FormValue("api_key") != v.apiKey {
		return kiteError(c, fiber.StatusForbidden, "Invalid api_key.")
	}
	token := c.FormValue("request_token")
	v.mu.Lock()
	valid := v.requestTokens[token]
	delete(v.requestTokens, token)
	v.mu.Unlock()

	sum := sha256.Sum256([]byte(v.apiKey + token + v.secret))
	if !valid || c.FormValue("checksum") != hex.EncodeToString(sum[:]) {
		return kiteError(c, fiber.StatusForbidden, "Token is invalid or has expired.")
	}

	access := strings.ReplaceAll(uuid.NewString(), "-", "")
	v.mu.Lock()
	v.accessTokens[access] = true
	v.mu.Unlock()
	log.Printf("venue-b session issued for %s", v.userID)
	return kiteOK(c, fiber.Map{"access_token": access, "user_id": v.userID})
}

func (v *venueB) tokenValid(access string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accessTokens[access]
}

// handleInstruments serves the twelve-column instrument dump behind
// the token authorization header.
func (v *venueB) handleInstruments(c *fiber.Ctx) error {
	auth := strings.TrimPrefix(c.Get("Authorization"), "token ")
	key, access, ok := strings.Cut(auth, ":")
	if !ok || key != v.apiKey || !v.tokenValid(access) {
		return kiteError(c, fiber.StatusForbidden, "Invalid session.")
	}

	var b strings.Builder
	b.WriteString("instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange\n")
	for _, m := range v.table.list {
		fmt.Fprintf(&b, "%d,%d,%s,%s,%s,,0,0.05,1,EQ,%s,%s\n",
			m.token, m.token>>8, m.symbol, m.symbol, priceString(m.last()), v.exchange, v.exchange)
	}
	c.Set(fiber.HeaderContentType, "text/csv")
	return c.SendString(b.String())
}

// quoteHub fans binary quote frames out to stream clients, each in
// the mode the client asked for per token.
type quoteHub struct {
	upgrader gws.Upgrader
	mu       sync.Mutex
	clients  map[*quoteClient]struct{}
}

type quoteClient struct {
	conn  *gws.Conn
	mu    sync.Mutex
	modes map[int32]string
}

func newQuoteHub() *quoteHub {
	return &quoteHub{
		upgrader: gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*quoteClient]struct{}),
	}
}

// serveWS gates the upgrade on the api key and access token carried
// in the URL query, the venue's connect contract.
func (v *venueB) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("api_key") != v.apiKey || !v.tokenValid(q.Get("access_token")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := v.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &quoteClient{conn: conn, modes: make(map[int32]string)}
	v.hub.mu.Lock()
	v.hub.clients[client] = struct{}{}
	v.hub.mu.Unlock()
	defer v.hub.drop(client)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == gws.TextMessage {
			client.control(data)
		}
	}
}

// control applies one {"a":...,"v":...} message. Subscribes default
// to quote mode until a mode message upgrades them.
func (c *quoteClient) control(data []byte) {
	var msg struct {
		A string          `json:"a"`
		V json.RawMessage `json:"v"`
	}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		log.Printf("venue-b bad control message: %v", err)
		return
	}
	switch msg.A {
	case "subscribe":
		for _, t := range parseTokens(msg.V) {
			c.setMode(t, "quote")
		}
	case "unsubscribe":
		c.mu.Lock()
		for _, t := range parseTokens(msg.V) {
			delete(c.modes, t)
		}
		c.mu.Unlock()
	case "mode":
		var args []json.RawMessage
		var mode string
		if sonic.Unmarshal(msg.V, &args) != nil || len(args) != 2 || sonic.Unmarshal(args[0], &mode) != nil {
			log.Printf("venue-b bad mode message: %s", data)
			return
		}
		if mode != "ltp" && mode != "quote" && mode != "full" {
			log.Printf("venue-b unknown mode %q", mode)
			return
		}
		for _, t := range parseTokens(args[1]) {
			c.setMode(t, mode)
		}
	default:
		log.Printf("venue-b unknown control action %q", msg.A)
	}
}

func (c *quoteClient) setMode(token int32, mode string) {
	c.mu.Lock()
	c.modes[token] = mode
	c.mu.Unlock()
}

func parseTokens(raw json.RawMessage) []int32 {
	var wide []int64
	if err := sonic.Unmarshal(raw, &wide); err != nil {
		log.Printf("venue-b bad token list: %v", err)
		return nil
	}
	tokens := make([]int32, len(wide))
	for i, t := range wide {
		tokens[i] = int32(t)
	}
	return tokens
}

func (h *quoteHub) drop(client *quoteClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	_ = client.conn.Close()
}

func (h *quoteHub) snapshot() []*quoteClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*quoteClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// broadcast sends every client one frame with its subscribed tokens,
// or the single-byte heartbeat when it has none.
func (h *quoteHub) broadcast(table *marketTable) {
	for _, c := range h.snapshot() {
		c.mu.Lock()
		packets := make([][]byte, 0, len(c.modes))
		for token, mode := range c.modes {
			if m := table.byToken[token]; m != nil {
				packets = append(packets, m.appendPacket(nil, mode))
			}
		}
		c.mu.Unlock()

		var frame []byte
		if len(packets) == 0 {
			frame = []byte{0}
		} else {
			frame = binary.BigEndian.AppendUint16(nil, uint16(len(packets)))
			for _, p := range packets {
				frame = binary.BigEndian.AppendUint16(frame, uint16(len(p)))
				frame = append(frame, p...)
			}
		}

		c.mu.Lock()
		err := c.conn.WriteMessage(gws.BinaryMessage, frame)
		c.mu.Unlock()
		if err != nil {
			h.drop(c)
		}
	}
}

// postback wraps a payload in the venue's text envelope and delivers
// it to every connected stream client.
func (h *quoteHub) postback(event string, data []byte) int {
	payload, err := sonic.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: event, Data: data})
	if err != nil {
		return 0
	}

	delivered := 0
	for _, c := range h.snapshot() {
		c.mu.Lock()
		err := c.conn.WriteMessage(gws.TextMessage, payload)
		c.mu.Unlock()
		if err != nil {
			h.drop(c)
			continue
		}
		delivered++
	}
	return delivered
}
