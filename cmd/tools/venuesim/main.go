// Command venuesim runs a local stand-in for both trading venues so the
// adapters can be exercised end to end without production credentials.
//
// One fiber listener carries the REST surfaces of both venues plus a
// small admin API. Two plain HTTP listeners carry the streams, the way
// the real venues split REST and stream hosts: the JSON depth/trade
// stream on -a-stream-addr under /ws, the binary quote stream on
// -b-stream-addr at the root path.
//
// The admin API drives what the venues never expose directly:
//
//	POST /sim/postback?type=order  inject an order postback onto the
//	                               binary venue's stream
//	GET  /sim/markets              inspect the simulated books
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	var (
		httpAddr    = flag.String("http-addr", ":7801", "REST listen address for both venues and the admin API")
		aStreamAddr = flag.String("a-stream-addr", ":7802", "JSON stream listen address, path /ws")
		bStreamAddr = flag.String("b-stream-addr", ":7803", "binary stream listen address, root path")

		symbols  = flag.String("symbols", "BTCUSDT,ETHUSDT", "comma separated symbols to simulate")
		interval = flag.Duration("interval", 250*time.Millisecond, "walk step interval")
		seed     = flag.Int64("seed", 0, "random seed, 0 seeds from the clock")

		basePrice = flag.Int64("base-price", 10000, "starting mid price in hundredths")
		spread    = flag.Int64("spread", 10, "bid ask spread in hundredths")
		tick      = flag.Int64("tick", 5, "distance between book levels in hundredths")
		walk      = flag.Int64("walk", 5, "max mid move per step in hundredths")
		baseQty   = flag.Int64("base-qty", 1000, "base level quantity in hundredths of a share")
		depth     = flag.Int("depth", 5, "book levels per side")

		aAPIKey     = flag.String("a-api-key", "sim-key", "JSON venue API key")
		aAPISecret  = flag.String("a-api-secret", "sim-secret", "JSON venue signing secret")
		fillLatency = flag.Duration("fill-latency", 100*time.Millisecond, "delay before a resting order fills")
		fillProb    = flag.Float64("fill-prob", 1, "probability a placed order ever fills")
		partialProb = flag.Float64("partial-prob", 0, "probability a fill arrives in two parts")

		bAPIKey      = flag.String("b-api-key", "sim-key", "binary venue API key")
		bAPISecret   = flag.String("b-api-secret", "sim-secret", "binary venue API secret")
		bUserID      = flag.String("b-user-id", "SIM001", "binary venue login user id")
		bPassword    = flag.String("b-password", "simpass", "binary venue login password")
		bTOTPSeed    = flag.String("b-totp-seed", "", "TOTP seed, empty accepts any six digits")
		bAccessToken = flag.String("b-access-token", "", "preseed an access token so clients can skip the login flow")
		bExchange    = flag.String("b-exchange", "NSE", "exchange column for the instrument dump")
		bRedirect    = flag.String("b-redirect", "https://127.0.0.1/login/callback", "redirect target carrying the request token")
	)
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	table, err := newMarketTable(strings.Split(*symbols, ","), marketTuning{
		basePrice: *basePrice,
		spread:    *spread,
		tick:      *tick,
		walk:      *walk,
		baseQty:   *baseQty,
		depth:     *depth,
	}, *seed)
	if err != nil {
		log.Fatalf("venuesim: %v", err)
	}

	venueA := newVenueA(table, *aAPIKey, *aAPISecret, *fillLatency, *fillProb, *partialProb, *seed+1)
	venueB := newVenueB(table, *bAPIKey, *bAPISecret, *bUserID, *bPassword, *bTOTPSeed, *bExchange, *bRedirect, *bAccessToken)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	app.Use(recover.New())
	venueA.register(app)
	venueB.register(app)
	registerAdmin(app, venueB, table)

	errCh := make(chan error, 3)
	go func() {
		if err := app.Listen(*httpAddr); err != nil {
			errCh <- err
		}
	}()

	aMux := http.NewServeMux()
	aMux.HandleFunc("/ws", venueA.hub.serveWS)
	aServer := &http.Server{Addr: *aStreamAddr, Handler: aMux}
	go func() {
		if err := aServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	bMux := http.NewServeMux()
	bMux.HandleFunc("/", venueB.serveWS)
	bServer := &http.Server{Addr: *bStreamAddr, Handler: bMux}
	go func() {
		if err := bServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Printf("venuesim serving REST on %s, JSON stream on %s/ws, binary stream on %s", *httpAddr, *aStreamAddr, *bStreamAddr)
	for _, m := range table.list {
		bid, ask := m.touch()
		log.Printf("  %s token %d touch %s/%s", m.symbol, m.token, priceString(bid), priceString(ask))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var steps int64
	for {
		select {
		case err := <-errCh:
			log.Fatalf("venuesim listener: %v", err)
		case <-ctx.Done():
			_ = app.Shutdown()
			_ = aServer.Close()
			_ = bServer.Close()
			log.Printf("venuesim stopped after %d steps, %d orders placed", steps, venueA.orderCount())
			return
		case <-ticker.C:
			for _, m := range table.list {
				venueA.hub.broadcast(m.step())
			}
			venueB.hub.broadcast(table)
			steps++
		}
	}
}

// registerAdmin mounts the endpoints tests use to drive the parts of
// the venues that only move on real exchanges.
func registerAdmin(app *fiber.App, venueB *venueB, table *marketTable) {
	sim := app.Group("/sim")

	sim.Post("/postback", func(c *fiber.Ctx) error {
		var obj map[string]json.RawMessage
		if err := sonic.Unmarshal(c.Body(), &obj); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body must be a JSON object"})
		}
		event := c.Query("type", "order")
		delivered := venueB.hub.postback(event, c.Body())
		log.Printf("postback type=%s delivered to %d clients", event, delivered)
		return c.JSON(fiber.Map{"delivered": delivered})
	})

	sim.Get("/markets", func(c *fiber.Ctx) error {
		out := make([]fiber.Map, 0, len(table.list))
		for _, m := range table.list {
			bid, ask := m.touch()
			out = append(out, fiber.Map{
				"symbol": m.symbol,
				"token":  m.token,
				"bid":    priceString(bid),
				"ask":    priceString(ask),
				"last":   priceString(m.last()),
			})
		}
		return c.JSON(out)
	})
}
