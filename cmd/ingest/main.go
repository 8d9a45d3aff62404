package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"venuelink/internal/adapter"
	"venuelink/internal/bus"
	"venuelink/internal/obs"
	"venuelink/internal/ops"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"

	// Venue feeds register through init.
	_ "venuelink/internal/ingest/binance"
	_ "venuelink/internal/ingest/kite"
)

// sourceFeed marks captured events as venue market data.
const sourceFeed = 2

const drainIdleSleep = 50 * time.Microsecond

func main() {
	if err := run(); err != nil {
		log.Printf("ingest: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config")
	envFile := flag.String("env-file", "", "Env file to load before config resolution (default: .env if present)")
	venueFlag := flag.String("venue", "", "Venue adapter name (default: the only configured exchange)")
	walDir := flag.String("wal-dir", "testdata/wal", "WAL directory for market data capture")
	walPrefix := flag.String("wal-prefix", "capture", "WAL file prefix")
	walSession := flag.String("wal-session", "", "Capture session id (default: fresh UUID)")
	statsInterval := flag.Duration("stats-interval", 30*time.Second, "Progress log interval (0=disable)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("env file load: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	if len(loaded.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	venueName := strings.ToUpper(strings.TrimSpace(*venueFlag))
	if venueName == "" && len(loaded.Exchanges) == 1 {
		for name := range loaded.Exchanges {
			venueName = name
		}
	}
	if venueName == "" {
		return fmt.Errorf("venue not determined: pass -venue or configure exactly one exchange (registered: %v)", adapter.Names())
	}
	venue, ok := adapter.Select(venueName)
	if !ok || venue.MarketData == nil {
		return fmt.Errorf("venue %q has no market data feed (have %v)", venueName, adapter.Names())
	}

	cfg := recorder.DefaultConfig(*walDir)
	cfg.FilePrefix = *walPrefix
	cfg.SessionID = *walSession
	// The drain loop reuses one encode buffer across appends.
	cfg.CopyPayload = true
	writer, err := recorder.NewWriter(cfg)
	if err != nil {
		return err
	}
	if err := writer.Start(ctx); err != nil {
		return err
	}
	log.Printf("capture session: dir=%s session=%s prefix=%s", *walDir, writer.SessionID(), cfg.FilePrefix)

	updates := bus.New[schema.MarketUpdate](bus.DefaultUpdateQueueCap)
	metrics := obs.NewMetrics()

	md, err := venue.MarketData(loaded, updates)
	if err != nil {
		return fmt.Errorf("build %s market data: %w", venueName, err)
	}
	if err := md.Start(ctx); err != nil {
		return fmt.Errorf("start market data: %w", err)
	}
	for _, inst := range loaded.Instruments {
		if err := md.Subscribe(inst.Symbol, schema.TickerID(inst.TickerID)); err != nil {
			md.Close()
			return fmt.Errorf("subscribe %s: %w", inst.Symbol, err)
		}
	}
	log.Printf("capturing venue=%s instruments=%d", venueName, len(loaded.Instruments))

	traces := obs.NewTraceGenerator(0)
	var seq uint64
	var captured, dropped uint64
	var buf []byte
	lastStats := time.Now()
	for ctx.Err() == nil {
		update, ok := updates.TryPop()
		if !ok {
			if err := writer.Err(); err != nil {
				md.Close()
				return fmt.Errorf("wal writer: %w", err)
			}
			time.Sleep(drainIdleSleep)
			continue
		}
		seq++
		now := time.Now().UTC().UnixNano()
		header := schema.NewHeader(schema.EventMarketUpdate, sourceFeed, seq, now, now)
		traces.Stamp(&header)
		buf = update.Encode(buf[:0])
		if err := writer.TryAppend(header, buf); err != nil {
			dropped++
			metrics.IncQueueDrop()
		} else {
			captured++
			metrics.ObserveEvent(header)
		}
		if *statsInterval > 0 && time.Since(lastStats) >= *statsInterval {
			log.Printf("progress: captured=%d dropped=%d reconnects=%d decode_errors=%d",
				captured, dropped, metrics.Snapshot().Reconnects, metrics.Snapshot().DecodeErrors)
			lastStats = time.Now()
		}
	}

	log.Printf("shutdown signal received")
	md.Close()

	// The feed is closed; whatever is still queued gets flushed.
	for {
		update, ok := updates.TryPop()
		if !ok {
			break
		}
		seq++
		now := time.Now().UTC().UnixNano()
		header := schema.NewHeader(schema.EventMarketUpdate, sourceFeed, seq, now, now)
		traces.Stamp(&header)
		buf = update.Encode(buf[:0])
		if err := writer.TryAppend(header, buf); err != nil {
			dropped++
		} else {
			captured++
		}
	}
	if err := writer.Close(); err != nil {
		log.Printf("wal close failed: %v", err)
	}

	snap := metrics.Snapshot()
	log.Printf("capture done: captured=%d dropped=%d reconnects=%d decode_errors=%d",
		captured, dropped, snap.Reconnects, snap.DecodeErrors)
	return nil
}
