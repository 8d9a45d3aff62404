package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/pkg/sys"

	"venuelink/internal/adapter"
	"venuelink/internal/bus"
	"venuelink/internal/journal"
	"venuelink/internal/obs"
	"venuelink/internal/ops"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"
	"venuelink/internal/state"
	"venuelink/internal/strategy"
	"venuelink/pkg/uds"

	// Venue factories register through init.
	_ "venuelink/internal/ingest/binance"
	_ "venuelink/internal/ingest/kite"
	_ "venuelink/internal/og/binance"
	_ "venuelink/internal/og/kite"
)

// sourceEngine marks captured events as engine-originated order flow.
const sourceEngine = 1

type traderOptions struct {
	venue        string
	opsSocket    string
	walDir       string
	walPrefix    string
	walSession   string
	snapshotPath string
	recover      *state.RecoverConfig
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	envFile := flag.String("env-file", "", "Env file to load before config resolution (default: .env if present)")
	venueFlag := flag.String("venue", "", "Venue adapter name (default: the only configured exchange)")
	opsSocket := flag.String("ops-socket", "", "UDS path for runtime introspection (empty=disabled)")

	walDir := flag.String("wal-dir", "testdata/wal", "WAL directory for order flow capture (empty=disabled)")
	walPrefix := flag.String("wal-prefix", "", "WAL file prefix (default: wal)")
	walSession := flag.String("wal-session", "", "Capture session id (default: fresh UUID)")
	snapshotPath := flag.String("snapshot-path", "", "Position snapshot output (default: <wal-dir>/positions.json)")

	recoverEnabled := flag.Bool("recover", false, "Recover positions from snapshot + WAL before trading")
	recoverSnapshot := flag.String("recover-snapshot", "", "Snapshot path for recovery (default: <wal-dir>/positions.json)")
	recoverPrefix := flag.String("recover-prefix", "", "WAL file prefix for recovery (default: wal)")
	recoverNoChecksum := flag.Bool("recover-no-checksum", false, "Disable checksum validation for recovery")
	recoverMaxPayload := flag.Int("recover-max-payload", 0, "Max payload size in bytes for recovery (0=unlimited)")

	replayDir := flag.String("replay-dir", "", "WAL directory for replay verification mode")
	replayPrefix := flag.String("replay-prefix", "", "WAL file prefix (default: wal)")
	replaySpeed := flag.Float64("replay-speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	replayUseRecv := flag.Bool("replay-use-recv-time", false, "Use receive timestamp for pacing")
	replayNoChecksum := flag.Bool("replay-no-checksum", false, "Disable checksum validation")
	replayMaxPayload := flag.Int("replay-max-payload", 0, "Max payload size in bytes (0=unlimited)")
	replaySnapshot := flag.String("replay-snapshot", "", "Snapshot path for replay verification (default: <replay-dir>/positions.json)")
	replayVerifySnapshot := flag.Bool("replay-verify-snapshot", true, "Verify positions against snapshot after replay")
	flag.Parse()

	loadEnvFile(*envFile)

	ctx := context.Background()
	if *replayDir != "" {
		cfg := recorder.PlaybackConfig{
			Dir:             *replayDir,
			FilePrefix:      *replayPrefix,
			Speed:           *replaySpeed,
			UseRecvTime:     *replayUseRecv,
			DisableChecksum: *replayNoChecksum,
			MaxPayloadSize:  *replayMaxPayload,
		}
		snapshotIn := resolveSnapshotPath(*replayDir, *replaySnapshot)
		if err := runReplay(ctx, cfg, snapshotIn, *replayVerifySnapshot); err != nil {
			log.Fatalf("replay failed: %v", err)
		}
		return
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	opt := traderOptions{
		venue:      *venueFlag,
		opsSocket:  *opsSocket,
		walDir:     *walDir,
		walPrefix:  *walPrefix,
		walSession: *walSession,
	}
	opt.snapshotPath = *snapshotPath
	if opt.snapshotPath == "" && opt.walDir != "" {
		opt.snapshotPath = filepath.Join(opt.walDir, "positions.json")
	}
	if *recoverEnabled {
		if opt.walDir == "" {
			log.Fatalf("recovery needs -wal-dir")
		}
		opt.recover = &state.RecoverConfig{
			WALDir:          opt.walDir,
			SnapshotPath:    resolveSnapshotPath(opt.walDir, *recoverSnapshot),
			FilePrefix:      *recoverPrefix,
			DisableChecksum: *recoverNoChecksum,
			MaxPayloadSize:  *recoverMaxPayload,
		}
	}

	if err := runTrader(ctx, loaded, opt); err != nil {
		log.Fatalf("trader failed: %v", err)
	}
}

func runTrader(ctx context.Context, loaded ops.Loaded, opt traderOptions) error {
	if loaded.Strategy != ops.StrategyLiquidityTaker {
		return fmt.Errorf("strategy %s has no live engine; only %s runs here", loaded.Strategy, ops.StrategyLiquidityTaker)
	}
	if len(loaded.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	venueName, err := resolveVenue(opt.venue, loaded)
	if err != nil {
		return err
	}
	venue, ok := adapter.Select(venueName)
	if !ok || venue.MarketData == nil || venue.OrderGateway == nil {
		return fmt.Errorf("venue %q is not registered (have %v)", venueName, adapter.Names())
	}

	updates := bus.New[schema.MarketUpdate](bus.DefaultUpdateQueueCap)
	requests := bus.New[schema.ClientRequest](bus.DefaultRequestQueueCap)
	responses := bus.New[schema.ClientResponse](bus.DefaultResponseQueueCap)
	metrics := obs.NewMetrics()

	var seed *state.Reducer
	var startSeq uint64
	if opt.recover != nil {
		recovered, err := state.RecoverPositions(ctx, *opt.recover)
		if err != nil {
			return err
		}
		seed = recovered.Positions
		startSeq = recovered.LastSeq
		log.Printf("recovered positions=%d last_seq=%d", seed.Count(), recovered.LastSeq)
	}

	var jnl *journal.Journal
	if loaded.Journal.Enabled {
		appName := loaded.Journal.AppName
		if appName == "" {
			appName = "venuelink-trader"
		}
		jnl, err = journal.New(journal.Config{
			DSN:        loaded.Journal.DSN,
			AppName:    appName,
			BufferSize: loaded.Journal.BufferSize,
		})
		if err != nil {
			return err
		}
		if err := jnl.Start(ctx); err != nil {
			return err
		}
	}

	capture, err := newCapture(ctx, opt, metrics, startSeq)
	if err != nil {
		return err
	}

	cfg, err := strategy.ConfigFrom(loaded)
	if err != nil {
		return err
	}

	md, err := venue.MarketData(loaded, updates)
	if err != nil {
		return fmt.Errorf("build %s market data: %w", venueName, err)
	}
	gateway, err := venue.OrderGateway(loaded, requests, responses)
	if err != nil {
		return fmt.Errorf("build %s order gateway: %w", venueName, err)
	}

	runner, err := strategy.NewRunner(strategy.Options{
		Config:      cfg,
		Instruments: strategy.InstrumentsFrom(loaded),
		Risk:        loaded.Risk,
		Books:       md,
		Updates:     updates,
		Responses:   responses,
		Requests:    requests,
		Metrics:     metrics,
		Seed:        seed,
		OnRequest: func(req schema.ClientRequest) {
			jnl.RecordRequest(req)
			capture.Request(req)
		},
		OnResponse: func(resp schema.ClientResponse) {
			jnl.RecordResponse(resp)
			capture.Response(resp)
		},
	})
	if err != nil {
		return err
	}

	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("start order gateway: %w", err)
	}
	if err := md.Start(ctx); err != nil {
		return fmt.Errorf("start market data: %w", err)
	}
	for _, inst := range loaded.Instruments {
		if err := md.Subscribe(inst.Symbol, schema.TickerID(inst.TickerID)); err != nil {
			return fmt.Errorf("subscribe %s: %w", inst.Symbol, err)
		}
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}

	opsSrv, err := startOpsServer(ctx, opt.opsSocket, metrics, runner, md, loaded)
	if err != nil {
		return err
	}

	stopProfiler := func() error { return nil }
	if loaded.Profiling.Enabled {
		stop, err := obs.StartProfiler("venuelink-trader", loaded.Profiling.ServerAddr, map[string]string{
			"venue": venueName,
			"mode":  loaded.TradingMode.String(),
		})
		if err != nil {
			log.Printf("profiler start failed: %v", err)
		} else {
			stopProfiler = stop
		}
	}

	log.Printf("trading venue=%s mode=%s instruments=%d", venueName, loaded.TradingMode, len(loaded.Instruments))
	<-sys.Shutdown()
	log.Printf("shutdown signal received")

	runner.Close()
	md.Close()
	gateway.Close()
	if opsSrv != nil {
		opsSrv.Close()
	}
	if err := stopProfiler(); err != nil {
		log.Printf("profiler stop failed: %v", err)
	}

	lastSeq, lastEventTs := capture.Close()
	if opt.snapshotPath != "" {
		snap := state.SnapshotFromPositions(runner.Positions(), lastSeq, lastEventTs)
		if err := state.WriteSnapshot(opt.snapshotPath, snap); err != nil {
			return err
		}
		log.Printf("positions snapshot written: %s", opt.snapshotPath)
	}
	jnl.Close()

	snap := metrics.Snapshot()
	log.Printf("metrics: events=%v updates=%v rejects=%v orders_sent=%d queue_drops=%d reconnects=%d decode_errors=%d",
		snap.EventCounts, snap.UpdateCounts, snap.RejectCounts,
		snap.OrdersSent, snap.QueueDrops, snap.Reconnects, snap.DecodeErrors)
	return nil
}

func runReplay(ctx context.Context, cfg recorder.PlaybackConfig, snapshotPath string, verifySnapshot bool) error {
	pb, err := recorder.NewPlayback(cfg)
	if err != nil {
		return err
	}

	positions := state.NewReducer()
	counts := make(map[schema.EventType]int)
	total := 0
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		total++
		counts[header.Type]++
		if header.Type == schema.EventClientResponse {
			positions.ApplyResponse(schema.ClientResponse{}.Decode(payload))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if verifySnapshot {
		if snapshotPath == "" {
			return fmt.Errorf("snapshot path is empty")
		}
		expected, err := state.ReadSnapshot(snapshotPath)
		if err != nil {
			return err
		}
		if err := state.CompareSnapshots(expected, positions.Snapshot()); err != nil {
			return err
		}
		log.Printf("snapshot verified: positions=%d", positions.Count())
	}
	log.Printf("replay completed: total=%d counts=%v positions=%d", total, counts, positions.Count())
	return nil
}

func resolveVenue(flagValue string, loaded ops.Loaded) (string, error) {
	if flagValue != "" {
		return strings.ToUpper(strings.TrimSpace(flagValue)), nil
	}
	if len(loaded.Exchanges) == 1 {
		for name := range loaded.Exchanges {
			return name, nil
		}
	}
	return "", fmt.Errorf("venue not determined: pass -venue or configure exactly one exchange (registered: %v)", adapter.Names())
}

func resolveSnapshotPath(dir string, path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(dir, "positions.json")
}

func loadEnvFile(path string) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Fatalf("env file load failed: %v", err)
		}
		return
	}
	// The default .env is optional.
	_ = godotenv.Load()
}

// orderFlowCapture appends engine order flow to the WAL, for audit and
// for position recovery on the next start. Nil when disabled; all
// methods run on the runner goroutine.
type orderFlowCapture struct {
	writer  *recorder.Writer
	traces  *obs.TraceGenerator
	metrics *obs.Metrics
	seq     uint64
	lastTs  int64
}

func newCapture(ctx context.Context, opt traderOptions, metrics *obs.Metrics, startSeq uint64) (*orderFlowCapture, error) {
	if opt.walDir == "" {
		return nil, nil
	}
	cfg := recorder.DefaultConfig(opt.walDir)
	if opt.walPrefix != "" {
		cfg.FilePrefix = opt.walPrefix
	}
	cfg.SessionID = opt.walSession
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	log.Printf("order flow capture: dir=%s session=%s", opt.walDir, w.SessionID())
	return &orderFlowCapture{
		writer:  w,
		traces:  obs.NewTraceGenerator(0),
		metrics: metrics,
		seq:     startSeq,
	}, nil
}

func (c *orderFlowCapture) Request(req schema.ClientRequest) {
	if c == nil {
		return
	}
	c.append(schema.EventClientRequest, req.Encode(nil))
}

func (c *orderFlowCapture) Response(resp schema.ClientResponse) {
	if c == nil {
		return
	}
	c.append(schema.EventClientResponse, resp.Encode(nil))
}

func (c *orderFlowCapture) append(eventType schema.EventType, payload []byte) {
	c.seq++
	now := time.Now().UTC().UnixNano()
	c.lastTs = now
	header := schema.NewHeader(eventType, sourceEngine, c.seq, now, now)
	c.traces.Stamp(&header)
	if err := c.writer.TryAppend(header, payload); err != nil {
		c.metrics.IncQueueDrop()
		return
	}
	c.metrics.ObserveEvent(header)
}

// Close flushes the WAL and reports the replay watermark for the
// shutdown snapshot.
func (c *orderFlowCapture) Close() (lastSeq uint64, lastEventTs int64) {
	if c == nil {
		return 0, 0
	}
	if err := c.writer.Close(); err != nil {
		log.Printf("capture close failed: %v", err)
	}
	return c.seq, c.lastTs
}

func startOpsServer(ctx context.Context, path string, metrics *obs.Metrics, runner *strategy.Runner, md adapter.MarketDataAdapter, loaded ops.Loaded) (*uds.CommandServer, error) {
	if path == "" {
		return nil, nil
	}
	srv, err := uds.NewCommandServer(path)
	if err != nil {
		return nil, err
	}
	srv.Handle("metrics", func() (any, error) {
		return metrics.Snapshot(), nil
	})
	srv.Handle("positions", func() (any, error) {
		return positionsReply(runner), nil
	})
	srv.Handle("books", func() (any, error) {
		return booksReply(md, loaded), nil
	})
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	log.Printf("ops socket listening: %s", path)
	return srv, nil
}

type positionEntry struct {
	TickerID uint32  `json:"tickerId"`
	Net      int64   `json:"net"`
	AvgPrice float64 `json:"avgPrice"`
	Realized float64 `json:"realized"`
}

type positionsDoc struct {
	DailyPnL  float64         `json:"dailyPnl"`
	Positions []positionEntry `json:"positions"`
}

func positionsReply(runner *strategy.Runner) positionsDoc {
	positions := runner.Positions()
	out := make([]positionEntry, 0, len(positions))
	for ticker, pos := range positions {
		out = append(out, positionEntry{
			TickerID: uint32(ticker),
			Net:      pos.Net,
			AvgPrice: pos.AvgPrice,
			Realized: pos.Realized,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TickerID < out[j].TickerID })
	return positionsDoc{DailyPnL: runner.DailyPnL(), Positions: out}
}

type bookEntry struct {
	TickerID  uint32 `json:"tickerId"`
	Symbol    string `json:"symbol"`
	BidPrice  int64  `json:"bidPrice"`
	BidQty    uint32 `json:"bidQty"`
	AskPrice  int64  `json:"askPrice"`
	AskQty    uint32 `json:"askQty"`
	LastPrice int64  `json:"lastPrice"`
	LastQty   uint32 `json:"lastQty"`
	Updates   uint64 `json:"updates"`
}

func booksReply(md adapter.MarketDataAdapter, loaded ops.Loaded) []bookEntry {
	out := make([]bookEntry, 0, len(loaded.Instruments))
	for _, inst := range loaded.Instruments {
		view, ok := md.Book(schema.TickerID(inst.TickerID))
		if !ok {
			continue
		}
		bbo := view.BBO()
		lastPrice, lastQty := view.Last()
		entry := bookEntry{
			TickerID: inst.TickerID,
			Symbol:   inst.Symbol,
			Updates:  view.Updates(),
		}
		if bbo.BidPrice.IsValid() {
			entry.BidPrice = int64(bbo.BidPrice)
			entry.BidQty = uint32(bbo.BidQty)
		}
		if bbo.AskPrice.IsValid() {
			entry.AskPrice = int64(bbo.AskPrice)
			entry.AskQty = uint32(bbo.AskQty)
		}
		if lastPrice.IsValid() {
			entry.LastPrice = int64(lastPrice)
			entry.LastQty = uint32(lastQty)
		}
		out = append(out, entry)
	}
	return out
}
