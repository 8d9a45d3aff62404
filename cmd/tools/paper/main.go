package main

import (
	"context"
	"flag"
	"log"
	"time"

	"venuelink/internal/book"
	"venuelink/internal/bus"
	"venuelink/internal/obs"
	"venuelink/internal/og"
	"venuelink/internal/ops"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"
	"venuelink/internal/state"
)

// sourceSim marks synthetic order flow from this tool.
const sourceSim = 3

// Replays a captured market data WAL through the paper gateway stack,
// crossing the rebuilt spread every N events, and writes the combined
// market plus order flow stream to a new WAL. The output replays into
// the position recovery path like a real trading session.
func main() {
	inputDir := flag.String("input-dir", "testdata/wal", "Input WAL directory")
	inputPrefix := flag.String("input-prefix", "", "Input WAL file prefix (default: wal)")
	outputDir := flag.String("output-dir", "testdata/wal_paper", "Output WAL directory")
	outputPrefix := flag.String("output-prefix", "paper", "Output WAL file prefix")
	orderEvery := flag.Int("order-every", 10, "Send one crossing order every N market updates (0=disable)")
	maxOrders := flag.Int("max-orders", 0, "Maximum orders to send (0=unlimited)")
	clip := flag.Uint("clip", 100, "Order quantity")
	clientID := flag.Uint("client-id", 7, "Client id stamped on synthetic orders")
	fillProb := flag.Float64("fill-prob", 1, "Simulator fill probability [0-1]")
	maxLatency := flag.Duration("max-latency", 0, "Simulator max fill latency")
	slippage := flag.Float64("slippage", 0, "Normal slippage factor (0=exact fills)")
	settle := flag.Duration("settle", 250*time.Millisecond, "Grace period for late simulator fills")
	seed := flag.Int64("seed", 0, "Simulator RNG seed (0=now)")
	includeMD := flag.Bool("include-md", true, "Pass market updates through to the output WAL")
	includeNonMD := flag.Bool("include-non-md", false, "Pass non-market events through")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	flag.Parse()

	if *orderEvery < 0 || *maxOrders < 0 || *clip == 0 {
		log.Fatalf("order-every and max-orders must be >= 0, clip > 0")
	}

	playback, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *inputDir,
		FilePrefix:      *inputPrefix,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	outCfg := recorder.DefaultConfig(*outputDir)
	outCfg.FilePrefix = *outputPrefix
	outCfg.CopyPayload = true
	writer, err := recorder.NewWriter(outCfg)
	if err != nil {
		log.Fatalf("writer init failed: %v", err)
	}
	ctx := context.Background()
	if err := writer.Start(ctx); err != nil {
		log.Fatalf("writer start failed: %v", err)
	}

	requests := bus.New[schema.ClientRequest](bus.DefaultRequestQueueCap)
	responses := bus.New[schema.ClientResponse](bus.DefaultResponseQueueCap)
	emitter := og.NewEmitter(responses)
	states := og.NewStateMachine()
	paper, err := og.NewPaper(og.PaperOptions{
		Tuning: ops.PaperTrading{
			FillProbability: *fillProb,
			MaxLatency:      *maxLatency,
			SlippageModel:   "NORMAL",
			SlippageFactor:  *slippage,
		},
		Emitter: emitter,
		States:  states,
		Seed:    *seed,
	})
	if err != nil {
		log.Fatalf("paper init failed: %v", err)
	}
	gateway, err := og.NewGateway(og.Options{
		Requests:  requests,
		Delegator: paper,
		Emitter:   emitter,
		States:    states,
	})
	if err != nil {
		log.Fatalf("gateway init failed: %v", err)
	}
	if err := gateway.Start(ctx); err != nil {
		log.Fatalf("gateway start failed: %v", err)
	}

	sim := &session{
		writer:    writer,
		paper:     paper,
		requests:  requests,
		responses: responses,
		traces:    obs.NewTraceGenerator(0),
		positions: state.NewReducer(),
		books:     make(map[schema.TickerID]*book.Book),
		clip:      schema.Qty(*clip),
		clientID:  schema.ClientID(*clientID),
		nextOrder: 1,
	}

	err = playback.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		if header.Type != schema.EventMarketUpdate {
			if *includeNonMD {
				return sim.passthrough(header, payload)
			}
			return nil
		}
		sim.mdCount++
		if len(payload) == (schema.MarketUpdate{}).SizeInByte() {
			sim.observe(schema.MarketUpdate{}.Decode(payload))
		}
		if *includeMD {
			if err := sim.passthrough(header, payload); err != nil {
				return err
			}
		}
		if *orderEvery > 0 && sim.mdCount%*orderEvery == 0 {
			if *maxOrders == 0 || sim.ordersSent < *maxOrders {
				if err := sim.crossSpread(eventTime(header)); err != nil {
					return err
				}
			}
		}
		return sim.drainResponses()
	})
	if err != nil {
		log.Fatalf("playback failed: %v", err)
	}

	// Late fills ride on the simulator timer goroutine.
	deadline := time.Now().Add(*settle)
	for time.Now().Before(deadline) {
		if err := sim.drainResponses(); err != nil {
			log.Fatalf("drain failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	gateway.Close()
	if err := sim.drainResponses(); err != nil {
		log.Fatalf("drain failed: %v", err)
	}

	if err := writer.Close(); err != nil {
		log.Fatalf("writer close failed: %v", err)
	}
	log.Printf("paper completed: md=%d orders=%d responses=%d positions=%d realized=%.2f session=%s",
		sim.mdCount, sim.ordersSent, sim.responseCount, sim.positions.Count(), sim.positions.RealizedTotal(), writer.SessionID())
}

type session struct {
	writer    *recorder.Writer
	paper     *og.Paper
	requests  *bus.SPSC[schema.ClientRequest]
	responses *bus.SPSC[schema.ClientResponse]
	traces    *obs.TraceGenerator
	positions *state.Reducer
	books     map[schema.TickerID]*book.Book

	clip     schema.Qty
	clientID schema.ClientID

	seq           uint64
	nextOrder     schema.OrderID
	mdCount       int
	ordersSent    int
	responseCount int
	lastSide      schema.Side
}

// observe folds one update into the rebuilt book and registers fresh
// tickers with the simulator.
func (s *session) observe(update schema.MarketUpdate) {
	b, ok := s.books[update.TickerID]
	if !ok {
		b = book.New()
		s.books[update.TickerID] = b
		s.paper.Register(update.TickerID)
	}
	if update.Kind != schema.UpdateTrade {
		b.Apply(update)
	}
}

// crossSpread sends one marketable limit order against the freshest
// two-sided book, alternating sides.
func (s *session) crossSpread(now int64) error {
	var ticker schema.TickerID
	var price schema.Price
	side := schema.SideBuy
	if s.lastSide == schema.SideBuy {
		side = schema.SideSell
	}
	for id, b := range s.books {
		bbo := b.BBO()
		if !bbo.Valid() {
			continue
		}
		ticker = id
		if side == schema.SideBuy {
			price = bbo.AskPrice
		} else {
			price = bbo.BidPrice
		}
		break
	}
	if price == 0 || !price.IsValid() {
		return nil
	}
	s.lastSide = side

	req := schema.ClientRequest{
		Kind:     schema.RequestNew,
		Side:     side,
		ClientID: s.clientID,
		TickerID: ticker,
		OrderID:  s.nextOrder,
		Price:    price,
		Qty:      s.clip,
	}
	s.nextOrder++
	s.ordersSent++

	if err := s.append(schema.EventClientRequest, now, req.Encode(nil)); err != nil {
		return err
	}
	if err := s.requests.TryPublish(req); err != nil {
		log.Printf("request ring full, dropping order %d", req.OrderID)
	}
	return nil
}

func (s *session) drainResponses() error {
	for {
		resp, ok := s.responses.TryPop()
		if !ok {
			return nil
		}
		s.responseCount++
		s.positions.ApplyResponse(resp)
		now := time.Now().UTC().UnixNano()
		if err := s.append(schema.EventClientResponse, now, resp.Encode(nil)); err != nil {
			return err
		}
	}
}

func (s *session) append(eventType schema.EventType, ts int64, payload []byte) error {
	s.seq++
	header := schema.NewHeader(eventType, sourceSim, s.seq, ts, ts)
	s.traces.Stamp(&header)
	return s.writer.TryAppend(header, payload)
}

func (s *session) passthrough(header schema.EventHeader, payload []byte) error {
	s.seq++
	header.Seq = s.seq
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	s.traces.Stamp(&header)
	return s.writer.TryAppend(header, payload)
}

func eventTime(header schema.EventHeader) int64 {
	if header.TsEvent != 0 {
		return header.TsEvent
	}
	if header.TsRecv != 0 {
		return header.TsRecv
	}
	return time.Now().UTC().UnixNano()
}
