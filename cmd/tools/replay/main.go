package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"venuelink/internal/book"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"
)

func main() {
	dir := flag.String("dir", "testdata/wal", "WAL directory")
	prefix := flag.String("prefix", "", "WAL file prefix (default: wal)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	useRecv := flag.Bool("use-recv-time", false, "Use receive timestamp for pacing")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode known payload types")
	quiet := flag.Bool("quiet", false, "Suppress per-record output")
	verifyBooks := flag.Bool("verify-books", false, "Rebuild books from market updates and report integrity")
	flag.Parse()

	cfg := recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		UseRecvTime:     *useRecv,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	}
	pb, err := recorder.NewPlayback(cfg)
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	var verifier *bookVerifier
	if *verifyBooks {
		verifier = newBookVerifier()
	}

	ctx := context.Background()
	var index int
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		index++
		if !*quiet {
			fmt.Printf("%06d seq=%d type=%s source=%d trace=%d ts_event=%d ts_recv=%d len=%d\n",
				index, header.Seq, eventTypeName(header.Type), header.Source, header.TraceID, header.TsEvent, header.TsRecv, len(payload))
		}
		if *decode {
			printDecoded(header.Type, payload)
		}
		if verifier != nil {
			verifier.observe(header, payload)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}
	if verifier != nil {
		verifier.report()
	}
}

func eventTypeName(t schema.EventType) string {
	switch t {
	case schema.EventMarketUpdate:
		return "MarketUpdate"
	case schema.EventClientRequest:
		return "ClientRequest"
	case schema.EventClientResponse:
		return "ClientResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

func printDecoded(t schema.EventType, payload []byte) {
	switch t {
	case schema.EventMarketUpdate:
		if len(payload) != (schema.MarketUpdate{}).SizeInByte() {
			fmt.Println("  decode MarketUpdate failed")
			return
		}
		fmt.Printf("  %s\n", schema.MarketUpdate{}.Decode(payload).Debug())
	case schema.EventClientRequest:
		if len(payload) != (schema.ClientRequest{}).SizeInByte() {
			fmt.Println("  decode ClientRequest failed")
			return
		}
		fmt.Printf("  %s\n", schema.ClientRequest{}.Decode(payload).Debug())
	case schema.EventClientResponse:
		if len(payload) != (schema.ClientResponse{}).SizeInByte() {
			fmt.Println("  decode ClientResponse failed")
			return
		}
		fmt.Printf("  %s\n", schema.ClientResponse{}.Decode(payload).Debug())
	default:
		return
	}
}

// bookVerifier rebuilds one ladder per ticker from the update stream
// and counts the conditions a healthy capture never produces.
type bookVerifier struct {
	books      map[schema.TickerID]*book.Book
	updates    map[schema.TickerID]uint64
	lastSeq    uint64
	seqGaps    int
	crossed    int
	badDecodes int
	trades     uint64
}

func newBookVerifier() *bookVerifier {
	return &bookVerifier{
		books:   make(map[schema.TickerID]*book.Book),
		updates: make(map[schema.TickerID]uint64),
	}
}

func (v *bookVerifier) observe(header schema.EventHeader, payload []byte) {
	if header.Seq != 0 {
		if v.lastSeq != 0 && header.Seq != v.lastSeq+1 {
			v.seqGaps++
		}
		v.lastSeq = header.Seq
	}
	if header.Type != schema.EventMarketUpdate {
		return
	}
	if len(payload) != (schema.MarketUpdate{}).SizeInByte() {
		v.badDecodes++
		return
	}
	update := schema.MarketUpdate{}.Decode(payload)
	v.updates[update.TickerID]++
	if update.Kind == schema.UpdateTrade {
		v.trades++
		return
	}
	b, ok := v.books[update.TickerID]
	if !ok {
		b = book.New()
		v.books[update.TickerID] = b
	}
	b.Apply(update)
	if bbo := b.BBO(); bbo.Valid() && bbo.BidPrice >= bbo.AskPrice {
		v.crossed++
	}
}

func (v *bookVerifier) report() {
	tickers := make([]schema.TickerID, 0, len(v.books))
	for ticker := range v.books {
		tickers = append(tickers, ticker)
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i] < tickers[j] })

	fmt.Printf("book verification: tickers=%d seq_gaps=%d crossed=%d bad_decodes=%d trades=%d\n",
		len(tickers), v.seqGaps, v.crossed, v.badDecodes, v.trades)
	for _, ticker := range tickers {
		b := v.books[ticker]
		bbo := b.BBO()
		fmt.Printf("  ticker=%d updates=%d bids=%d asks=%d", ticker, v.updates[ticker],
			b.Side(schema.SideBuy).Len(), b.Side(schema.SideSell).Len())
		if bbo.BidPrice.IsValid() {
			fmt.Printf(" bid=%s/%s", bbo.BidPrice.AppendString(nil), bbo.BidQty.AppendString(nil))
		}
		if bbo.AskPrice.IsValid() {
			fmt.Printf(" ask=%s/%s", bbo.AskPrice.AppendString(nil), bbo.AskQty.AppendString(nil))
		}
		fmt.Println()
	}
}
