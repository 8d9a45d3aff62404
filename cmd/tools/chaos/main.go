package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"venuelink/internal/chaos"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"
)

// Rewrites a captured WAL through the chaos engine so replay harnesses
// can soak the book rebuild and recovery paths against a degraded feed.
// Emitted events are resequenced; the original order survives in the
// trace ids.
func main() {
	if err := run(parseFlags()); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	inputDir      string
	inputPrefix   string
	outputDir     string
	outputPrefix  string
	outputSession string
	seed          int64
	dropRate      float64
	dupRate       float64
	reorderWindow int
	maxDelay      time.Duration
	noChecksum    bool
	maxPayload    int
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.inputDir, "input-dir", "testdata/wal", "Input WAL directory")
	flag.StringVar(&o.inputPrefix, "input-prefix", "", "Input WAL file prefix (default: wal)")
	flag.StringVar(&o.outputDir, "output-dir", "testdata/wal_chaos", "Output WAL directory")
	flag.StringVar(&o.outputPrefix, "output-prefix", "chaos", "Output WAL file prefix")
	flag.StringVar(&o.outputSession, "output-session", "", "Output session id (default: fresh UUID)")
	flag.Int64Var(&o.seed, "seed", 0, "RNG seed (0=now)")
	flag.Float64Var(&o.dropRate, "drop-rate", 0, "Drop probability [0-1]")
	flag.Float64Var(&o.dupRate, "dup-rate", 0, "Duplicate probability [0-1]")
	flag.IntVar(&o.reorderWindow, "reorder-window", 1, "Reorder window (>=1)")
	flag.DurationVar(&o.maxDelay, "max-delay", 0, "Max receive delay")
	flag.BoolVar(&o.noChecksum, "no-checksum", false, "Disable checksum validation")
	flag.IntVar(&o.maxPayload, "max-payload", 0, "Max payload size in bytes (0=unlimited)")
	flag.Parse()
	return o
}

func run(o options) error {
	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             o.inputDir,
		FilePrefix:      o.inputPrefix,
		DisableChecksum: o.noChecksum,
		MaxPayloadSize:  o.maxPayload,
	})
	if err != nil {
		return fmt.Errorf("playback init: %w", err)
	}

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          o.seed,
		DropRate:      o.dropRate,
		DuplicateRate: o.dupRate,
		ReorderWindow: o.reorderWindow,
		MaxDelay:      o.maxDelay,
	})
	if err != nil {
		return fmt.Errorf("chaos config: %w", err)
	}

	outCfg := recorder.DefaultConfig(o.outputDir)
	outCfg.FilePrefix = o.outputPrefix
	outCfg.SessionID = o.outputSession
	// Process holds payload references inside the reorder window while
	// the writer drains asynchronously.
	outCfg.CopyPayload = true
	writer, err := recorder.NewWriter(outCfg)
	if err != nil {
		return fmt.Errorf("writer init: %w", err)
	}
	ctx := context.Background()
	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("writer start: %w", err)
	}

	rw := rewriter{writer: writer}
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		rw.read++
		ev := chaos.Event{Header: header, Payload: clonePayload(payload)}
		for _, out := range engine.Process(ev) {
			if err := rw.emit(out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	for _, out := range engine.Flush() {
		if err := rw.emit(out); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("writer close: %w", err)
	}
	log.Printf("chaos rewrite done: read=%d emitted=%d session=%s", rw.read, rw.emitted, writer.SessionID())
	return nil
}

// rewriter resequences surviving events onto the output WAL.
type rewriter struct {
	writer  *recorder.Writer
	read    uint64
	emitted uint64
}

func (rw *rewriter) emit(ev chaos.Event) error {
	rw.emitted++
	ev.Header.Seq = rw.emitted
	if ev.Header.Version == 0 {
		ev.Header.Version = schema.SchemaVersion
	}
	return rw.writer.TryAppend(ev.Header, ev.Payload)
}

// clonePayload detaches the record from the playback read buffer; the
// engine may hold it across handler returns.
func clonePayload(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	return append([]byte(nil), payload...)
}
