package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"venuelink/internal/schema"
)

// PlaybackConfig controls WAL replay.
type PlaybackConfig struct {
	Dir             string
	FilePrefix      string
	Speed           float64
	UseRecvTime     bool
	DisableChecksum bool
	MaxPayloadSize  int
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks the replay configuration.
func (c PlaybackConfig) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("invalid playback config: Dir is empty")
	case c.Speed < 0:
		return fmt.Errorf("invalid playback config: Speed must be >= 0")
	case c.MaxPayloadSize < 0:
		return fmt.Errorf("invalid playback config: MaxPayloadSize must be >= 0")
	}
	return nil
}

// Clock is the sleep source, swapped out in tests for deterministic
// pacing assertions.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback replays captured segments in name order, which the writer
// made chronological.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

// NewPlayback validates cfg and builds a replay engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, clock: wallClock{}}, nil
}

// WithClock swaps the pacing clock. Nil keeps the current one.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Run replays every matching segment record by record. Handler errors
// and context cancellation stop the replay; read errors carry the
// segment path.
func (p *Playback) Run(ctx context.Context, handler func(schema.EventHeader, []byte) error) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	files, err := p.listSegments()
	if err != nil {
		return err
	}
	pace := &pacer{speed: p.cfg.Speed, useRecv: p.cfg.UseRecvTime, clock: p.clock}
	for _, path := range files {
		if err := p.replaySegment(ctx, path, handler, pace); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) listSegments() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name := e.Name(); strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".wal") {
			files = append(files, filepath.Join(p.cfg.Dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Playback) replaySegment(ctx context.Context, path string, handler func(schema.EventHeader, []byte) error, pace *pacer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := NewReader(f, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := pace.wait(ctx, header); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

// pacer reproduces the captured gaps, scaled by speed. Zero speed
// replays as fast as the handler accepts; records without a usable
// stamp pass through without waiting.
type pacer struct {
	speed   float64
	useRecv bool
	clock   Clock
	prev    int64
}

func (pc *pacer) wait(ctx context.Context, h schema.EventHeader) error {
	if pc.speed <= 0 {
		return nil
	}
	stamp := h.TsEvent
	if pc.useRecv {
		stamp = h.TsRecv
	}
	if stamp <= 0 {
		return nil
	}
	prev := pc.prev
	pc.prev = stamp
	if prev <= 0 || stamp <= prev {
		return nil
	}
	return pc.clock.Sleep(ctx, time.Duration(float64(stamp-prev)/pc.speed))
}
