package state

import (
	"context"

	"github.com/yanun0323/errors"

	"venuelink/internal/recorder"
	"venuelink/internal/schema"
)

// RecoverConfig controls snapshot + WAL recovery.
type RecoverConfig struct {
	WALDir          string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
	UseRecvTime     bool
}

// RecoverResult contains the rebuilt reducer and replay metadata.
type RecoverResult struct {
	Positions   *Reducer
	LastSeq     uint64
	LastEventTs int64
}

// RecoverPositions rebuilds positions after a restart. It seeds a reducer
// from the snapshot when one is configured, then folds the captured
// response stream past the snapshot's high-water marks into it.
func RecoverPositions(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.WALDir == "" {
		return RecoverResult{}, errors.New("wal dir is empty")
	}

	rec := recovery{
		positions: NewReducer(),
		cursor:    replayCursor{useRecv: cfg.UseRecvTime},
	}
	if cfg.SnapshotPath != "" {
		if err := rec.seed(cfg.SnapshotPath); err != nil {
			return RecoverResult{}, err
		}
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.WALDir,
		FilePrefix:      cfg.FilePrefix,
		UseRecvTime:     cfg.UseRecvTime,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}
	if err := pb.Run(ctx, rec.apply); err != nil {
		return RecoverResult{}, err
	}

	return RecoverResult{
		Positions:   rec.positions,
		LastSeq:     rec.cursor.seq,
		LastEventTs: rec.cursor.eventTs,
	}, nil
}

// recovery folds replayed events into a reducer, dropping the prefix a
// snapshot already covers.
type recovery struct {
	positions *Reducer
	cursor    replayCursor
}

func (r *recovery) seed(path string) error {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}
	r.positions.ApplySnapshot(snap)
	r.cursor.seq = snap.LastSeq
	r.cursor.eventTs = snap.LastEventTs
	return nil
}

func (r *recovery) apply(header schema.EventHeader, payload []byte) error {
	if r.cursor.covered(header) {
		return nil
	}
	r.cursor.advance(header)
	if header.Type == schema.EventClientResponse {
		r.positions.ApplyResponse(schema.ClientResponse{}.Decode(payload))
	}
	return nil
}

// replayCursor tracks replay high-water marks. Captures without sequence
// numbers fall back to event-time ordering.
type replayCursor struct {
	seq     uint64
	eventTs int64
	useRecv bool
}

func (c *replayCursor) covered(h schema.EventHeader) bool {
	switch {
	case c.seq > 0:
		return h.Seq <= c.seq
	case c.eventTs > 0:
		return c.stamp(h) <= c.eventTs
	default:
		return false
	}
}

func (c *replayCursor) advance(h schema.EventHeader) {
	if h.Seq > c.seq {
		c.seq = h.Seq
	}
	if h.TsEvent > c.eventTs {
		c.eventTs = h.TsEvent
	}
}

func (c *replayCursor) stamp(h schema.EventHeader) int64 {
	if c.useRecv {
		return h.TsRecv
	}
	return h.TsEvent
}
