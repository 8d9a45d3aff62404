package state

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"venuelink/internal/schema"
)

// Snapshot captures positions at a point in time.
type Snapshot struct {
	Timestamp   int64           `json:"timestamp"`
	LastSeq     uint64          `json:"lastSeq"`
	LastEventTs int64           `json:"lastEventTs"`
	Realized    float64         `json:"realized"`
	Positions   []PositionEntry `json:"positions"`
}

// PositionEntry is a single ticker position entry.
type PositionEntry struct {
	TickerID uint32  `json:"tickerId"`
	Net      int64   `json:"net"`
	AvgPrice float64 `json:"avgPrice"`
	Realized float64 `json:"realized"`
}

// Snapshot builds a snapshot from current positions.
func (r *Reducer) Snapshot() Snapshot {
	return r.SnapshotWithMeta(0, 0)
}

// SnapshotWithMeta builds a snapshot with replay metadata.
func (r *Reducer) SnapshotWithMeta(lastSeq uint64, lastEventTs int64) Snapshot {
	snap := SnapshotFromPositions(r.positions, lastSeq, lastEventTs)
	snap.Realized = r.realized
	return snap
}

// SnapshotFromPositions builds a snapshot from a position map, for
// writers that only see the runner's read shadow. Realized sums the
// per-ticker entries.
func SnapshotFromPositions(positions map[schema.TickerID]Position, lastSeq uint64, lastEventTs int64) Snapshot {
	entries := make([]PositionEntry, 0, len(positions))
	var realized float64
	for ticker, pos := range positions {
		entries = append(entries, PositionEntry{
			TickerID: uint32(ticker),
			Net:      pos.Net,
			AvgPrice: pos.AvgPrice,
			Realized: pos.Realized,
		})
		realized += pos.Realized
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TickerID < entries[j].TickerID
	})
	return Snapshot{
		Timestamp:   time.Now().UTC().UnixNano(),
		LastSeq:     lastSeq,
		LastEventTs: lastEventTs,
		Realized:    realized,
		Positions:   entries,
	}
}

// ApplySnapshot replaces the reducer state with a snapshot.
func (r *Reducer) ApplySnapshot(snapshot Snapshot) {
	if r.positions == nil {
		r.positions = make(map[schema.TickerID]Position, len(snapshot.Positions))
	} else {
		clear(r.positions)
	}
	for _, entry := range snapshot.Positions {
		r.positions[schema.TickerID(entry.TickerID)] = Position{
			Net:      entry.Net,
			AvgPrice: entry.AvgPrice,
			Realized: entry.Realized,
		}
	}
	r.realized = snapshot.Realized
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir")
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "read snapshot")
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "parse snapshot")
	}
	return snap, nil
}

// CompareSnapshots checks two snapshots describe the same positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d",
			len(expected.Positions), len(actual.Positions))
	}
	expectedMap := make(map[uint32]PositionEntry, len(expected.Positions))
	for _, entry := range expected.Positions {
		expectedMap[entry.TickerID] = entry
	}
	for _, entry := range actual.Positions {
		want, ok := expectedMap[entry.TickerID]
		if !ok {
			return errors.Errorf("snapshot missing ticker: %d", entry.TickerID)
		}
		if want.Net != entry.Net {
			return errors.Errorf("snapshot net mismatch: ticker=%d expected=%d actual=%d",
				entry.TickerID, want.Net, entry.Net)
		}
	}
	return nil
}
