package recorder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"venuelink/internal/schema"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.FilePrefix = "capture"
	return cfg
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "capture-*.wal"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return files
}

func sampleUpdate(i int) schema.MarketUpdate {
	return schema.MarketUpdate{
		Kind:     schema.UpdateAdd,
		Side:     schema.SideBuy,
		TickerID: schema.TickerID(100 + i),
		OrderID:  schema.OrderID(9000 + i),
		Price:    schema.Price(1000000 + int64(i)*25),
		Qty:      schema.Qty(300),
		Priority: schema.Priority(i),
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 8
	for i := 0; i < n; i++ {
		u := sampleUpdate(i)
		header := schema.NewHeader(schema.EventMarketUpdate, 1, uint64(i+1), int64(1000+i), int64(2000+i))
		if err := w.TryAppend(header, u.Encode(nil)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// An empty payload is legal and must round-trip too.
	if err := w.TryAppend(schema.NewHeader(schema.EventClientResponse, 2, n+1, 3000, 3001), nil); err != nil {
		t.Fatalf("append empty: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files := segmentFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("segments = %d, want 1", len(files))
	}
	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()

	r := NewReader(f, ReaderOptions{})
	for i := 0; i < n; i++ {
		header, payload, err := r.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if header.Type != schema.EventMarketUpdate {
			t.Fatalf("record %d type = %d", i, header.Type)
		}
		if header.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d, want %d", i, header.Seq, i+1)
		}
		if header.Version != schema.SchemaVersion {
			t.Fatalf("record %d version = %d", i, header.Version)
		}
		if header.TsEvent != int64(1000+i) || header.TsRecv != int64(2000+i) {
			t.Fatalf("record %d timestamps = %d/%d", i, header.TsEvent, header.TsRecv)
		}
		if got := (schema.MarketUpdate{}).Decode(payload); got != sampleUpdate(i) {
			t.Fatalf("record %d payload = %s", i, got.Debug())
		}
	}

	header, payload, err := r.Next()
	if err != nil {
		t.Fatalf("next empty: %v", err)
	}
	if header.Type != schema.EventClientResponse || len(payload) != 0 {
		t.Fatalf("empty record = type %d payload %d bytes", header.Type, len(payload))
	}

	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("tail read = %v, want EOF", err)
	}
}

func TestWriterStampsSessionID(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SessionID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"

	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if got := w.SessionID(); got != cfg.SessionID {
		t.Fatalf("SessionID() = %q", got)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.TryAppend(schema.NewHeader(schema.EventMarketUpdate, 1, 1, 1, 1), []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files := segmentFiles(t, dir)
	if len(files) != 1 || !strings.Contains(files[0], cfg.SessionID) {
		t.Fatalf("segments = %v, want one name carrying the session id", files)
	}
}

func TestWriterAssignsSessionID(t *testing.T) {
	w, err := NewWriter(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if w.SessionID() == "" {
		t.Fatal("session id should be assigned when unset")
	}

	if _, err := NewWriter(Config{Dir: t.TempDir(), SessionID: "../evil"}); err == nil {
		t.Fatal("path separators in session id should be rejected")
	}
}

func TestWriterLifecycleGuards(t *testing.T) {
	w, err := NewWriter(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	header := schema.NewHeader(schema.EventMarketUpdate, 1, 1, 1, 1)

	if err := w.TryAppend(header, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("append before start = %v, want ErrNotStarted", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start = %v, want ErrAlreadyStarted", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.TryAppend(header, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v, want ErrClosed", err)
	}
}

func TestWriterStampsSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	header := schema.EventHeader{Type: schema.EventMarketUpdate, Seq: 1}
	if err := w.TryAppend(header, []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(segmentFiles(t, dir)[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, _, err := NewReader(f, ReaderOptions{}).Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Version != schema.SchemaVersion {
		t.Fatalf("version = %d, want %d", got.Version, schema.SchemaVersion)
	}
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	// Room for two records per segment; the third forces a new file.
	u := sampleUpdate(0)
	recordSize := int64(recordHeaderSize + u.SizeInByte() + recordChecksumSize)
	cfg.SegmentMaxBytes = 2 * recordSize

	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		header := schema.NewHeader(schema.EventMarketUpdate, 1, uint64(i+1), int64(i+1), int64(i+1))
		if err := w.TryAppend(header, sampleUpdate(i).Encode(nil)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if files := segmentFiles(t, dir); len(files) != 3 {
		t.Fatalf("segments = %d, want 3", len(files))
	}
}

func TestReaderDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	header := schema.NewHeader(schema.EventMarketUpdate, 1, 1, 1, 1)
	if err := w.TryAppend(header, sampleUpdate(0).Encode(nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := segmentFiles(t, dir)[0]
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	data[recordHeaderSize+3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, _, err := NewReader(f, ReaderOptions{}).Next(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("corrupted read = %v, want ErrChecksumMismatch", err)
	}

	// Verification can be switched off for salvage runs.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, _, err := NewReader(f, ReaderOptions{DisableChecksum: true}).Next(); err != nil {
		t.Fatalf("salvage read = %v", err)
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.TryAppend(schema.NewHeader(schema.EventMarketUpdate, 1, 1, 1, 1), []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := segmentFiles(t, dir)[0]
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	data[0] = 'X'
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, _, err := NewReader(f, ReaderOptions{}).Next(); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("bad magic read = %v, want ErrInvalidMagic", err)
	}
}

func TestReaderPayloadLimit(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.TryAppend(schema.NewHeader(schema.EventMarketUpdate, 1, 1, 1, 1), make([]byte, 64)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(segmentFiles(t, dir)[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, _, err := NewReader(f, ReaderOptions{MaxPayloadSize: 8}).Next(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized read = %v, want ErrPayloadTooLarge", err)
	}
}
