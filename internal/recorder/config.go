package recorder

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSegmentMaxBytes int64 = 1 << 30
	defaultQueueSize             = 4096
	defaultBufferSize            = 256 * 1024
	defaultFilePrefix            = "wal"
)

var defaultSegmentMaxDuration = 5 * time.Minute

// Config controls the WAL writer. SessionID names one capture run
// and is folded into every segment filename; when empty a fresh UUID
// is assigned so concurrent captures into one directory never
// collide. CopyPayload must be set when callers reuse payload buffers
// after TryAppend returns.
type Config struct {
	Dir                string
	SessionID          string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	QueueSize          int
	BufferSize         int
	FilePrefix         string
	FlushInterval      time.Duration
	SyncInterval       time.Duration
	CopyPayload        bool
}

// DefaultConfig returns a baseline configuration for the WAL writer.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("invalid recorder config: Dir is empty")
	case strings.ContainsAny(c.SessionID, `/\`):
		return fmt.Errorf("invalid recorder config: SessionID must not contain path separators")
	case c.SegmentMaxBytes <= 0:
		return fmt.Errorf("invalid recorder config: SegmentMaxBytes must be > 0")
	case c.QueueSize <= 0:
		return fmt.Errorf("invalid recorder config: QueueSize must be > 0")
	case c.BufferSize <= 0:
		return fmt.Errorf("invalid recorder config: BufferSize must be > 0")
	case c.FilePrefix == "":
		return fmt.Errorf("invalid recorder config: FilePrefix is empty")
	case c.FlushInterval < 0:
		return fmt.Errorf("invalid recorder config: FlushInterval must be >= 0")
	case c.SyncInterval < 0:
		return fmt.Errorf("invalid recorder config: SyncInterval must be >= 0")
	}
	return nil
}
