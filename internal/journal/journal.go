// Package journal persists submitted orders and fills to Postgres as
// an audit trail. Writes buffer through a bounded channel into one
// writer goroutine, so the trading path never blocks on the database.
package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"venuelink/internal/schema"
	"venuelink/pkg/conn"
)

const defaultBufferSize = 1024

// Config carries the journal connection settings.
type Config struct {
	DSN        string
	AppName    string
	BufferSize int
}

type recordKind uint8

const (
	recordOrder recordKind = iota
	recordStatus
	recordFill
)

type record struct {
	kind   recordKind
	client schema.ClientID
	order  schema.OrderID
	ticker schema.TickerID
	side   schema.Side
	price  schema.Price
	exec   schema.Qty
	leaves schema.Qty
	qty    schema.Qty
	status string
	seq    uint64
}

// Journal is the audit trail writer. All exported methods are safe on
// a nil receiver, so a disabled journal wires as nil taps.
type Journal struct {
	client  *conn.Client
	events  chan record
	dropped atomic.Uint64
	failed  atomic.Uint64

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New connects and migrates the journal schema.
func New(cfg Config) (*Journal, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	client, err := conn.New(conn.Option{ConnString: cfg.DSN, AppName: cfg.AppName})
	if err != nil {
		return nil, errors.Wrap(err, "connect journal database")
	}
	if err := client.DB().AutoMigrate(&Order{}, &Fill{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate journal schema")
	}
	return &Journal{
		client: client,
		events: make(chan record, cfg.BufferSize),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine.
func (j *Journal) Start(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if !j.started.CompareAndSwap(false, true) {
		return errors.New("journal: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	go j.run(runCtx)
	return nil
}

// Close drains buffered records, stops the writer, and closes the
// connection pool.
func (j *Journal) Close() {
	if j == nil || !j.started.Load() {
		return
	}
	if j.cancel != nil {
		j.cancel()
	}
	<-j.done
	if dropped := j.dropped.Load(); dropped > 0 {
		logs.Warnf("journal: dropped %d records on a full buffer", dropped)
	}
	if failed := j.failed.Load(); failed > 0 {
		logs.Warnf("journal: %d database writes failed", failed)
	}
	if err := j.client.Close(); err != nil {
		logs.Errorf("journal: close database: %+v", err)
	}
}

// RecordRequest journals a new order submission. Cancels carry no row
// of their own; the venue's verdict lands through the response side.
func (j *Journal) RecordRequest(req schema.ClientRequest) {
	if j == nil || req.Kind != schema.RequestNew {
		return
	}
	j.enqueue(record{
		kind:   recordOrder,
		client: req.ClientID,
		order:  req.OrderID,
		ticker: req.TickerID,
		side:   req.Side,
		price:  req.Price,
		qty:    req.Qty,
	})
}

// RecordResponse journals fills and order status transitions.
func (j *Journal) RecordResponse(resp schema.ClientResponse) {
	if j == nil {
		return
	}
	if resp.Kind == schema.ResponseFilled || resp.Kind == schema.ResponsePartiallyFilled {
		j.enqueue(record{
			kind:   recordFill,
			client: resp.ClientID,
			order:  resp.OrderID,
			ticker: resp.TickerID,
			side:   resp.Side,
			price:  resp.Price,
			exec:   resp.ExecQty,
			leaves: resp.LeavesQty,
			seq:    resp.SeqNum,
		})
	}
	status := statusOf(resp.Kind)
	if status == "" {
		return
	}
	j.enqueue(record{
		kind:   recordStatus,
		client: resp.ClientID,
		order:  resp.OrderID,
		status: status,
	})
}

// Dropped reports records lost to a full buffer.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

func (j *Journal) enqueue(rec record) {
	select {
	case j.events <- rec:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case rec := <-j.events:
			j.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-j.events:
					j.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(rec record) {
	var err error
	switch rec.kind {
	case recordOrder:
		err = j.client.DB().Create(&Order{
			ClientID: uint32(rec.client),
			OrderID:  uint64(rec.order),
			TickerID: uint32(rec.ticker),
			Side:     rec.side.String(),
			Price:    int64(rec.price),
			Qty:      uint32(rec.qty),
			Status:   statusSubmitted,
		}).Error
	case recordStatus:
		err = j.client.DB().Model(&Order{}).
			Where("client_id = ? AND order_id = ?", uint32(rec.client), uint64(rec.order)).
			Updates(Order{Status: rec.status, UpdatedAt: time.Now()}).Error
	case recordFill:
		err = j.client.DB().Create(&Fill{
			ClientID:  uint32(rec.client),
			OrderID:   uint64(rec.order),
			TickerID:  uint32(rec.ticker),
			Side:      rec.side.String(),
			Price:     int64(rec.price),
			ExecQty:   uint32(rec.exec),
			LeavesQty: uint32(rec.leaves),
			SeqNum:    rec.seq,
		}).Error
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		if j.failed.Add(1) == 1 {
			// Log the first failure in full; later ones only count.
			logs.Errorf("journal: database write failed: %+v", err)
		}
	}
}
