package journal

import (
	"time"

	"venuelink/internal/schema"
)

// Order is one submitted order, updated in place as the gateway
// reports back. (client_id, order_id) is unique across the session.
type Order struct {
	ID        uint64 `gorm:"primaryKey"`
	ClientID  uint32 `gorm:"uniqueIndex:ux_orders_client_order"`
	OrderID   uint64 `gorm:"uniqueIndex:ux_orders_client_order"`
	TickerID  uint32 `gorm:"index"`
	Side      string `gorm:"size:8"`
	Price     int64
	Qty       uint32
	Status    string `gorm:"size:20"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Order) TableName() string { return "orders" }

// Fill is one execution report. ExecQty carries the venue's
// cumulative count, matching the response stream.
type Fill struct {
	ID        uint64 `gorm:"primaryKey"`
	ClientID  uint32 `gorm:"index:idx_fills_client_order"`
	OrderID   uint64 `gorm:"index:idx_fills_client_order"`
	TickerID  uint32
	Side      string `gorm:"size:8"`
	Price     int64
	ExecQty   uint32
	LeavesQty uint32
	SeqNum    uint64
	CreatedAt time.Time
}

func (Fill) TableName() string { return "fills" }

const statusSubmitted = "SUBMITTED"

// statusOf maps a response kind to the order row status. Kinds that
// say nothing about the order itself map to empty.
func statusOf(kind schema.ResponseKind) string {
	switch kind {
	case schema.ResponseAccepted:
		return "ACCEPTED"
	case schema.ResponseRejected:
		return "REJECTED"
	case schema.ResponseCanceled:
		return "CANCELED"
	case schema.ResponseFilled:
		return "FILLED"
	case schema.ResponsePartiallyFilled:
		return "PARTIALLY_FILLED"
	default:
		return ""
	}
}
