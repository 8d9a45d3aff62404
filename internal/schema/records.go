package schema

import "strconv"

// Side describes order direction.
type Side uint8

const (
	SideInvalid Side = iota
	SideBuy
	SideSell
)

// Opposite returns the other direction. Invalid stays invalid.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideInvalid
	}
}

func (s Side) IsAvailable() bool { return s == SideBuy || s == SideSell }

// String renders the side for logs.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "INVALID"
	}
}

// UpdateKind describes the meaning of a MarketUpdate.
type UpdateKind uint8

const (
	UpdateInvalid UpdateKind = iota
	UpdateClear
	UpdateAdd
	UpdateModify
	UpdateCancel
	UpdateTrade
)

// RequestKind describes the meaning of a ClientRequest.
type RequestKind uint8

const (
	RequestInvalid RequestKind = iota
	RequestNew
	RequestCancel
)

// ResponseKind describes the meaning of a ClientResponse.
type ResponseKind uint8

const (
	ResponseInvalid ResponseKind = iota
	ResponseAccepted
	ResponseRejected
	ResponseCanceled
	ResponseFilled
	ResponseCancelRejected
	ResponsePartiallyFilled
)

// RejectReason qualifies Rejected and CancelRejected responses.
type RejectReason uint8

const (
	RejectInvalid RejectReason = iota
	RejectNone
	RejectInvalidQuantity
	RejectInvalidPrice
	RejectInvalidTicker
	RejectInvalidOrderID
	RejectDuplicateOrderID
	RejectRisk
)

// MarketUpdate is one normalized book or trade event. Add and Modify
// carry Qty > 0; Cancel carries Qty 0; Clear carries invalid fields and
// resets the ticker downstream. Trade may carry SideInvalid when the
// venue does not disclose the aggressor.
//
//go:generate go run venuelink/cmd/tools/codable
type MarketUpdate struct {
	Kind     UpdateKind
	Side     Side
	TickerID TickerID
	OrderID  OrderID
	Price    Price
	Qty      Qty
	Priority Priority
}

// ClientRequest is one engine-side order instruction. Price 0 on a New
// request means a market order.
//
//go:generate go run venuelink/cmd/tools/codable
type ClientRequest struct {
	Kind     RequestKind
	Side     Side
	ClientID ClientID
	TickerID TickerID
	OrderID  OrderID
	Price    Price
	Qty      Qty
}

// ClientResponse is one normalized order lifecycle event. SeqNum is
// assigned by the emitting gateway and increments per response.
//
//go:generate go run venuelink/cmd/tools/codable
type ClientResponse struct {
	Kind      ResponseKind
	Reason    RejectReason
	Side      Side
	ClientID  ClientID
	TickerID  TickerID
	OrderID   OrderID
	Price     Price
	ExecQty   Qty
	LeavesQty Qty
	SeqNum    uint64
}

func appendSide(buf []byte, s Side) []byte {
	switch s {
	case SideBuy:
		return append(buf, "BUY"...)
	case SideSell:
		return append(buf, "SELL"...)
	default:
		return append(buf, "INVALID"...)
	}
}

func appendUpdateKind(buf []byte, k UpdateKind) []byte {
	switch k {
	case UpdateClear:
		return append(buf, "CLEAR"...)
	case UpdateAdd:
		return append(buf, "ADD"...)
	case UpdateModify:
		return append(buf, "MODIFY"...)
	case UpdateCancel:
		return append(buf, "CANCEL"...)
	case UpdateTrade:
		return append(buf, "TRADE"...)
	default:
		return append(buf, "INVALID"...)
	}
}

func appendResponseKind(buf []byte, k ResponseKind) []byte {
	switch k {
	case ResponseAccepted:
		return append(buf, "ACCEPTED"...)
	case ResponseRejected:
		return append(buf, "REJECTED"...)
	case ResponseCanceled:
		return append(buf, "CANCELED"...)
	case ResponseFilled:
		return append(buf, "FILLED"...)
	case ResponseCancelRejected:
		return append(buf, "CANCEL_REJECTED"...)
	case ResponsePartiallyFilled:
		return append(buf, "PARTIALLY_FILLED"...)
	default:
		return append(buf, "INVALID"...)
	}
}

func appendRejectReason(buf []byte, r RejectReason) []byte {
	switch r {
	case RejectNone:
		return append(buf, "NONE"...)
	case RejectInvalidQuantity:
		return append(buf, "INVALID_QUANTITY"...)
	case RejectInvalidPrice:
		return append(buf, "INVALID_PRICE"...)
	case RejectInvalidTicker:
		return append(buf, "INVALID_TICKER"...)
	case RejectInvalidOrderID:
		return append(buf, "INVALID_ORDER_ID"...)
	case RejectDuplicateOrderID:
		return append(buf, "DUPLICATE_ORDER_ID"...)
	case RejectRisk:
		return append(buf, "RISK_REJECT"...)
	default:
		return append(buf, "INVALID"...)
	}
}

// Debug returns a human readable format string
func (m MarketUpdate) Debug() string {
	buf := make([]byte, 0, 128)
	buf = append(buf, "MarketUpdate{kind="...)
	buf = appendUpdateKind(buf, m.Kind)
	buf = append(buf, " ticker="...)
	buf = strconv.AppendUint(buf, uint64(m.TickerID), 10)
	buf = append(buf, " order="...)
	buf = strconv.AppendUint(buf, uint64(m.OrderID), 10)
	buf = append(buf, " side="...)
	buf = appendSide(buf, m.Side)
	buf = append(buf, " price="...)
	buf = m.Price.AppendString(buf)
	buf = append(buf, " qty="...)
	buf = m.Qty.AppendString(buf)
	buf = append(buf, " prio="...)
	buf = strconv.AppendUint(buf, uint64(m.Priority), 10)
	buf = append(buf, '}')
	return string(buf)
}

// Debug returns a human readable format string
func (c ClientRequest) Debug() string {
	buf := make([]byte, 0, 128)
	buf = append(buf, "ClientRequest{kind="...)
	switch c.Kind {
	case RequestNew:
		buf = append(buf, "NEW"...)
	case RequestCancel:
		buf = append(buf, "CANCEL"...)
	default:
		buf = append(buf, "INVALID"...)
	}
	buf = append(buf, " client="...)
	buf = strconv.AppendUint(buf, uint64(c.ClientID), 10)
	buf = append(buf, " ticker="...)
	buf = strconv.AppendUint(buf, uint64(c.TickerID), 10)
	buf = append(buf, " order="...)
	buf = strconv.AppendUint(buf, uint64(c.OrderID), 10)
	buf = append(buf, " side="...)
	buf = appendSide(buf, c.Side)
	buf = append(buf, " price="...)
	buf = c.Price.AppendString(buf)
	buf = append(buf, " qty="...)
	buf = c.Qty.AppendString(buf)
	buf = append(buf, '}')
	return string(buf)
}

// Debug returns a human readable format string
func (c ClientResponse) Debug() string {
	buf := make([]byte, 0, 160)
	buf = append(buf, "ClientResponse{kind="...)
	buf = appendResponseKind(buf, c.Kind)
	buf = append(buf, " reason="...)
	buf = appendRejectReason(buf, c.Reason)
	buf = append(buf, " client="...)
	buf = strconv.AppendUint(buf, uint64(c.ClientID), 10)
	buf = append(buf, " ticker="...)
	buf = strconv.AppendUint(buf, uint64(c.TickerID), 10)
	buf = append(buf, " order="...)
	buf = strconv.AppendUint(buf, uint64(c.OrderID), 10)
	buf = append(buf, " side="...)
	buf = appendSide(buf, c.Side)
	buf = append(buf, " price="...)
	buf = c.Price.AppendString(buf)
	buf = append(buf, " exec="...)
	buf = c.ExecQty.AppendString(buf)
	buf = append(buf, " leaves="...)
	buf = c.LeavesQty.AppendString(buf)
	buf = append(buf, " seq="...)
	buf = strconv.AppendUint(buf, c.SeqNum, 10)
	buf = append(buf, '}')
	return string(buf)
}
