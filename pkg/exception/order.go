package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderUnsupportedAction    = errors.New("order: unsupported action")
	ErrOrderInvalidRequest       = errors.New("order: invalid request")
	ErrOrderUnknownID            = errors.New("order: unknown order id")
	ErrOrderDuplicateID          = errors.New("order: duplicate order id")
	ErrOrderRequestNotSent       = errors.New("order: request did not send")
	ErrOrderDecodeResponseBody   = errors.New("order: decode response body")
	ErrOrderEmptyResponseOrderID = errors.New("order: empty response order id")
	ErrOrderVenueReject          = errors.New("order: venue rejected")
)
