package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"venuelink/internal/schema"
)

func testJournal(buf int) *Journal {
	return &Journal{events: make(chan record, buf), done: make(chan struct{})}
}

func TestRecordRequestShapesOrderRow(t *testing.T) {
	j := testJournal(4)
	j.RecordRequest(schema.ClientRequest{
		Kind: schema.RequestNew, Side: schema.SideBuy,
		ClientID: 1, TickerID: 7, OrderID: 42, Price: 10000, Qty: 300,
	})
	// Cancels carry no row of their own.
	j.RecordRequest(schema.ClientRequest{Kind: schema.RequestCancel, ClientID: 1, OrderID: 42})

	require.Len(t, j.events, 1)
	rec := <-j.events
	require.Equal(t, recordOrder, rec.kind)
	require.Equal(t, schema.OrderID(42), rec.order)
	require.Equal(t, schema.TickerID(7), rec.ticker)
	require.Equal(t, schema.Price(10000), rec.price)
	require.Equal(t, schema.Qty(300), rec.qty)
}

func TestRecordResponseFillAlsoUpdatesStatus(t *testing.T) {
	j := testJournal(4)
	j.RecordResponse(schema.ClientResponse{
		Kind: schema.ResponsePartiallyFilled, Side: schema.SideBuy,
		ClientID: 1, TickerID: 7, OrderID: 42, Price: 10000,
		ExecQty: 100, LeavesQty: 200, SeqNum: 9,
	})

	require.Len(t, j.events, 2)
	fill := <-j.events
	require.Equal(t, recordFill, fill.kind)
	require.Equal(t, schema.Qty(100), fill.exec)
	require.Equal(t, schema.Qty(200), fill.leaves)
	require.Equal(t, uint64(9), fill.seq)

	status := <-j.events
	require.Equal(t, recordStatus, status.kind)
	require.Equal(t, "PARTIALLY_FILLED", status.status)
}

func TestRecordResponseCancelRejectedIsSilent(t *testing.T) {
	j := testJournal(4)
	j.RecordResponse(schema.ClientResponse{Kind: schema.ResponseCancelRejected, OrderID: 42})
	require.Empty(t, j.events)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	j := testJournal(1)
	j.enqueue(record{kind: recordOrder})
	j.enqueue(record{kind: recordOrder})
	j.enqueue(record{kind: recordFill})
	require.Equal(t, uint64(2), j.Dropped())
	require.Len(t, j.events, 1)
}

func TestNilJournalIsInert(t *testing.T) {
	var j *Journal
	j.RecordRequest(schema.ClientRequest{Kind: schema.RequestNew})
	j.RecordResponse(schema.ClientResponse{Kind: schema.ResponseFilled})
	j.Close()
	require.Zero(t, j.Dropped())
	require.NoError(t, j.Start(context.Background()))
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, "ACCEPTED", statusOf(schema.ResponseAccepted))
	require.Equal(t, "REJECTED", statusOf(schema.ResponseRejected))
	require.Equal(t, "CANCELED", statusOf(schema.ResponseCanceled))
	require.Equal(t, "FILLED", statusOf(schema.ResponseFilled))
	require.Equal(t, "PARTIALLY_FILLED", statusOf(schema.ResponsePartiallyFilled))
	require.Equal(t, "", statusOf(schema.ResponseCancelRejected))
	require.Equal(t, "", statusOf(schema.ResponseInvalid))
}
