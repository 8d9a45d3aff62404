package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venuelink/internal/bus"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

func TestSelectUnknownVenue(t *testing.T) {
	_, ok := Select("NO-SUCH-VENUE")
	require.False(t, ok)
}

func TestRegisterResolvesCaseInsensitive(t *testing.T) {
	RegisterMarketData("regtest", func(ops.Loaded, *bus.SPSC[schema.MarketUpdate]) (MarketDataAdapter, error) {
		return nil, nil
	})
	RegisterOrderGateway("RegTest", func(ops.Loaded, *bus.SPSC[schema.ClientRequest], *bus.SPSC[schema.ClientResponse]) (OrderGateway, error) {
		return nil, nil
	})

	v, ok := Select("REGTEST")
	require.True(t, ok)
	require.Equal(t, "REGTEST", v.Name)
	require.NotNil(t, v.MarketData)
	require.NotNil(t, v.OrderGateway)

	lower, ok := Select("regtest")
	require.True(t, ok)
	require.Equal(t, v.Name, lower.Name)

	require.Contains(t, Names(), "REGTEST")
}

func TestRegisterGatewayOnlyVenue(t *testing.T) {
	RegisterOrderGateway("gwonly", func(ops.Loaded, *bus.SPSC[schema.ClientRequest], *bus.SPSC[schema.ClientResponse]) (OrderGateway, error) {
		return nil, nil
	})

	v, ok := Select("gwonly")
	require.True(t, ok)
	require.Nil(t, v.MarketData)
	require.NotNil(t, v.OrderGateway)
}

func TestTickerAllocator(t *testing.T) {
	a := NewTickerAllocator(0)
	require.Equal(t, schema.TickerID(ops.AutoTickerStart), a.Next())
	require.Equal(t, schema.TickerID(ops.AutoTickerStart+1), a.Next())

	b := NewTickerAllocator(500)
	require.Equal(t, schema.TickerID(500), b.Next())
	require.Equal(t, schema.TickerID(501), b.Next())
}

func TestPostbackFanOut(t *testing.T) {
	type got struct {
		event string
		data  string
	}
	var first, second []got
	OnPostback(func(event string, data []byte) {
		first = append(first, got{event, string(data)})
	})
	OnPostback(func(event string, data []byte) {
		second = append(second, got{event, string(data)})
	})

	DispatchPostback("order", []byte(`{"order_id":"1"}`))
	DispatchPostback("error", []byte(`{"message":"bad"}`))

	want := []got{{"order", `{"order_id":"1"}`}, {"error", `{"message":"bad"}`}}
	require.Equal(t, want, first)
	require.Equal(t, want, second)
}
