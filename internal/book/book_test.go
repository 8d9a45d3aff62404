package book

import (
	"testing"

	"venuelink/internal/schema"
)

func TestLadderOrdering(t *testing.T) {
	bids := NewLadder(schema.SideBuy)
	asks := NewLadder(schema.SideSell)

	for _, price := range []schema.Price{10050, 10100, 10000} {
		bids.Set(price, 10)
		asks.Set(price, 10)
	}

	if best, ok := bids.Best(); !ok || best.Price != 10100 {
		t.Fatalf("best bid = %+v %v, want price 10100", best, ok)
	}
	if best, ok := asks.Best(); !ok || best.Price != 10000 {
		t.Fatalf("best ask = %+v %v, want price 10000", best, ok)
	}

	top := bids.Top(nil, 2)
	if len(top) != 2 || top[0].Price != 10100 || top[1].Price != 10050 {
		t.Fatalf("bid top = %+v, want [10100 10050]", top)
	}
	top = asks.Top(nil, 8)
	if len(top) != 3 || top[0].Price != 10000 || top[2].Price != 10100 {
		t.Fatalf("ask top = %+v, want three ascending", top)
	}
}

func TestLadderSetRemove(t *testing.T) {
	ladder := NewLadder(schema.SideSell)

	if prev, existed := ladder.Set(500, 7); existed || prev != 0 {
		t.Fatalf("first set reported prev %d existed %v", prev, existed)
	}
	if prev, existed := ladder.Set(500, 9); !existed || prev != 7 {
		t.Fatalf("second set reported prev %d existed %v", prev, existed)
	}
	if qty, ok := ladder.Qty(500); !ok || qty != 9 {
		t.Fatalf("qty = %d %v, want 9 true", qty, ok)
	}

	// qty zero removes the level
	if prev, existed := ladder.Set(500, 0); !existed || prev != 9 {
		t.Fatalf("zero set reported prev %d existed %v", prev, existed)
	}
	if ladder.Len() != 0 {
		t.Fatalf("len = %d after zero set, want 0", ladder.Len())
	}
	if _, ok := ladder.Remove(500); ok {
		t.Fatalf("remove of absent level reported present")
	}
}

func TestBookApply(t *testing.T) {
	b := New()

	b.Apply(schema.MarketUpdate{Kind: schema.UpdateAdd, Side: schema.SideBuy, Price: 10000, Qty: 5})
	b.Apply(schema.MarketUpdate{Kind: schema.UpdateAdd, Side: schema.SideBuy, Price: 9950, Qty: 3})
	b.Apply(schema.MarketUpdate{Kind: schema.UpdateAdd, Side: schema.SideSell, Price: 10050, Qty: 4})

	bbo := b.BBO()
	if bbo.BidPrice != 10000 || bbo.BidQty != 5 || bbo.AskPrice != 10050 || bbo.AskQty != 4 {
		t.Fatalf("bbo = %+v", bbo)
	}
	if mid, ok := bbo.Mid(); !ok || mid != 10025 {
		t.Fatalf("mid = %d %v, want 10025", mid, ok)
	}
	if spread, ok := bbo.Spread(); !ok || spread != 50 {
		t.Fatalf("spread = %d %v, want 50", spread, ok)
	}

	// repeated add with a new absolute quantity is a modify
	b.Apply(schema.MarketUpdate{Kind: schema.UpdateModify, Side: schema.SideBuy, Price: 10000, Qty: 8})
	if bbo := b.BBO(); bbo.BidQty != 8 {
		t.Fatalf("bid qty after modify = %d, want 8", bbo.BidQty)
	}

	// trades leave resting levels alone
	b.Apply(schema.MarketUpdate{Kind: schema.UpdateTrade, Side: schema.SideInvalid, Price: 10025, Qty: 2})
	if b.Side(schema.SideBuy).Len() != 2 || b.Side(schema.SideSell).Len() != 1 {
		t.Fatalf("trade mutated ladders: %d/%d", b.Side(schema.SideBuy).Len(), b.Side(schema.SideSell).Len())
	}

	b.Apply(schema.MarketUpdate{Kind: schema.UpdateCancel, Side: schema.SideBuy, Price: 10000})
	if bbo := b.BBO(); bbo.BidPrice != 9950 {
		t.Fatalf("bid after cancel = %d, want 9950", bbo.BidPrice)
	}

	b.Apply(schema.MarketUpdate{Kind: schema.UpdateClear, TickerID: schema.TickerIDInvalid})
	bbo = b.BBO()
	if bbo.BidPrice != schema.PriceInvalid || bbo.AskPrice != schema.PriceInvalid {
		t.Fatalf("bbo after clear = %+v, want invalid sides", bbo)
	}
	if bbo.Valid() {
		t.Fatalf("empty bbo reports valid")
	}
	if _, ok := bbo.Mid(); ok {
		t.Fatalf("empty bbo reports mid")
	}
}

func TestBookOneSidedBBO(t *testing.T) {
	b := New()
	b.Set(schema.SideBuy, 9900, 1)

	bbo := b.BBO()
	if bbo.BidPrice != 9900 {
		t.Fatalf("bid price = %d, want 9900", bbo.BidPrice)
	}
	if bbo.AskPrice != schema.PriceInvalid || bbo.AskQty != 0 {
		t.Fatalf("empty ask side = %d/%d, want invalid/0", bbo.AskPrice, bbo.AskQty)
	}
	if bbo.Valid() {
		t.Fatalf("one-sided bbo reports valid")
	}
}

func TestSynthOrderID(t *testing.T) {
	buy := SynthOrderID(7, 204500, schema.SideBuy)
	sell := SynthOrderID(7, 204500, schema.SideSell)

	if want := schema.OrderID(uint64(7)<<48 | uint64(204500)<<1); buy != want {
		t.Fatalf("buy id = %d, want %d", buy, want)
	}
	if sell != buy|1 {
		t.Fatalf("sell id = %d, want %d", sell, buy|1)
	}
	if SynthOrderID(7, 204500, schema.SideBuy) != buy {
		t.Fatal("ids not stable across calls")
	}
	if SynthOrderID(8, 204500, schema.SideBuy) == buy {
		t.Fatal("ids collide across tickers")
	}
}

func BenchmarkBookSetRemove(b *testing.B) {
	bk := New()
	price := schema.Price(10000)
	for b.Loop() {
		bk.Set(schema.SideBuy, price, 10)
		bk.Remove(schema.SideBuy, price)
		price++
		if price > 11000 {
			price = 10000
		}
	}
}
