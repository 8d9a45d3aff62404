package binance

import (
	"math"
	"testing"

	"venuelink/internal/schema"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestQuantizeLotFilter(t *testing.T) {
	fs := filterSet{minQty: 0.05, maxQty: 100, stepQty: 0.05}

	if q, ok := fs.quantize(0.30); !ok || q != 0.30 {
		t.Fatalf("aligned qty changed: %v ok=%v", q, ok)
	}
	if _, ok := fs.quantize(0.03); ok {
		t.Fatal("qty below min accepted")
	}
	if _, ok := fs.quantize(150); ok {
		t.Fatal("qty above max accepted")
	}
	if q, ok := fs.quantize(0.37); !ok || !closeTo(q, 0.35) {
		t.Fatalf("misaligned qty not floored: %v ok=%v", q, ok)
	}

	// flooring lands below the minimum
	tight := filterSet{minQty: 0.2, stepQty: 0.15}
	if _, ok := tight.quantize(0.25); ok {
		t.Fatal("floored qty below min accepted")
	}

	// no lot filter declared
	if q, ok := (filterSet{}).quantize(0.123); !ok || q != 0.123 {
		t.Fatalf("unfiltered qty changed: %v ok=%v", q, ok)
	}
}

func TestBandPrice(t *testing.T) {
	fs := defaultFilters()

	if p, moved := fs.bandPrice(schema.SideBuy, 500, 550); moved || p != 500 {
		t.Fatalf("in-band price moved: %v moved=%v", p, moved)
	}
	if p, moved := fs.bandPrice(schema.SideBuy, 3000, 550); !moved || !closeTo(p, 544.5) {
		t.Fatalf("buy above band: %v moved=%v", p, moved)
	}
	if p, moved := fs.bandPrice(schema.SideBuy, 50, 550); !moved || !closeTo(p, 544.5) {
		t.Fatalf("buy below band: %v moved=%v", p, moved)
	}
	if p, moved := fs.bandPrice(schema.SideSell, 50, 550); !moved || !closeTo(p, 555.5) {
		t.Fatalf("sell below band: %v moved=%v", p, moved)
	}
	if p, moved := fs.bandPrice(schema.SideBuy, 3000, 0); moved || p != 3000 {
		t.Fatalf("no market price but moved: %v moved=%v", p, moved)
	}
}

func TestParseFilterSet(t *testing.T) {
	payload := []byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[` +
		`{"filterType":"LOT_SIZE","minQty":"0.05000000","maxQty":"100.00000000","stepSize":"0.05000000"},` +
		`{"filterType":"PERCENT_PRICE_BY_SIDE","bidMultiplierUp":"3","bidMultiplierDown":"0.5","askMultiplierUp":"4","askMultiplierDown":"0.4"}]}]}`)

	fs, err := parseFilterSet(payload, "BTCUSDT")
	if err != nil {
		t.Fatalf("parse failed: %+v", err)
	}
	if !closeTo(fs.minQty, 0.05) || !closeTo(fs.maxQty, 100) || !closeTo(fs.stepQty, 0.05) {
		t.Fatalf("lot filter wrong: %+v", fs)
	}
	if !closeTo(fs.bidUp, 3) || !closeTo(fs.bidDown, 0.5) || !closeTo(fs.askUp, 4) || !closeTo(fs.askDown, 0.4) {
		t.Fatalf("percent filter wrong: %+v", fs)
	}

	// missing percent filter keeps the defaults
	lotOnly := []byte(`{"symbols":[{"symbol":"ETHUSDT","filters":[` +
		`{"filterType":"LOT_SIZE","minQty":"0.01000000","maxQty":"0","stepSize":"0.01000000"}]}]}`)
	fs, err = parseFilterSet(lotOnly, "ETHUSDT")
	if err != nil {
		t.Fatalf("parse failed: %+v", err)
	}
	if !closeTo(fs.bidUp, defaultMultiplierUp) || !closeTo(fs.askDown, defaultMultiplierDown) {
		t.Fatalf("defaults not applied: %+v", fs)
	}

	if _, err = parseFilterSet(payload, "DOGEUSDT"); err == nil {
		t.Fatal("missing symbol accepted")
	}
}
