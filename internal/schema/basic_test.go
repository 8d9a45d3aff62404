package schema

import "testing"

func TestParseScaled(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"27123.45", 2712345, true},
		{"27123.4", 2712340, true},
		{"27123", 2712300, true},
		{"27123.456", 2712345, true},
		{"0.00170000", 0, true},
		{"0.01", 1, true},
		{"-1.25", -125, true},
		{"0", 0, true},
		{"", 0, false},
		{"-", 0, false},
		{"12a.5", 0, false},
		{"12.5x", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseScaled([]byte(tt.in))
		if ok != tt.ok {
			t.Fatalf("ParseScaled(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("ParseScaled(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPriceAppendString(t *testing.T) {
	tests := []struct {
		in   Price
		want string
	}{
		{2712345, "27123.45"},
		{5, "0.05"},
		{100, "1.00"},
		{-125, "-1.25"},
		{0, "0.00"},
		{PriceInvalid, "INVALID"},
	}

	for _, tt := range tests {
		got := string(tt.in.AppendString(nil))
		if got != tt.want {
			t.Fatalf("Price(%d).AppendString = %q, want %q", int64(tt.in), got, tt.want)
		}
	}
}

func TestPriceScalingRoundTrip(t *testing.T) {
	// Wire paise values survive the widen-render-parse cycle exactly.
	for _, paise := range []int64{1, 99, 100, 2712345, 99999999} {
		p := Price(paise)
		rendered := p.AppendString(nil)
		back, ok := ParsePrice(rendered)
		if !ok {
			t.Fatalf("ParsePrice(%q) failed", rendered)
		}
		if back != p {
			t.Fatalf("round-trip %d -> %q -> %d", paise, rendered, int64(back))
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Fatal("buy opposite should be sell")
	}
	if SideSell.Opposite() != SideBuy {
		t.Fatal("sell opposite should be buy")
	}
	if SideInvalid.Opposite() != SideInvalid {
		t.Fatal("invalid opposite should stay invalid")
	}
}
