package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ZKITE_TRADING_MODE", "")
	t.Setenv("ZKITE_STRATEGY_TYPE", "")

	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TradingMode != TradingModePaper {
		t.Fatalf("mode = %v, want PAPER", loaded.TradingMode)
	}
	if loaded.Strategy != StrategyLiquidityTaker {
		t.Fatalf("strategy = %v, want LIQUIDITY_TAKER", loaded.Strategy)
	}
	paper := loaded.PaperTrading
	if paper.FillProbability != 0.9 || paper.MinLatency != 500*time.Microsecond || paper.MaxLatency != 5*time.Millisecond {
		t.Fatalf("paper defaults = %+v", paper)
	}
	if paper.SlippageModel != "NORMAL" {
		t.Fatalf("slippage model = %q", paper.SlippageModel)
	}
	if loaded.Risk.MaxDailyLoss != 25000 || loaded.Risk.MaxPositionValue != 1_000_000 {
		t.Fatalf("risk defaults = %+v", loaded.Risk)
	}
	if !loaded.Risk.CircuitLimitsEnforced() || !loaded.Risk.TradingHoursEnforced() {
		t.Fatalf("risk enforce flags must default on")
	}
	if loaded.Journal.BufferSize != 1024 {
		t.Fatalf("journal buffer = %d, want 1024", loaded.Journal.BufferSize)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"trading_system": {
			"trading_mode": "LIVE",
			"strategy": {
				"type": "MARKET_MAKER",
				"parameters": {"order_qty": 25, "spread_bps": 4}
			},
			"paper_trading": {"fill_probability": 0.5, "max_latency_ms": 20}
		},
		"risk": {"max_daily_loss": 5000, "enforce_trading_hours": false},
		"exchanges": {
			"zerodha": {
				"api_credentials": {"api_key": "zk", "api_secret": "zs", "user_id": "AB1234", "totp_secret": "SECRET"},
				"cache_ttl_hours": 6,
				"use_futures_for_indices": true
			},
			"BINANCE": {
				"api_credentials": {"api_key": "bk", "api_secret": "bs", "testnet": true}
			}
		},
		"instruments": [
			{"symbol": "NSE:SBIN", "exchange": "ZERODHA"},
			{"symbol": "BTCUSDT", "exchange": "BINANCE", "ticker_id": 2000, "clip": 3, "threshold": 0.7}
		]
	}`)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TradingMode != TradingModeLive || loaded.Strategy != StrategyMarketMaker {
		t.Fatalf("mode/strategy = %v/%v", loaded.TradingMode, loaded.Strategy)
	}
	if got := loaded.Parameter("order_qty", 0); got != 25 {
		t.Fatalf("order_qty = %v", got)
	}
	if got := loaded.Parameter("missing", 1.5); got != 1.5 {
		t.Fatalf("parameter fallback = %v", got)
	}
	if loaded.PaperTrading.FillProbability != 0.5 || loaded.PaperTrading.MaxLatency != 20*time.Millisecond {
		t.Fatalf("paper = %+v", loaded.PaperTrading)
	}
	if loaded.PaperTrading.MinLatency != 500*time.Microsecond {
		t.Fatalf("unset min latency must keep default, got %v", loaded.PaperTrading.MinLatency)
	}
	if loaded.Risk.MaxDailyLoss != 5000 || loaded.Risk.TradingHoursEnforced() {
		t.Fatalf("risk = %+v", loaded.Risk)
	}

	zk, ok := loaded.Exchange("ZERODHA")
	if !ok {
		t.Fatalf("zerodha entry missing")
	}
	if zk.APIKey != "zk" || zk.UserID != "AB1234" || !zk.UseFuturesForIndices {
		t.Fatalf("zerodha = %+v", zk)
	}
	if zk.CacheTTL != 6*time.Hour || zk.DefaultExchange != "NSE" || zk.RolloverDays != 2 {
		t.Fatalf("zerodha defaults = %+v", zk)
	}

	bn, ok := loaded.Exchange("binance")
	if !ok {
		t.Fatalf("binance entry missing (lookup must be case-insensitive)")
	}
	if !bn.Testnet || bn.APIKey != "bk" {
		t.Fatalf("binance = %+v", bn)
	}

	if loaded.Instruments[0].TickerID != 2001 {
		t.Fatalf("auto ticker = %d, want 2001 (above the explicit max)", loaded.Instruments[0].TickerID)
	}
	if loaded.Instruments[0].Clip != 1 || loaded.Instruments[0].Threshold != 0.5 {
		t.Fatalf("instrument defaults = %+v", loaded.Instruments[0])
	}
	if loaded.Instruments[0].MaxPos != 100 || loaded.Instruments[0].MaxLoss != 10000 {
		t.Fatalf("instrument limits = %+v", loaded.Instruments[0])
	}
	if loaded.Instruments[1].Clip != 3 || loaded.Instruments[1].Threshold != 0.7 {
		t.Fatalf("explicit knobs overwritten: %+v", loaded.Instruments[1])
	}
}

func TestEnvFillsAbsentFields(t *testing.T) {
	t.Setenv("ZKITE_TRADING_MODE", "live")
	t.Setenv("ZKITE_API_KEY", "env-key")
	t.Setenv("ZKITE_API_SECRET", "env-secret")
	t.Setenv("ZKITE_USER_ID", "CD5678")
	t.Setenv("ZKITE_USE_FUTURES_FOR_INDICES", "yes")

	path := writeConfig(t, `{"exchanges": {"ZERODHA": {}}}`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TradingMode != TradingModeLive {
		t.Fatalf("mode = %v, want LIVE from env", loaded.TradingMode)
	}
	zk, _ := loaded.Exchange("ZERODHA")
	if zk.APIKey != "env-key" || zk.UserID != "CD5678" {
		t.Fatalf("env credentials not applied: %+v", zk)
	}
	if !zk.UseFuturesForIndices {
		t.Fatalf("env bool not applied")
	}
}

func TestFileWinsOverEnv(t *testing.T) {
	t.Setenv("ZKITE_API_KEY", "env-key")
	path := writeConfig(t, `{
		"trading_system": {"trading_mode": "PAPER"},
		"exchanges": {"ZERODHA": {"api_credentials": {"api_key": "file-key"}}}
	}`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	zk, _ := loaded.Exchange("ZERODHA")
	if zk.APIKey != "file-key" {
		t.Fatalf("api key = %q, file value must win", zk.APIKey)
	}
}

func TestLiveRequiresAPIKey(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	path := writeConfig(t, `{
		"trading_system": {"trading_mode": "LIVE"},
		"exchanges": {"BINANCE": {}}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("LIVE mode with no api key must fail")
	}
}

func TestAssignTickerIDs(t *testing.T) {
	instruments := []InstrumentConfig{
		{Symbol: "A"},
		{Symbol: "B", TickerID: 1001},
		{Symbol: "C"},
	}
	if err := assignTickerIDs(instruments); err != nil {
		t.Fatalf("assignTickerIDs: %v", err)
	}
	if instruments[1].TickerID != 1001 {
		t.Fatalf("explicit id changed: %d", instruments[1].TickerID)
	}
	if instruments[0].TickerID != 1002 || instruments[2].TickerID != 1003 {
		t.Fatalf("auto ids = %d, %d; want 1002, 1003", instruments[0].TickerID, instruments[2].TickerID)
	}

	dup := []InstrumentConfig{
		{Symbol: "A", TickerID: 5},
		{Symbol: "B", TickerID: 5},
	}
	if err := assignTickerIDs(dup); err == nil {
		t.Fatalf("duplicate explicit ids must fail")
	}
}

func TestParseTradingMode(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    TradingMode
		wantErr bool
	}{
		{"PAPER", TradingModePaper, false},
		{"live", TradingModeLive, false},
		{" Live ", TradingModeLive, false},
		{"", TradingModePaper, false},
		{"SANDBOX", TradingModeInvalid, true},
	} {
		got, err := ParseTradingMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseTradingMode(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseTradingMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPaperLatencyClamp(t *testing.T) {
	minMs, maxMs := 8.0, 2.0
	out := resolvePaper(PaperTradingConfig{MinLatencyMs: &minMs, MaxLatencyMs: &maxMs}, defaultPaper())
	if out.MaxLatency != out.MinLatency {
		t.Fatalf("max %v must clamp up to min %v", out.MaxLatency, out.MinLatency)
	}
}
