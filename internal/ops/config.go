package ops

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"venuelink/internal/risk"
	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

// TradingMode selects live venue I/O or the paper simulator.
type TradingMode uint8

const (
	TradingModeInvalid TradingMode = iota
	TradingModePaper
	TradingModeLive
)

func (m TradingMode) String() string {
	switch m {
	case TradingModePaper:
		return "PAPER"
	case TradingModeLive:
		return "LIVE"
	default:
		return "INVALID"
	}
}

// ParseTradingMode accepts PAPER or LIVE, case-insensitive.
func ParseTradingMode(s string) (TradingMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAPER", "":
		return TradingModePaper, nil
	case "LIVE":
		return TradingModeLive, nil
	default:
		return TradingModeInvalid, errors.Wrapf(exception.ErrInvalidArgument, "trading mode %q", s)
	}
}

// StrategyType names the engine-side strategy to run.
type StrategyType uint8

const (
	StrategyInvalid StrategyType = iota
	StrategyLiquidityTaker
	StrategyMarketMaker
)

func (s StrategyType) String() string {
	switch s {
	case StrategyLiquidityTaker:
		return "LIQUIDITY_TAKER"
	case StrategyMarketMaker:
		return "MARKET_MAKER"
	default:
		return "INVALID"
	}
}

// ParseStrategyType accepts LIQUIDITY_TAKER or MARKET_MAKER.
func ParseStrategyType(s string) (StrategyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIQUIDITY_TAKER", "":
		return StrategyLiquidityTaker, nil
	case "MARKET_MAKER":
		return StrategyMarketMaker, nil
	default:
		return StrategyInvalid, errors.Wrapf(exception.ErrInvalidArgument, "strategy type %q", s)
	}
}

// FileConfig mirrors the JSON config document.
type FileConfig struct {
	TradingSystem TradingSystemConfig       `json:"trading_system"`
	Risk          risk.Config               `json:"risk"`
	Exchanges     map[string]ExchangeConfig `json:"exchanges"`
	Instruments   []InstrumentConfig        `json:"instruments"`
	Journal       JournalConfig             `json:"journal"`
	Profiling     ProfilingConfig           `json:"profiling"`
}

// TradingSystemConfig is the trading_system section.
type TradingSystemConfig struct {
	TradingMode  string             `json:"trading_mode"`
	Strategy     StrategyConfig     `json:"strategy"`
	PaperTrading PaperTradingConfig `json:"paper_trading"`
}

// StrategyConfig carries the strategy type and its flat parameter map.
// The trading window is wall-clock HH:MM:SS.
type StrategyConfig struct {
	Type         string             `json:"type"`
	Parameters   map[string]float64 `json:"parameters"`
	TradingStart string             `json:"trading_start_time"`
	TradingEnd   string             `json:"trading_end_time"`
}

// PaperTradingConfig tunes the fill simulator. Pointers distinguish
// absent fields so exchange-level overrides only replace what they set.
type PaperTradingConfig struct {
	FillProbability *float64 `json:"fill_probability"`
	MinLatencyMs    *float64 `json:"min_latency_ms"`
	MaxLatencyMs    *float64 `json:"max_latency_ms"`
	SlippageModel   string   `json:"slippage_model"`
	SlippageFactor  *float64 `json:"slippage_factor"`
}

// APICredentials is the api_credentials block of one exchange.
type APICredentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	Testnet    *bool  `json:"testnet"`
}

// ExchangeConfig is one entry of the exchanges section.
type ExchangeConfig struct {
	Credentials          APICredentials     `json:"api_credentials"`
	PaperTrading         PaperTradingConfig `json:"paper_trading"`
	CacheDir             string             `json:"cache_dir"`
	CacheTTLHours        int                `json:"cache_ttl_hours"`
	AccessTokenPath      string             `json:"access_token_path"`
	UseFuturesForIndices *bool              `json:"use_futures_for_indices"`
	DefaultExchange      string             `json:"default_exchange"`
	RolloverDays         int                `json:"index_futures_rollover_days"`
}

// InstrumentConfig is one traded instrument with its strategy knobs.
type InstrumentConfig struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	TickerID   uint32  `json:"ticker_id"`
	IsFutures  bool    `json:"is_futures"`
	ExpiryDate string  `json:"expiry_date"`
	Clip       uint32  `json:"clip"`
	Threshold  float64 `json:"threshold"`
	MaxPos     int64   `json:"max_position"`
	MaxLoss    float64 `json:"max_loss"`
}

// JournalConfig enables the optional Postgres audit trail.
type JournalConfig struct {
	Enabled    bool   `json:"enabled"`
	DSN        string `json:"dsn"`
	AppName    string `json:"app_name"`
	BufferSize int    `json:"buffer_size"`
}

// ProfilingConfig enables the continuous profiler.
type ProfilingConfig struct {
	Enabled    bool   `json:"enabled"`
	ServerAddr string `json:"server_addr"`
}

// PaperTrading is the resolved simulator tuning.
type PaperTrading struct {
	FillProbability float64
	MinLatency      time.Duration
	MaxLatency      time.Duration
	SlippageModel   string
	SlippageFactor  float64
}

// Exchange is one resolved exchange entry.
type Exchange struct {
	Name                 string
	APIKey               string
	APISecret            string
	UserID               string
	Password             string
	TOTPSecret           string
	Testnet              bool
	CacheDir             string
	CacheTTL             time.Duration
	AccessTokenPath      string
	UseFuturesForIndices bool
	DefaultExchange      string
	RolloverDays         int
	PaperTrading         PaperTrading
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	TradingMode  TradingMode
	Strategy     StrategyType
	Parameters   map[string]float64
	TradingStart string
	TradingEnd   string
	PaperTrading PaperTrading
	Risk         risk.Config
	Exchanges    map[string]Exchange
	Instruments  []InstrumentConfig
	Journal      JournalConfig
	Profiling    ProfilingConfig
}

// Parameter returns a named strategy parameter or its default.
func (l Loaded) Parameter(name string, fallback float64) float64 {
	if v, ok := l.Parameters[name]; ok {
		return v
	}
	return fallback
}

// Exchange returns the resolved entry for an exchange name.
func (l Loaded) Exchange(name string) (Exchange, bool) {
	ex, ok := l.Exchanges[strings.ToUpper(name)]
	return ex, ok
}

// AutoTickerStart is the first id handed to instruments the config
// leaves unnumbered.
const AutoTickerStart = 1001

// Load reads the JSON config file and resolves every value through
// JSON field, then named environment variable, then typed default.
func Load(path string) (Loaded, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	mode, err := ParseTradingMode(envString("ZKITE_TRADING_MODE", cfg.TradingSystem.TradingMode))
	if err != nil {
		return Loaded{}, err
	}
	strategy, err := ParseStrategyType(envString("ZKITE_STRATEGY_TYPE", cfg.TradingSystem.Strategy.Type))
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{
		TradingMode:  mode,
		Strategy:     strategy,
		Parameters:   cfg.TradingSystem.Strategy.Parameters,
		TradingStart: envString("ZKITE_TRADING_START_TIME", cfg.TradingSystem.Strategy.TradingStart),
		TradingEnd:   envString("ZKITE_TRADING_END_TIME", cfg.TradingSystem.Strategy.TradingEnd),
		PaperTrading: resolvePaper(cfg.TradingSystem.PaperTrading, defaultPaper()),
		Risk:         resolveRisk(cfg.Risk),
		Exchanges:    make(map[string]Exchange, len(cfg.Exchanges)),
		Instruments:  cfg.Instruments,
		Journal:      cfg.Journal,
		Profiling:    cfg.Profiling,
	}
	if loaded.Parameters == nil {
		loaded.Parameters = map[string]float64{}
	}
	if loaded.TradingStart == "" {
		loaded.TradingStart = "09:15:00"
	}
	if loaded.TradingEnd == "" {
		loaded.TradingEnd = "15:15:00"
	}
	if loaded.Journal.BufferSize <= 0 {
		loaded.Journal.BufferSize = 1024
	}

	for name, exCfg := range cfg.Exchanges {
		upper := strings.ToUpper(name)
		ex, err := resolveExchange(upper, exCfg, loaded.PaperTrading, mode)
		if err != nil {
			return Loaded{}, err
		}
		loaded.Exchanges[upper] = ex
	}

	if err := assignTickerIDs(loaded.Instruments); err != nil {
		return Loaded{}, err
	}
	for i := range loaded.Instruments {
		inst := &loaded.Instruments[i]
		if inst.Symbol == "" {
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "instrument %d has no symbol", i)
		}
		if inst.Clip == 0 {
			inst.Clip = 1
		}
		if inst.Threshold == 0 {
			inst.Threshold = 0.5
		}
		if inst.MaxPos == 0 {
			inst.MaxPos = 100
		}
		if inst.MaxLoss == 0 {
			inst.MaxLoss = 10000
		}
	}
	return loaded, nil
}

func resolveRisk(cfg risk.Config) risk.Config {
	if cfg.MaxDailyLoss == 0 {
		cfg.MaxDailyLoss = 25000
	}
	if cfg.MaxPositionValue == 0 {
		cfg.MaxPositionValue = 1_000_000
	}
	if cfg.EnforceCircuitLimits == nil {
		cfg.EnforceCircuitLimits = boolPtr(true)
	}
	if cfg.EnforceTradingHours == nil {
		cfg.EnforceTradingHours = boolPtr(true)
	}
	return cfg
}

func defaultPaper() PaperTrading {
	return PaperTrading{
		FillProbability: 0.9,
		MinLatency:      500 * time.Microsecond,
		MaxLatency:      5 * time.Millisecond,
		SlippageModel:   "NORMAL",
		SlippageFactor:  0,
	}
}

func resolvePaper(cfg PaperTradingConfig, base PaperTrading) PaperTrading {
	out := base
	if cfg.FillProbability != nil {
		out.FillProbability = *cfg.FillProbability
	}
	if cfg.MinLatencyMs != nil {
		out.MinLatency = time.Duration(*cfg.MinLatencyMs * float64(time.Millisecond))
	}
	if cfg.MaxLatencyMs != nil {
		out.MaxLatency = time.Duration(*cfg.MaxLatencyMs * float64(time.Millisecond))
	}
	if cfg.SlippageModel != "" {
		out.SlippageModel = cfg.SlippageModel
	}
	if cfg.SlippageFactor != nil {
		out.SlippageFactor = *cfg.SlippageFactor
	}
	if out.MaxLatency < out.MinLatency {
		out.MaxLatency = out.MinLatency
	}
	return out
}

func resolveExchange(name string, cfg ExchangeConfig, paper PaperTrading, mode TradingMode) (Exchange, error) {
	prefix := envPrefix(name)
	ex := Exchange{
		Name:                 name,
		APIKey:               envString(prefix+"_API_KEY", cfg.Credentials.APIKey),
		APISecret:            envString(prefix+"_API_SECRET", cfg.Credentials.APISecret),
		UserID:               envString(prefix+"_USER_ID", cfg.Credentials.UserID),
		Password:             envString(prefix+"_PWD", cfg.Credentials.Password),
		TOTPSecret:           envString(prefix+"_TOTP_SECRET", cfg.Credentials.TOTPSecret),
		Testnet:              envBool(prefix+"_TESTNET", boolValue(cfg.Credentials.Testnet, false)),
		CacheDir:             envString(prefix+"_INSTRUMENTS_CACHE_DIR", cfg.CacheDir),
		AccessTokenPath:      envString(prefix+"_ACCESS_TOKEN_PATH", cfg.AccessTokenPath),
		UseFuturesForIndices: envBool(prefix+"_USE_FUTURES_FOR_INDICES", boolValue(cfg.UseFuturesForIndices, false)),
		DefaultExchange:      envString(prefix+"_DEFAULT_EXCHANGE", cfg.DefaultExchange),
		RolloverDays:         cfg.RolloverDays,
		PaperTrading:         resolvePaper(cfg.PaperTrading, paper),
	}
	if ex.CacheDir == "" {
		ex.CacheDir = ".cache/" + strings.ToLower(name)
	}
	ttlHours := cfg.CacheTTLHours
	if v := envString(prefix+"_INSTRUMENTS_CACHE_TTL", ""); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			ttlHours = parsed
		}
	}
	if ttlHours <= 0 {
		ttlHours = 24
	}
	ex.CacheTTL = time.Duration(ttlHours) * time.Hour
	if ex.DefaultExchange == "" {
		ex.DefaultExchange = "NSE"
	}
	if ex.RolloverDays <= 0 {
		ex.RolloverDays = 2
	}

	if mode == TradingModeLive && ex.APIKey == "" {
		return Exchange{}, errors.Wrapf(exception.ErrInvalidArgument, "exchange %s: api key required in LIVE mode", name)
	}
	return ex, nil
}

// envPrefix maps an exchange name to its environment variable prefix.
// The venue-B adapter keeps its historical ZKITE_ scheme.
func envPrefix(name string) string {
	if name == "ZERODHA" {
		return "ZKITE"
	}
	return name
}

func assignTickerIDs(instruments []InstrumentConfig) error {
	next := uint32(AutoTickerStart)
	seen := make(map[uint32]int, len(instruments))
	for i := range instruments {
		id := instruments[i].TickerID
		if id == 0 {
			continue
		}
		if prev, dup := seen[id]; dup {
			return errors.Wrapf(exception.ErrInvalidArgument, "instruments %d and %d share ticker id %d", prev, i, id)
		}
		seen[id] = i
		if id >= next {
			next = id + 1
		}
	}
	for i := range instruments {
		if instruments[i].TickerID != 0 {
			continue
		}
		for {
			if _, taken := seen[next]; !taken {
				break
			}
			next++
		}
		instruments[i].TickerID = next
		seen[next] = i
		next++
	}
	for i := range instruments {
		if instruments[i].TickerID == uint32(schema.TickerIDInvalid) {
			return errors.Wrapf(exception.ErrInvalidArgument, "instrument %d uses the invalid ticker sentinel", i)
		}
	}
	return nil
}

func envString(name, fromFile string) string {
	if fromFile != "" {
		return fromFile
	}
	return os.Getenv(name)
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func boolPtr(v bool) *bool { return &v }

func boolValue(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}
