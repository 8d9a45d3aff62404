package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/pkg/exception"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	cacheFileName  = "instruments.csv"

	downloadTimeout = 30 * time.Second
)

// Instrument is one catalog row.
type Instrument struct {
	Token         int32
	ExchangeToken int64
	Symbol        string
	Name          string
	LastPrice     float64
	Expiry        time.Time
	Strike        float64
	TickSize      float64
	LotSize       uint32
	Type          string
	Segment       string
	Exchange      string
}

// Credentials supplies the auth header parts for catalog downloads.
// A nil Credentials disables downloads and the manager runs cache-only.
type Credentials interface {
	APIKey() string
	AccessToken(ctx context.Context) (string, error)
}

// Config tunes one catalog manager.
type Config struct {
	CacheDir        string
	TTL             time.Duration
	BaseURL         string
	DefaultExchange string
	UseFutures      bool
	RolloverDays    int
}

type symbolKey struct {
	exchange string
	symbol   string
}

// Manager owns the venue-B instrument catalog: download, disk cache,
// and the token/symbol/futures lookup tables.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	creds Credentials

	client *resty.Client

	instruments []Instrument
	byToken     map[int32]int
	bySymbol    map[symbolKey]int
	futures     map[string][]int
	skipped     int
	initialized bool
}

// NewManager creates a catalog manager. The cache directory is created
// eagerly so the first download has somewhere to land.
func NewManager(cfg Config, creds Credentials) (*Manager, error) {
	if cfg.CacheDir == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "catalog cache dir")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create catalog cache dir")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = "NSE"
	}
	if cfg.RolloverDays <= 0 {
		cfg.RolloverDays = 2
	}
	return &Manager{
		cfg:    cfg,
		creds:  creds,
		client: resty.New().SetTimeout(downloadTimeout),
	}, nil
}

func (m *Manager) cachePath() string {
	return filepath.Join(m.cfg.CacheDir, cacheFileName)
}

// Init loads the catalog: fresh cache is used directly, otherwise a
// download is attempted with the cache as fallback. Both missing fails.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	return m.loadLocked(ctx)
}

// RefreshIfStale re-downloads when the cache file aged past the TTL.
// Called from the facade pump, so the fresh path must stay cheap.
func (m *Manager) RefreshIfStale(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized && !m.cacheStaleLocked() {
		return nil
	}
	return m.loadLocked(ctx)
}

// Refresh forces a download regardless of cache age.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.downloadLocked(ctx)
	if err != nil {
		return err
	}
	m.saveCacheLocked(data)
	return m.parseAndIndexLocked(data)
}

func (m *Manager) loadLocked(ctx context.Context) error {
	var data []byte
	if m.cacheStaleLocked() {
		downloaded, err := m.downloadLocked(ctx)
		if err == nil {
			m.saveCacheLocked(downloaded)
			data = downloaded
		} else {
			logs.Errorf("catalog download failed, falling back to cache: %+v", err)
			data, _ = os.ReadFile(m.cachePath())
		}
	} else {
		data, _ = os.ReadFile(m.cachePath())
	}
	if len(data) == 0 {
		return exception.ErrCatalogUnavailable
	}
	return m.parseAndIndexLocked(data)
}

func (m *Manager) cacheStaleLocked() bool {
	info, err := os.Stat(m.cachePath())
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > m.cfg.TTL
}

func (m *Manager) downloadLocked(ctx context.Context) ([]byte, error) {
	if m.creds == nil {
		return nil, errors.Wrap(exception.ErrCatalogUnavailable, "no credentials")
	}
	token, err := m.creds.AccessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "catalog access token")
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", "token "+m.creds.APIKey()+":"+token).
		Get(m.cfg.BaseURL + "/instruments")
	if err != nil {
		return nil, errors.Wrap(err, "catalog download")
	}
	if resp.IsError() {
		return nil, errors.Wrapf(exception.ErrCatalogUnavailable, "status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

func (m *Manager) saveCacheLocked(data []byte) {
	if err := os.WriteFile(m.cachePath(), data, 0o644); err != nil {
		logs.Errorf("catalog cache write failed: %+v", err)
	}
}

func (m *Manager) parseAndIndexLocked(data []byte) error {
	instruments, skipped, err := parseCSV(data)
	if err != nil {
		return err
	}

	m.instruments = instruments
	m.skipped = skipped
	m.byToken = make(map[int32]int, len(instruments))
	m.bySymbol = make(map[symbolKey]int, len(instruments))
	m.futures = make(map[string][]int)
	for i := range m.instruments {
		inst := &m.instruments[i]
		m.byToken[inst.Token] = i
		m.bySymbol[symbolKey{inst.Exchange, inst.Symbol}] = i
		if inst.Type == "FUT" && inst.Exchange == "NFO" && inst.Name != "" {
			m.futures[inst.Name] = append(m.futures[inst.Name], i)
		}
	}
	m.initialized = true
	if skipped > 0 {
		logs.Infof("catalog loaded %d instruments, skipped %d rows", len(instruments), skipped)
	}
	return nil
}

// TokenFor resolves EXCHANGE:SYMBOL to an instrument token. Bare
// symbols default to the configured exchange. Known index names
// resolve to the nearest future when enabled. Returns 0 when unknown.
func (m *Manager) TokenFor(symbol string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	exchange, name := m.splitSymbolLocked(symbol)
	if exchange == "NSE" {
		if underlying, isIndex := indexUnderlying(name); isIndex && m.cfg.UseFutures {
			return m.nearestFutureLocked(underlying, time.Now())
		}
	}
	if i, ok := m.bySymbol[symbolKey{exchange, name}]; ok {
		return m.instruments[i].Token
	}
	return 0
}

// NearestFutureToken picks the smallest expiry strictly after now among
// the underlying's futures. With no live contract it synthesizes the
// canonical monthly symbol and retries the lookup.
func (m *Manager) NearestFutureToken(underlying string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nearestFutureLocked(underlying, time.Now())
}

func (m *Manager) nearestFutureLocked(underlying string, now time.Time) int32 {
	var (
		nearest       int32
		nearestExpiry time.Time
	)
	for _, i := range m.futures[underlying] {
		inst := &m.instruments[i]
		if inst.Expiry.IsZero() || !inst.Expiry.After(now) {
			continue
		}
		if nearest == 0 || inst.Expiry.Before(nearestExpiry) {
			nearest = inst.Token
			nearestExpiry = inst.Expiry
		}
	}
	if nearest != 0 {
		return nearest
	}

	synthesized := futureSymbol(underlying, nextMonthlyExpiry(now, m.cfg.RolloverDays))
	if i, ok := m.bySymbol[symbolKey{"NFO", synthesized}]; ok {
		return m.instruments[i].Token
	}
	logs.Infof("catalog: no future contract for %s (tried %s)", underlying, synthesized)
	return 0
}

// InfoFor is the reverse lookup by token.
func (m *Manager) InfoFor(token int32) (Instrument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byToken[token]; ok {
		return m.instruments[i], true
	}
	return Instrument{}, false
}

// IsIndex answers from the catalog row's segment tag.
func (m *Manager) IsIndex(token int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byToken[token]; ok {
		return m.instruments[i].Segment == "INDICES"
	}
	return false
}

// Count returns the number of loaded instruments.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instruments)
}

// Skipped returns how many rows the last parse dropped.
func (m *Manager) Skipped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}

func (m *Manager) splitSymbolLocked(full string) (exchange, symbol string) {
	if i := strings.IndexByte(full, ':'); i >= 0 {
		return strings.ToUpper(full[:i]), full[i+1:]
	}
	return m.cfg.DefaultExchange, full
}

// indexUnderlying maps a known index display name to the futures
// underlying, matching with spaces stripped.
func indexUnderlying(name string) (string, bool) {
	switch strings.ReplaceAll(name, " ", "") {
	case "NIFTY", "NIFTY50":
		return "NIFTY", true
	case "BANKNIFTY", "NIFTYBANK":
		return "BANKNIFTY", true
	case "FINNIFTY":
		return "FINNIFTY", true
	default:
		return "", false
	}
}
