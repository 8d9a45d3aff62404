package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/pkg/exception"
)

const (
	defaultLoginBaseURL = "https://kite.zerodha.com"
	defaultAPIBaseURL   = "https://api.kite.trade"

	loginTimeout = 30 * time.Second
	tokenLife    = 8 * time.Hour
	expiryBuffer = 5 * time.Minute

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// Authenticator yields a bearer token for venue-B API calls.
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed token source for tests and the simulator.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// Config holds the credentials and endpoints for the login flow.
type Config struct {
	APIKey    string
	APISecret string
	UserID    string
	Password  string
	TOTPSeed  string

	// CacheDir hosts the token file unless TokenPath overrides it.
	CacheDir  string
	TokenPath string

	// Endpoint overrides for the simulator-backed tests.
	LoginBaseURL string
	APIBaseURL   string
}

type session struct {
	AccessToken string `json:"access_token"`
	Expiry      int64  `json:"expiry"`
}

func (s session) valid(now time.Time) bool {
	return s.AccessToken != "" && now.Unix() < s.Expiry-int64(expiryBuffer/time.Second)
}

// Client performs the automated login flow and caches the session on
// disk so restarts inside the token lifetime skip the login.
type Client struct {
	mu        sync.Mutex
	cfg       Config
	http      *resty.Client
	session   session
	tokenFile string
}

// NewClient validates the credentials and loads any cached session.
func NewClient(cfg Config) (*Client, error) {
	switch {
	case cfg.APIKey == "":
		return nil, errors.Wrap(exception.ErrInvalidArgument, "auth api key")
	case cfg.APISecret == "":
		return nil, errors.Wrap(exception.ErrInvalidArgument, "auth api secret")
	case cfg.UserID == "":
		return nil, errors.Wrap(exception.ErrInvalidArgument, "auth user id")
	case cfg.Password == "":
		return nil, errors.Wrap(exception.ErrInvalidArgument, "auth password")
	case cfg.TOTPSeed == "":
		return nil, errors.Wrap(exception.ErrInvalidArgument, "auth totp seed")
	}
	if cfg.LoginBaseURL == "" {
		cfg.LoginBaseURL = defaultLoginBaseURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}

	tokenFile := cfg.TokenPath
	if tokenFile == "" {
		if cfg.CacheDir == "" {
			cfg.CacheDir = ".cache/zerodha"
		}
		tokenFile = filepath.Join(cfg.CacheDir, "token_"+cfg.UserID+".json")
	}
	if err := os.MkdirAll(filepath.Dir(tokenFile), 0o755); err != nil {
		return nil, errors.Wrap(err, "create token cache dir")
	}

	c := &Client{
		cfg:       cfg,
		http:      resty.New().SetTimeout(loginTimeout).SetHeader("User-Agent", browserUA),
		tokenFile: tokenFile,
	}
	c.loadSession()
	return c, nil
}

// APIKey exposes the key for Authorization headers built by callers.
func (c *Client) APIKey() string {
	return c.cfg.APIKey
}

// AccessToken returns the cached token while valid and runs the full
// login flow otherwise.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.valid(time.Now()) {
		return c.session.AccessToken, nil
	}
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.session.AccessToken, nil
}

// Refresh drops the cached session and logs in again.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = session{}
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.session.AccessToken, nil
}

type apiEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RequestID   string `json:"request_id"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

func parseEnvelope(body []byte) (apiEnvelope, error) {
	var env apiEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return apiEnvelope{}, errors.Wrap(err, "parse auth response")
	}
	return env, nil
}

// loginLocked runs the four-step flow with one cookie jar: password
// login, TOTP second factor, redirect capture of the request token,
// and the checksum exchange for the access token.
func (c *Client) loginLocked(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return errors.Wrap(err, "cookie jar")
	}
	c.http.SetCookieJar(jar)

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user_id":  c.cfg.UserID,
			"password": c.cfg.Password,
		}).
		Post(c.cfg.LoginBaseURL + "/api/login")
	if err != nil {
		return errors.Wrap(exception.ErrAuthLoginFailed, err.Error())
	}
	env, err := parseEnvelope(resp.Body())
	if err != nil {
		return err
	}
	if resp.IsError() || env.Data.RequestID == "" {
		return errors.Wrapf(exception.ErrAuthLoginFailed, "status %d: %s", resp.StatusCode(), env.Message)
	}
	requestID := env.Data.RequestID

	code, err := TOTPNow(c.cfg.TOTPSeed)
	if err != nil {
		return err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user_id":     c.cfg.UserID,
			"request_id":  requestID,
			"twofa_value": code,
		}).
		Post(c.cfg.LoginBaseURL + "/api/twofa")
	if err != nil {
		return errors.Wrap(exception.ErrAuthTwoFA, err.Error())
	}
	if resp.IsError() {
		env, _ := parseEnvelope(resp.Body())
		return errors.Wrapf(exception.ErrAuthTwoFA, "status %d: %s", resp.StatusCode(), env.Message)
	}

	requestToken, err := c.fetchRequestToken(ctx)
	if err != nil {
		return err
	}

	checksum := sha256.Sum256([]byte(c.cfg.APIKey + requestToken + c.cfg.APISecret))
	resp, err = c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":       c.cfg.APIKey,
			"request_token": requestToken,
			"checksum":      hex.EncodeToString(checksum[:]),
		}).
		Post(c.cfg.APIBaseURL + "/session/token")
	if err != nil {
		return errors.Wrap(exception.ErrAuthTokenExchange, err.Error())
	}
	env, err = parseEnvelope(resp.Body())
	if err != nil {
		return err
	}
	if resp.IsError() || env.Data.AccessToken == "" {
		return errors.Wrapf(exception.ErrAuthTokenExchange, "status %d: %s", resp.StatusCode(), env.Message)
	}

	c.session = session{
		AccessToken: env.Data.AccessToken,
		Expiry:      time.Now().Add(tokenLife).Unix(),
	}
	c.saveSessionLocked()
	logs.Infof("auth: new session for %s, expires %s", c.cfg.UserID,
		time.Unix(c.session.Expiry, 0).Format(time.RFC3339))
	return nil
}

// fetchRequestToken follows the connect redirect chain and captures
// the request_token query parameter from the first hop carrying it,
// so an unreachable final redirect target cannot fail the login.
func (c *Client) fetchRequestToken(ctx context.Context) (string, error) {
	captured := ""
	c.http.SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if token := req.URL.Query().Get("request_token"); token != "" {
			captured = token
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("too many redirects")
		}
		return nil
	}))

	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.cfg.LoginBaseURL + "/connect/login?v=3&api_key=" + c.cfg.APIKey)
	if captured != "" {
		return captured, nil
	}
	if err != nil {
		return "", errors.Wrap(exception.ErrAuthNoRequestToken, err.Error())
	}
	if token := resp.RawResponse.Request.URL.Query().Get("request_token"); token != "" {
		return token, nil
	}
	return "", exception.ErrAuthNoRequestToken
}

func (c *Client) loadSession() {
	data, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return
	}
	var s session
	if err := sonic.Unmarshal(data, &s); err != nil {
		return
	}
	if s.valid(time.Now()) {
		c.session = s
	}
}

func (c *Client) saveSessionLocked() {
	data, err := sonic.MarshalIndent(c.session, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.tokenFile, data, 0o600); err != nil {
		logs.Errorf("auth: token cache write failed: %+v", err)
	}
}
