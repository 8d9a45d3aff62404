package conn

import (
	"net"
	"net/url"
	"strconv"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option builds the PostgreSQL connection string. ConnString wins when
// set; AppName is folded into the DSN either way so server-side
// activity views can name the process.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	AppName    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens a PostgreSQL connection pool from opt.
func New(opt Option) (*Client, error) {
	cfg := opt.Config
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(opt.dsn()), cfg)
	if err != nil {
		return nil, err
	}
	return &Client{opt: opt, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return withAppName(opt.ConnString, opt.AppName)
	}

	host, port, ssl := opt.Host, opt.Port, opt.SSLMode
	if host == "" {
		host = defaultPostgresHost
	}
	if port == 0 {
		port = defaultPostgresPort
	}
	if ssl == "" {
		ssl = defaultPostgresSSLMode
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	q := url.Values{"sslmode": {ssl}}
	if opt.AppName != "" {
		q.Set("application_name", opt.AppName)
	}
	for k, v := range opt.Params {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// withAppName injects application_name into a URL-style DSN unless the
// caller already pinned one. Keyword DSNs pass through untouched.
func withAppName(dsn, app string) string {
	if app == "" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return dsn
	}
	q := u.Query()
	if q.Get("application_name") != "" {
		return dsn
	}
	q.Set("application_name", app)
	u.RawQuery = q.Encode()
	return u.String()
}
