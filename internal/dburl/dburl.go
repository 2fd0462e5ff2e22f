// Package dburl turns engine URLs into canonical registry keys and into the
// connection strings each driver expects.
package dburl

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrInvalidURL is returned when the URL cannot be parsed.
	ErrInvalidURL = errors.New("invalid engine url")

	// ErrUnsupportedScheme is returned for schemes no driver handles.
	ErrUnsupportedScheme = errors.New("unsupported engine url scheme")
)

// Drivers.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
	MySQL    = "mysql"
	Redis    = "redis"
)

var schemeAliases = map[string]string{
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
	"file":       "sqlite",
	"postgres":   "postgres",
	"postgresql": "postgres",
	"pgx":        "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
	"redis":      "redis",
	"rediss":     "rediss",
}

var defaultPorts = map[string]string{
	"postgres": "5432",
	"mysql":    "3306",
	"redis":    "6379",
	"rediss":   "6379",
}

// Key is a canonical engine URL. It redacts its password when logged.
type Key string

func (k Key) String() string { return string(k) }

// Redacted returns the key with its password hidden.
func (k Key) Redacted() string { return Redact(string(k)) }

func (k Key) LogValue() slog.Value {
	return slog.StringValue(k.Redacted())
}

// URL is a parsed engine URL.
type URL struct {
	// Key identifies the engine in the registry.
	Key Key
	// Driver is one of SQLite, Postgres, MySQL or Redis.
	Driver string
	// DSN is what the driver's Open expects.
	DSN string
	// MigrateURL addresses the same database for golang-migrate. Empty for redis.
	MigrateURL string
}

// InMemory reports whether u is a private in-memory sqlite database, which
// lives exactly as long as its one connection.
func (u URL) InMemory() bool {
	if u.Driver != SQLite {
		return false
	}
	p, _, _ := strings.Cut(u.DSN, "?")
	return p == memoryPath
}

// Normalize returns the canonical key for raw. Two spellings of the same
// target produce the same key.
func Normalize(raw string) (Key, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return u.Key, nil
}

// Parse normalizes raw and derives the driver connection strings.
func Parse(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return URL{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidURL, Redact(raw))
	}

	canonical, ok := schemeAliases[strings.ToLower(scheme)]
	if !ok {
		return URL{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	if canonical == SQLite {
		return parseSQLite(rest)
	}

	u, err := url.Parse(canonical + "://" + rest)
	if err != nil {
		return URL{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	normalizeNetwork(u)

	switch canonical {
	case Postgres:
		u.Path = strings.TrimRight(u.Path, "/")
		key := u.String()
		return URL{Key: Key(key), Driver: Postgres, DSN: key, MigrateURL: key}, nil
	case MySQL:
		u.Path = strings.TrimRight(u.Path, "/")
		dsn, err := mysqlDSN(u)
		if err != nil {
			return URL{}, err
		}
		return URL{Key: Key(u.String()), Driver: MySQL, DSN: dsn, MigrateURL: "mysql://" + dsn}, nil
	default:
		if u.Path == "" || u.Path == "/" {
			u.Path = "/0"
		}
		key := u.String()
		return URL{Key: Key(key), Driver: Redis, DSN: key}, nil
	}
}

func normalizeNetwork(u *url.URL) {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == defaultPorts[u.Scheme] {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.RawQuery = u.Query().Encode()
	u.Fragment = ""
	u.RawFragment = ""
}

const memoryPath = ":memory:"

// parseSQLite handles sqlite://path and sqlite://:memory:, which net/url
// rejects because of the colon. A third slash starts an absolute path, as in
// golang-migrate's sqlite URLs, so sqlite:///data.db is /data.db. The one
// exception is sqlite:///:memory:, which is the in-memory database.
func parseSQLite(rest string) (URL, error) {
	p, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return URL{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if p == "" {
		return URL{}, fmt.Errorf("%w: sqlite url has no path", ErrInvalidURL)
	}
	if p == "/"+memoryPath {
		p = memoryPath
	}
	if p != memoryPath {
		p = path.Clean(p)
	}

	target := p
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	key := "sqlite://" + target
	return URL{Key: Key(key), Driver: SQLite, DSN: target, MigrateURL: key}, nil
}

func mysqlDSN(u *url.URL) (string, error) {
	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			b.WriteString(":" + pass)
		}
		b.WriteString("@")
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[MySQL]
	}
	fmt.Fprintf(&b, "tcp(%s)/%s", net.JoinHostPort(u.Hostname(), port), strings.TrimPrefix(u.Path, "/"))
	if u.RawQuery != "" {
		b.WriteString("?" + u.RawQuery)
	}

	cfg, err := mysql.ParseDSN(b.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	return cfg.FormatDSN(), nil
}

// Redact hides the password in raw. Unparseable input is returned unchanged
// up to the user info.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.User != nil {
		return u.Redacted()
	}
	if err != nil {
		if scheme, rest, ok := strings.Cut(raw, "://"); ok {
			if at := strings.LastIndex(rest, "@"); at >= 0 {
				return scheme + "://xxxxx@" + rest[at+1:]
			}
		}
	}
	return raw
}
