package storage

import (
	"net/url"
	"strings"

	"github.com/spf13/afero"
)

func BuildFromDSN(dsn string) (KV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput.New("storage dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKV(afero.NewOsFs(), path)
	case "memory", "mem", "inmem":
		return NewMemoryKV(), nil
	case "postgres", "postgresql":
		return NewPostgresKV(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteKV(path)
	case "redis", "rediss", "mysql":
		return nil, ErrNotImplemented.New("storage backend %s", scheme)
	default:
		return nil, Error.New("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput.New("nil dsn")
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput.New("empty dsn")
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput.New("dsn %q has no path", raw)
	}
	return path, nil
}
