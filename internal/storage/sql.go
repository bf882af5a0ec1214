package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTableName        = "spotsync_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	create string
	get    string
	put    string
	delete string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	create: `
		CREATE TABLE IF NOT EXISTS %s (
			kv_key TEXT PRIMARY KEY,
			kv_value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	get: "SELECT kv_value FROM %s WHERE kv_key = $1",
	put: `
		INSERT INTO %s (kv_key, kv_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET kv_value = EXCLUDED.kv_value, updated_at = NOW()`,
	delete: "DELETE FROM %s WHERE kv_key = $1",
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	create: `
		CREATE TABLE IF NOT EXISTS %s (
			kv_key TEXT PRIMARY KEY,
			kv_value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	get: "SELECT kv_value FROM %s WHERE kv_key = ?",
	put: `
		INSERT INTO %s (kv_key, kv_value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (kv_key)
		DO UPDATE SET kv_value = excluded.kv_value, updated_at = CURRENT_TIMESTAMP`,
	delete: "DELETE FROM %s WHERE kv_key = ?",
}

// SQLKV keeps every key as a row of a single table. The connection is
// opened lazily on first use.
type SQLKV struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKV(dsn string) (*SQLKV, error) {
	return newSQLKV(dsn, postgresDialect)
}

func NewSQLiteKV(path string) (*SQLKV, error) {
	return newSQLKV(path, sqliteDialect)
}

func newSQLKV(dsn string, dialect sqlDialect) (*SQLKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput.New("%s dsn is required", dialect.driver)
	}
	return &SQLKV{
		dsn:       dsn,
		tableName: sqlTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.query(b.dialect.get), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	return []byte(payload), true, nil
}

func (b *SQLKV) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput.New("empty key")
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, b.query(b.dialect.put), key, string(value))
	return Error.Wrap(err)
}

func (b *SQLKV) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, b.query(b.dialect.delete), key)
	return Error.Wrap(err)
}

func (b *SQLKV) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return Error.Wrap(b.db.Close())
}

func (b *SQLKV) query(format string) string {
	return fmt.Sprintf(format, quoteIdentifier(b.tableName))
}

func (b *SQLKV) ensureReady() error {
	if b == nil {
		return ErrInvalidInput.New("nil sql store")
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = Error.Wrap(err)
			return
		}
		if b.dialect.driver == "sqlite" {
			// One writer at a time keeps sqlite from reporting SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, b.query(b.dialect.create)); err != nil {
			_ = db.Close()
			b.initErr = Error.Wrap(err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
