// Package storage owns the single encrypted SQLite database shared by every
// Bitpart component: connection setup, schema migrations, value encryption
// and the keyed lock arena used for per-account and per-conversation
// serialization.
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bitpart/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	defaultMaxOpenConns = 4
	saltSize            = 16
)

// Config configures Open.
type Config struct {
	Path         string
	Key          string
	MaxOpenConns int
	Logger       *slog.Logger
}

// DB is the shared database handle.
type DB struct {
	db     *sql.DB
	cipher *Cipher
	logger *slog.Logger
}

// Open opens (creating if needed) the database at cfg.Path, applies pending
// migrations and unlocks it with cfg.Key. A key that differs from the one the
// database was created with yields domain.ErrWrongKey.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("database key is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	if err := RunMigrations(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	c, err := unlock(ctx, db, []byte(cfg.Key))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, cipher: c, logger: cfg.Logger}, nil
}

// unlock derives the cipher from key. The first open stores a random salt
// and a verifier; later opens must reproduce the verifier.
func unlock(ctx context.Context, db *sql.DB, key []byte) (*Cipher, error) {
	salt, err := getMeta(ctx, db, "salt")
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		c, err := deriveCipher(key, salt)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO storage_meta (name, value) VALUES ('salt', ?), ('verifier', ?)`,
			salt, c.verifier[:],
		); err != nil {
			return nil, fmt.Errorf("store key verifier: %w", err)
		}
		return c, nil
	}

	c, err := deriveCipher(key, salt)
	if err != nil {
		return nil, err
	}
	verifier, err := getMeta(ctx, db, "verifier")
	if err != nil {
		return nil, err
	}
	if !c.verify(verifier) {
		return nil, domain.E(domain.KindStorage, "open database", domain.ErrWrongKey)
	}
	return c, nil
}

// Inspect opens the database at path read-only and reports its schema
// version after checking key against the stored verifier. A database that
// was never unlocked only reports its version.
func Inspect(ctx context.Context, path, key string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("cannot open database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, fmt.Errorf("cannot open database: %w", err)
	}
	defer db.Close()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if version == 0 {
		return 0, nil
	}
	salt, err := getMeta(ctx, db, "salt")
	if err != nil || salt == nil {
		return version, err
	}
	c, err := deriveCipher([]byte(key), salt)
	if err != nil {
		return version, err
	}
	verifier, err := getMeta(ctx, db, "verifier")
	if err != nil {
		return version, err
	}
	if !c.verify(verifier) {
		return version, domain.E(domain.KindStorage, "inspect database", domain.ErrWrongKey)
	}
	return version, nil
}

func getMeta(ctx context.Context, db *sql.DB, name string) ([]byte, error) {
	var v []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM storage_meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage meta %s: %w", name, err)
	}
	return v, nil
}

// SQL exposes the underlying pool for read queries.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Cipher() *Cipher { return d.cipher }

func (d *DB) Logger() *slog.Logger { return d.logger }

// Tx runs fn inside one transaction. The transaction is rolled back when fn
// returns an error or panics.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.E(domain.KindStorage, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return domain.E(domain.KindStorage, "commit transaction", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist yet. Values stay sealed under the same key.
func (d *DB) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := d.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return domain.E(domain.KindStorage, "snapshot database", err)
	}
	return os.Chmod(dest, 0o600)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Millis converts t to the integer representation used by every timestamp
// column.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis reverses Millis. Zero stays the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
