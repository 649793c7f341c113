package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB stores records in two tables (records, record_indexes) through sqlx.
// The same schema and queries serve SQLite and Postgres; sqlx rebinds the
// placeholders for the driver in use.
type DB struct {
	Client *sqlx.DB
}

// OpenSQLite opens (creating if needed) a SQLite database file and migrates it.
func OpenSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	out, err := finishOpen(db, func(raw *sql.DB) (database.Driver, error) {
		return migratesqlite.WithInstance(raw, &migratesqlite.Config{})
	}, "sqlite3")
	if err != nil {
		return nil, err
	}
	// One connection keeps SQLite from returning SQLITE_BUSY between writers.
	out.Client.SetMaxOpenConns(1)
	return out, nil
}

// OpenPostgres connects to Postgres through pgx and migrates the schema.
func OpenPostgres(connString string) (*DB, error) {
	db, err := sqlx.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return finishOpen(db, func(raw *sql.DB) (database.Driver, error) {
		return migratepgx.WithInstance(raw, &migratepgx.Config{})
	}, "pgx5")
}

func finishOpen(db *sqlx.DB, driver func(*sql.DB) (database.Driver, error), name string) (*DB, error) {
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrateUp(db.DB, driver, name); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrateUp(raw *sql.DB, driver func(*sql.DB) (database.Driver, error), name string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := driver(raw)
	if err != nil {
		return err
	}
	// m.Close would also close raw, which the store keeps using.
	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (d *DB) Put(ctx context.Context, collection string, rec Record) error {
	tx, err := d.Client.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, d.Client.Rebind(`
		INSERT INTO records (collection, record_key, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, record_key) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`), collection, rec.Key, string(rec.Doc), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, d.Client.Rebind(
		`DELETE FROM record_indexes WHERE collection = ? AND record_key = ?`,
	), collection, rec.Key); err != nil {
		return err
	}
	insertIdx := d.Client.Rebind(`
		INSERT INTO record_indexes (collection, index_name, index_value, record_key)
		VALUES (?, ?, ?, ?)
	`)
	for name, value := range rec.Indexes {
		if _, err := tx.ExecContext(ctx, insertIdx, collection, name, value, rec.Key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var doc string
	err := d.Client.GetContext(ctx, &doc, d.Client.Rebind(
		`SELECT doc FROM records WHERE collection = ? AND record_key = ?`,
	), collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(doc), true, nil
}

func (d *DB) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	var docs []string
	if err := d.Client.SelectContext(ctx, &docs, d.Client.Rebind(
		`SELECT doc FROM records WHERE collection = ?`,
	), collection); err != nil {
		return nil, err
	}
	return toBytes(docs), nil
}

func (d *DB) Keys(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	if err := d.Client.SelectContext(ctx, &keys, d.Client.Rebind(
		`SELECT record_key FROM records WHERE collection = ? ORDER BY record_key`,
	), collection); err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *DB) GetByIndex(ctx context.Context, collection, index, value string) ([][]byte, error) {
	var docs []string
	if err := d.Client.SelectContext(ctx, &docs, d.Client.Rebind(`
		SELECT r.doc
		FROM records r
		JOIN record_indexes i ON i.collection = r.collection AND i.record_key = r.record_key
		WHERE i.collection = ? AND i.index_name = ? AND i.index_value = ?
	`), collection, index, value); err != nil {
		return nil, err
	}
	return toBytes(docs), nil
}

func (d *DB) Delete(ctx context.Context, collection, key string) error {
	tx, err := d.Client.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, d.Client.Rebind(
		`DELETE FROM record_indexes WHERE collection = ? AND record_key = ?`,
	), collection, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, d.Client.Rebind(
		`DELETE FROM records WHERE collection = ? AND record_key = ?`,
	), collection, key); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

func toBytes(docs []string) [][]byte {
	out := make([][]byte, len(docs))
	for i, d := range docs {
		out[i] = []byte(d)
	}
	return out
}
