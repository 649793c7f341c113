package store

import (
	"context"
	"fmt"

	"rollcall/internal/config"
)

// Collection names.
const (
	Students    = "students"
	Classes     = "classes"
	NFCRegistry = "nfcRegistry"
	Users       = "users"
	Sessions    = "sessions"
)

// Record is one document keyed by its collection's primary key. Indexes maps
// an index name to the value the document is findable by.
type Record struct {
	Key     string
	Indexes map[string]string
	Doc     []byte
}

// Store is a durable collection-oriented document store.
//
// Put is an idempotent upsert and replaces the record's index entries together
// with the document. Get reports absence through found=false, never an error.
// Keys lists primary keys in ascending order. Delete of a missing key is a
// no-op. Every call is an independent write
// transaction, so a failure never leaves another record half-written.
type Store interface {
	Put(ctx context.Context, collection string, rec Record) error
	Get(ctx context.Context, collection, key string) (doc []byte, found bool, err error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Keys(ctx context.Context, collection string) ([]string, error)
	GetByIndex(ctx context.Context, collection, index, value string) ([][]byte, error)
	Delete(ctx context.Context, collection, key string) error
	Close() error
}

// Open builds the store selected by cfg.StoreDriver.
func Open(cfg config.App) (Store, error) {
	switch cfg.StoreDriver {
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(cfg.DatabaseURL)
	case "badger":
		return OpenBadger(cfg.BadgerDir)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
