package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Key layout, with sep between parts:
//
//	r <collection> <key>                    -> document
//	m <collection> <key>                    -> JSON index map of the document
//	i <collection> <index> <value> <key>    -> empty
const sep = "\x00"

// Badger is an embedded key-value store backend.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens a Badger database in dir. An empty dir runs in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func recordKey(collection, key string) []byte {
	return []byte("r" + sep + collection + sep + key)
}

func metaKey(collection, key string) []byte {
	return []byte("m" + sep + collection + sep + key)
}

func indexPrefix(collection, index, value string) []byte {
	return []byte("i" + sep + collection + sep + index + sep + value + sep)
}

func (b *Badger) Put(_ context.Context, collection string, rec Record) error {
	meta, err := json.Marshal(rec.Indexes)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := dropIndexes(txn, collection, rec.Key); err != nil {
			return err
		}
		if err := txn.Set(recordKey(collection, rec.Key), clone(rec.Doc)); err != nil {
			return err
		}
		if err := txn.Set(metaKey(collection, rec.Key), meta); err != nil {
			return err
		}
		for name, value := range rec.Indexes {
			k := append(indexPrefix(collection, name, value), rec.Key...)
			if err := txn.Set(k, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// dropIndexes removes the index entries recorded for key, if any.
func dropIndexes(txn *badger.Txn, collection, key string) error {
	item, err := txn.Get(metaKey(collection, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var old map[string]string
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &old)
	}); err != nil {
		return err
	}
	for name, value := range old {
		if err := txn.Delete(append(indexPrefix(collection, name, value), key...)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	var doc []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (b *Badger) GetAll(_ context.Context, collection string) ([][]byte, error) {
	prefix := []byte("r" + sep + collection + sep)
	var res [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doc, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			res = append(res, doc)
		}
		return nil
	})
	return res, err
}

func (b *Badger) Keys(_ context.Context, collection string) ([]string, error) {
	prefix := []byte("r" + sep + collection + sep)
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (b *Badger) GetByIndex(_ context.Context, collection, index, value string) ([][]byte, error) {
	prefix := indexPrefix(collection, index, value)
	var res [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix)))
		}
		for _, k := range keys {
			item, err := txn.Get(recordKey(collection, k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			doc, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			res = append(res, doc)
		}
		return nil
	})
	return res, err
}

func (b *Badger) Delete(_ context.Context, collection, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := dropIndexes(txn, collection, key); err != nil {
			return err
		}
		if err := txn.Delete(metaKey(collection, key)); err != nil {
			return err
		}
		return txn.Delete(recordKey(collection, key))
	})
}

func (b *Badger) Close() error { return b.db.Close() }
