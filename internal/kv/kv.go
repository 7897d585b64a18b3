// Package kv opens the durable origin-scoped store shared by the cache
// generations and the favorites store, and carries the encoding helpers both
// use.
package kv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Open opens (or creates) a leveldb database at path.
func Open(path string) (*leveldb.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return db, nil
}

// OpenMem returns a database that lives only as long as the process.
func OpenMem() (*leveldb.DB, error) {
	return leveldb.Open(storage.NewMemStorage(), nil)
}

// Keys returns every key under prefix with the prefix stripped, in key order.
func Keys(db *leveldb.DB, prefix []byte) ([]string, error) {
	it := db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePrefix removes every key under prefix in a single batch.
func DeletePrefix(db *leveldb.DB, prefix []byte, extra ...[]byte) (int, error) {
	it := db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	n := 0
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
		n++
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	for _, k := range extra {
		batch.Delete(k)
	}
	if err := db.Write(batch, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
