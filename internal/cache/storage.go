package cache

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"

	"pantrypro/internal/kv"
)

// Generation is one named collection of request-key → response entries.
type Generation interface {
	Name() string
	Match(key string) (Entry, bool, error)
	Put(key string, ent Entry) error
	Delete(key string) (bool, error)
	Keys() ([]string, error)
}

// Storage holds every generation of the origin. Implementations must be safe
// for concurrent use.
type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(name string) (Generation, error)
	Has(name string) (bool, error)
	Names() ([]string, error)
	// Delete removes the generation and all of its entries.
	Delete(name string) (bool, error)
}

// Key layout:
//
//	n:<generation>                  marker, one per existing generation
//	e:<generation>\x00<request key> gob-encoded Entry
const (
	markerPrefix = "n:"
	entryPrefix  = "e:"
)

// LevelStorage keeps generations in a shared leveldb database.
type LevelStorage struct {
	db *leveldb.DB
}

func NewLevelStorage(db *leveldb.DB) *LevelStorage {
	return &LevelStorage{db: db}
}

func markerKey(name string) []byte { return []byte(markerPrefix + name) }

func entriesPrefix(name string) []byte { return []byte(entryPrefix + name + "\x00") }

func (s *LevelStorage) Open(name string) (Generation, error) {
	ok, err := s.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put(markerKey(name), nil, nil); err != nil {
			return nil, err
		}
	}
	return &levelGeneration{db: s.db, name: name}, nil
}

func (s *LevelStorage) Has(name string) (bool, error) {
	return s.db.Has(markerKey(name), nil)
}

func (s *LevelStorage) Names() ([]string, error) {
	return kv.Keys(s.db, []byte(markerPrefix))
}

func (s *LevelStorage) Delete(name string) (bool, error) {
	ok, err := s.Has(name)
	if err != nil || !ok {
		return false, err
	}
	if _, err := kv.DeletePrefix(s.db, entriesPrefix(name), markerKey(name)); err != nil {
		return false, err
	}
	return true, nil
}

type levelGeneration struct {
	db   *leveldb.DB
	name string
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) entryKey(key string) []byte {
	return append(entriesPrefix(g.name), key...)
}

func (g *levelGeneration) Match(key string) (Entry, bool, error) {
	b, err := g.db.Get(g.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := kv.DecodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (g *levelGeneration) Put(key string, ent Entry) error {
	b, err := kv.EncodeGob(ent)
	if err != nil {
		return err
	}
	return g.db.Put(g.entryKey(key), b, nil)
}

func (g *levelGeneration) Delete(key string) (bool, error) {
	k := g.entryKey(key)
	ok, err := g.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, g.db.Delete(k, nil)
}

func (g *levelGeneration) Keys() ([]string, error) {
	return kv.Keys(g.db, entriesPrefix(g.name))
}
