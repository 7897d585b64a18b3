package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// IDField is the record field favorites are keyed by.
const IDField = "idMeal"

// Record is a denormalized recipe detail, stored exactly as fetched.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// Store persists favorite records. Every mutation touches one record; All
// returns records in key order.
type Store interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]Record, error)
}

const favoritePrefix = "f:"

// LevelStore keeps favorites as JSON values under f:<id> in the shared
// leveldb database.
type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db}
}

func favoriteKey(id string) []byte { return []byte(favoritePrefix + id) }

func (s *LevelStore) Get(_ context.Context, id string) (Record, bool, error) {
	b, err := s.db.Get(favoriteKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("decode favorite %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *LevelStore) Put(_ context.Context, rec Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("favorite record has no %s", IDField)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(favoriteKey(id), b, nil)
}

func (s *LevelStore) Delete(_ context.Context, id string) error {
	return s.db.Delete(favoriteKey(id), nil)
}

func (s *LevelStore) All(ctx context.Context) ([]Record, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(favoritePrefix)), nil)
	defer it.Release()

	var out []Record
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode favorite %s: %w", it.Key(), err)
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
