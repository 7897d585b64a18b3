// Package favorites keeps the user's favorite recipes durable and available
// offline. The Service holds an in-memory mirror of the store's ids that is
// only changed after the store accepted the write.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pantrypro/internal/mealdb"
)

var (
	// ErrNotFound means no detail record exists for the id, neither stored
	// nor upstream.
	ErrNotFound = errors.New("not found")
	// ErrNeedsConnection means the detail has never been fetched and the
	// fetch failed.
	ErrNeedsConnection = errors.New("could not save, needs one online fetch")
)

type Service struct {
	store   Store
	details DetailFetcher
	log     zerolog.Logger

	// toggleMu serializes Toggle so the mirror never races the store.
	toggleMu sync.Mutex

	mu  sync.RWMutex
	ids []string // sorted, same order as Store.All
}

func NewService(store Store, details DetailFetcher) *Service {
	return &Service{
		store:   store,
		details: details,
		log:     log.With().Str("component", "favorites").Logger(),
	}
}

// Load replaces the mirror with the ids currently in the store.
func (s *Service) Load(ctx context.Context) error {
	recs, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load favorites: %w", err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if id := r.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
	s.log.Info().Int("favorites", len(ids)).Msg("loaded favorites")
	return nil
}

func (s *Service) IsFavorite(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index(id)
	return ok
}

// List returns the favorite ids in store iteration order.
func (s *Service) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ids...)
}

// Get returns the stored record for a favorite.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Toggle flips id's favorite state and reports the new state. Adding needs a
// full detail record: the stored one if it exists, otherwise a fresh fetch.
// On error nothing changed.
func (s *Service) Toggle(ctx context.Context, id string) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if id == "" {
		toggles.WithLabelValues("not_found").Inc()
		return false, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	if s.IsFavorite(id) {
		if err := s.store.Delete(ctx, id); err != nil {
			toggles.WithLabelValues("error").Inc()
			return true, fmt.Errorf("remove favorite %s: %w", id, err)
		}
		s.remove(id)
		toggles.WithLabelValues("removed").Inc()
		s.log.Debug().Str("id", id).Msg("removed favorite")
		return false, nil
	}

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		toggles.WithLabelValues("error").Inc()
		return false, fmt.Errorf("read favorite %s: %w", id, err)
	}
	if !ok {
		rec, err = s.fetchDetail(ctx, id)
		if err != nil {
			switch {
			case errors.Is(err, ErrNotFound):
				toggles.WithLabelValues("not_found").Inc()
			default:
				toggles.WithLabelValues("needs_connection").Inc()
			}
			return false, err
		}
	}

	// re-saving an existing record confirms it is durable
	if err := s.store.Put(ctx, rec); err != nil {
		toggles.WithLabelValues("error").Inc()
		return false, fmt.Errorf("save favorite %s: %w", id, err)
	}
	s.add(id)
	toggles.WithLabelValues("added").Inc()
	s.log.Debug().Str("id", id).Msg("saved favorite")
	return true, nil
}

func (s *Service) fetchDetail(ctx context.Context, id string) (Record, error) {
	if s.details == nil {
		return nil, fmt.Errorf("%w: no detail source", ErrNeedsConnection)
	}
	m, err := s.details.Details(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, mealdb.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, ErrNeedsConnection):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrNeedsConnection, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec := Record(m)
	switch rec.ID() {
	case id:
	case "":
		rec[IDField] = id
	default:
		return nil, fmt.Errorf("%w: detail for %s carries id %s", ErrNotFound, id, rec.ID())
	}
	return rec, nil
}

func (s *Service) index(id string) (int, bool) {
	i := sort.SearchStrings(s.ids, id)
	return i, i < len(s.ids) && s.ids[i] == id
}

func (s *Service) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index(id)
	if ok {
		return
	}
	s.ids = append(s.ids, "")
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index(id); ok {
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
	}
}
