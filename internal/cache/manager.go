// Package cache implements the versioned response caches the interceptor
// serves from. Each generation is named <prefix>-<version>; only the one for
// the running version is current, every other prefixed generation is garbage
// once the worker activates.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pantrypro/internal/fetch"
)

// ErrPrecache is returned when any manifest entry could not be fetched.
var ErrPrecache = errors.New("precache failed")

type Options struct {
	Prefix  string
	Version string
	// Scope resolves relative manifest paths.
	Scope *url.URL
	// RAMMax bounds the in-memory LRU; 0 disables it.
	RAMMax int64
	// MaxEntry is the largest body Put stores; 0 means unlimited.
	MaxEntry int64
	Now      func() time.Time
}

type Manager struct {
	storage  Storage
	fetcher  fetch.Fetcher
	prefix   string
	name     string
	scope    *url.URL
	maxEntry int64
	now      func() time.Time
	ram      *ramCache
	log      zerolog.Logger

	mu      sync.Mutex
	current Generation

	// ramMu orders RAM fills from storage reads against writes. writeSeq
	// advances on every Put and Delete; a fill whose read began before the
	// latest write is dropped.
	ramMu    sync.Mutex
	writeSeq uint64
}

func NewManager(storage Storage, fetcher fetch.Fetcher, opts Options) (*Manager, error) {
	if opts.Prefix == "" || opts.Version == "" {
		return nil, fmt.Errorf("cache prefix and version are required")
	}
	if strings.Contains(opts.Version, "\x00") || strings.Contains(opts.Prefix, "\x00") {
		return nil, fmt.Errorf("cache prefix and version must not contain NUL")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	name := opts.Prefix + "-" + opts.Version
	return &Manager{
		storage:  storage,
		fetcher:  fetcher,
		prefix:   opts.Prefix + "-",
		name:     name,
		scope:    opts.Scope,
		maxEntry: opts.MaxEntry,
		now:      now,
		ram:      newRAMCache(opts.RAMMax),
		log:      log.With().Str("component", "cache").Str("generation", name).Logger(),
	}, nil
}

// Name is the current generation's name.
func (m *Manager) Name() string { return m.name }

// OpenCurrent returns the current generation, creating it if absent.
func (m *Manager) OpenCurrent() (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		// the generation may have been removed out from under us
		ok, err := m.storage.Has(m.name)
		if err != nil {
			return nil, err
		}
		if ok {
			return m.current, nil
		}
	}
	g, err := m.storage.Open(m.name)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", m.name, err)
	}
	m.current = g
	return g, nil
}

// Precache fetches every manifest URL and stores each response under its own
// request key. Nothing is written unless every fetch returned a 2xx response.
func (m *Manager) Precache(ctx context.Context, manifest []string) error {
	reqs := make([]*fetch.Request, len(manifest))
	for i, raw := range manifest {
		req, err := fetch.NewRequest(m.scope, raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrecache, err)
		}
		reqs[i] = req
	}

	resps := make([]fetch.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrPrecache, req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrPrecache, req.URL, resp.Status)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	gen, err := m.OpenCurrent()
	if err != nil {
		return err
	}
	now := m.now()
	for i, req := range reqs {
		key := req.Key()
		ent := NewEntry(resps[i], now)
		if err := gen.Put(key, ent); err != nil {
			return fmt.Errorf("%w: store %s: %v", ErrPrecache, key, err)
		}
		m.remember(key, ent)
	}
	m.log.Info().Int("entries", len(reqs)).Msg("precached manifest")
	return nil
}

// GCStaleGenerations deletes every generation carrying the app prefix other
// than the current one and returns the deleted names.
func (m *Manager) GCStaleGenerations(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !strings.HasPrefix(name, m.prefix) || name == m.name {
			continue
		}
		ok, err := m.storage.Delete(name)
		if err != nil {
			return deleted, fmt.Errorf("delete generation %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
			m.log.Info().Str("stale", name).Msg("deleted stale generation")
		}
	}
	return deleted, nil
}

// Get returns the stored response for key in the current generation.
func (m *Manager) Get(key string) (fetch.Response, bool, error) {
	ent, ok, err := m.entry(key)
	if err != nil || !ok {
		return fetch.Response{}, false, err
	}
	return ent.Response(), true, nil
}

func (m *Manager) entry(key string) (Entry, bool, error) {
	if ent, ok := m.ram.Get(key); ok {
		return ent, true, nil
	}
	gen, err := m.OpenCurrent()
	if err != nil {
		return Entry{}, false, err
	}
	m.ramMu.Lock()
	seq := m.writeSeq
	m.ramMu.Unlock()

	ent, ok, err := gen.Match(key)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	m.ramMu.Lock()
	if m.writeSeq == seq {
		m.ram.Put(key, ent)
	}
	m.ramMu.Unlock()
	return ent, true, nil
}

// Put stores a snapshot of resp under key, overwriting any previous entry.
// It reports false when the body exceeds the size limit and nothing was stored.
func (m *Manager) Put(key string, resp fetch.Response) (bool, error) {
	if m.maxEntry > 0 && int64(len(resp.Body)) > m.maxEntry {
		return false, nil
	}
	gen, err := m.OpenCurrent()
	if err != nil {
		return false, err
	}
	ent := NewEntry(resp, m.now())
	if err := gen.Put(key, ent); err != nil {
		return false, err
	}
	m.remember(key, ent)
	return true, nil
}

// remember records a completed write in the RAM front.
func (m *Manager) remember(key string, ent Entry) {
	m.ramMu.Lock()
	m.writeSeq++
	m.ram.Put(key, ent)
	m.ramMu.Unlock()
}

// PutIfChanged stores resp unless the current entry already has the same
// status and body. It reports whether a write happened.
func (m *Manager) PutIfChanged(key string, resp fetch.Response) (bool, error) {
	if cur, ok, err := m.entry(key); err == nil && ok && cur.SameContent(resp) {
		return false, nil
	}
	return m.Put(key, resp)
}

func (m *Manager) Delete(key string) (bool, error) {
	gen, err := m.OpenCurrent()
	if err != nil {
		return false, err
	}
	deleted, err := gen.Delete(key)
	m.ramMu.Lock()
	m.writeSeq++
	m.ram.Delete(key)
	m.ramMu.Unlock()
	return deleted, err
}

// Keys lists the request keys stored in the current generation.
func (m *Manager) Keys() ([]string, error) {
	gen, err := m.OpenCurrent()
	if err != nil {
		return nil, err
	}
	return gen.Keys()
}

// RAMUsage returns the number of entries and bytes held in memory.
func (m *Manager) RAMUsage() (int, int64) {
	return m.ram.Len(), m.ram.TotalSize()
}
