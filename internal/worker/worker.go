// Package worker is the request interceptor: an explicit lifecycle state
// machine (install, activate) in front of a per-request strategy dispatcher.
// The host drives the transitions; every intercepted request gets a
// response, even when the interceptor itself fails.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"pantrypro/internal/fetch"
	"pantrypro/internal/strategy"
)

type State int

const (
	Uninstalled State = iota
	Installing
	Installed
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrInterceptor marks a request the interceptor failed on internally.
	ErrInterceptor = errors.New("interceptor failure")
)

// Cache is the slice of the versioned cache manager the worker drives.
type Cache interface {
	Name() string
	Precache(ctx context.Context, manifest []string) error
	GCStaleGenerations(ctx context.Context) ([]string, error)
	Get(key string) (fetch.Response, bool, error)
	Put(key string, resp fetch.Response) (bool, error)
	PutIfChanged(key string, resp fetch.Response) (bool, error)
	Keys() ([]string, error)
	RAMUsage() (int, int64)
}

const (
	DefaultRevalidateTimeout = 30 * time.Second
	DefaultMaxBackground     = 32
	DefaultOfflinePath       = "/offline.html"
)

type Options struct {
	Rules    strategy.Rules
	Manifest []string
	// OfflinePath is the precached document served when a navigation fails.
	OfflinePath       string
	RevalidateTimeout time.Duration
	MaxBackground     int
	// StatsEvery enables the periodic stats log when positive.
	StatsEvery time.Duration
}

type Worker struct {
	cache      Cache
	net        fetch.Fetcher
	rules      strategy.Rules
	manifest   []string
	offlineKey string

	revalidateTimeout time.Duration
	bgSem             chan struct{}
	group             singleflight.Group

	mu     sync.Mutex
	state  State
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	revalidateLog *rateLimitedLogger
	stats         *statsCollector
	log           zerolog.Logger
}

func New(c Cache, net fetch.Fetcher, opts Options) (*Worker, error) {
	if opts.Rules.Scope == nil {
		return nil, fmt.Errorf("worker scope is required")
	}
	if opts.OfflinePath == "" {
		opts.OfflinePath = DefaultOfflinePath
	}
	offline, err := fetch.NewRequest(opts.Rules.Scope, opts.OfflinePath)
	if err != nil {
		return nil, fmt.Errorf("offline path: %w", err)
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if opts.MaxBackground <= 0 {
		opts.MaxBackground = DefaultMaxBackground
	}

	l := log.With().Str("component", "worker").Logger()
	w := &Worker{
		cache:             c,
		net:               net,
		rules:             opts.Rules,
		manifest:          append([]string(nil), opts.Manifest...),
		offlineKey:        offline.Key(),
		revalidateTimeout: opts.RevalidateTimeout,
		bgSem:             make(chan struct{}, opts.MaxBackground),
		stopCh:            make(chan struct{}),
		revalidateLog:     newRateLimitedLogger(l, time.Minute),
		stats:             newStatsCollector(),
		log:               l,
	}
	if opts.StatsEvery > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(opts.StatsEvery)
		}()
	}
	return w, nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// begin moves the worker into the transitional state `to` if it is currently
// in one of `from`.
func (w *Worker) begin(to State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, to, w.state)
}

func (w *Worker) settle(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// OnInstall precaches the manifest into the current generation. On failure
// the worker falls back to uninstalled so the host can retry.
func (w *Worker) OnInstall(ctx context.Context) error {
	if err := w.begin(Installing, Uninstalled, Installed); err != nil {
		return err
	}
	err := w.cache.Precache(ctx, w.manifest)
	observeLifecycle("install", err)
	if err != nil {
		w.settle(Uninstalled)
		return fmt.Errorf("install %s: %w", w.cache.Name(), err)
	}
	w.settle(Installed)
	w.log.Info().Str("generation", w.cache.Name()).Int("manifest", len(w.manifest)).Msg("installed")
	return nil
}

// OnActivate deletes every stale generation. The worker only becomes active
// once that finished.
func (w *Worker) OnActivate(ctx context.Context) error {
	if err := w.begin(Activating, Installed); err != nil {
		return err
	}
	deleted, err := w.cache.GCStaleGenerations(ctx)
	observeLifecycle("activate", err)
	if err != nil {
		w.settle(Installed)
		return fmt.Errorf("activate %s: %w", w.cache.Name(), err)
	}
	w.settle(Active)
	w.log.Info().Str("generation", w.cache.Name()).Strs("deleted", deleted).Msg("activated")
	return nil
}

// OnFetch answers one intercepted request. The returned response is always
// usable; a non-nil error says it is a synthesized failure response.
func (w *Worker) OnFetch(ctx context.Context, req *fetch.Request) (fetch.Response, error) {
	res, err := w.Serve(ctx, req)
	return res.Response, err
}

// Do issues a GET for rawURL (resolved against the scope) through the
// interceptor, as an in-process client of the app would.
func (w *Worker) Do(ctx context.Context, rawURL string) (fetch.Response, error) {
	req, err := fetch.NewRequest(w.rules.Scope, rawURL)
	if err != nil {
		return fetch.NetworkError(), err
	}
	req.Mode = fetch.ModeCORS
	req.Header.Set("Accept", "application/json")
	return w.OnFetch(ctx, req)
}

// Close stops background work and waits for in-flight revalidations.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
}

// goBackground runs fn on the worker's wait group unless it is closed.
func (w *Worker) goBackground(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}
