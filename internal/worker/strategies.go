package worker

import (
	"context"
	"errors"
	"fmt"

	"pantrypro/internal/fetch"
	"pantrypro/internal/strategy"
)

// Outcome says where a served response came from.
type Outcome string

const (
	// OutcomeNetwork is a live response that was not stored.
	OutcomeNetwork Outcome = "network"
	// OutcomeStored is a live response that was also written to the cache.
	OutcomeStored Outcome = "stored"
	OutcomeHit    Outcome = "hit"
	// OutcomeStale is a cached response returned while a refresh runs.
	OutcomeStale Outcome = "stale"
	// OutcomeFallback is a cached response served because the network failed.
	OutcomeFallback    Outcome = "fallback"
	OutcomeOffline     Outcome = "offline"
	OutcomeError       Outcome = "error"
	OutcomePassthrough Outcome = "passthrough"
	// OutcomeRefused is a request for another origin; nothing was fetched.
	OutcomeRefused Outcome = "refused"
)

type Result struct {
	Response fetch.Response
	Strategy strategy.Strategy
	Outcome  Outcome
}

// Serve is OnFetch with the strategy and outcome that produced the response.
func (w *Worker) Serve(ctx context.Context, req *fetch.Request) (res Result, err error) {
	st := strategy.Bypass
	defer func() {
		if p := recover(); p != nil {
			w.log.Error().Interface("panic", p).Str("strategy", st.String()).Msg("fetch handler panicked")
			res = Result{Response: fetch.NetworkError(), Strategy: st, Outcome: OutcomeError}
			err = fmt.Errorf("%w: %v", ErrInterceptor, p)
		}
		fetchOutcomes.WithLabelValues(res.Strategy.String(), string(res.Outcome)).Inc()
		w.stats.Observe(res, err)
	}()

	if req == nil || req.URL == nil {
		return Result{Response: fetch.NetworkError(), Strategy: st, Outcome: OutcomeError},
			fmt.Errorf("%w: empty request", ErrInterceptor)
	}
	if req.Origin() != fetch.OriginOf(w.rules.Scope) {
		return Result{Response: fetch.Misdirected(), Strategy: st, Outcome: OutcomeRefused},
			fmt.Errorf("%w: %s", fetch.ErrOutOfScope, req.Origin())
	}
	if w.State() != Active {
		return w.passthrough(ctx, req, OutcomePassthrough)
	}

	st = strategy.Classify(req, w.rules)
	switch st {
	case strategy.NetworkFirstOffline:
		return w.navigation(ctx, req)
	case strategy.NetworkFirst:
		return w.networkFirst(ctx, req)
	case strategy.StaleWhileRevalidate:
		return w.staleWhileRevalidate(ctx, req)
	case strategy.CacheFirst:
		return w.cacheFirst(ctx, req)
	default:
		return w.passthrough(ctx, req, OutcomeNetwork)
	}
}

func (w *Worker) passthrough(ctx context.Context, req *fetch.Request, out Outcome) (Result, error) {
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return failed(strategy.Bypass, err)
	}
	return Result{Response: resp, Strategy: strategy.Bypass, Outcome: out}, nil
}

// navigation never stores the page; on a network failure it serves the
// precached offline document.
func (w *Worker) navigation(ctx context.Context, req *fetch.Request) (Result, error) {
	const st = strategy.NetworkFirstOffline
	resp, err := w.net.Fetch(ctx, req)
	if err == nil {
		return Result{Response: resp, Strategy: st, Outcome: OutcomeNetwork}, nil
	}
	if offline, ok := w.lookup(w.offlineKey); ok {
		w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("navigation offline, serving fallback document")
		return Result{Response: offline, Strategy: st, Outcome: OutcomeOffline}, nil
	}
	w.log.Error().Str("key", w.offlineKey).Msg("offline document missing from cache")
	return failed(st, err)
}

func (w *Worker) networkFirst(ctx context.Context, req *fetch.Request) (Result, error) {
	const st = strategy.NetworkFirst
	key := req.Key()
	resp, err := w.net.Fetch(ctx, req)
	if err == nil {
		return Result{Response: resp, Strategy: st, Outcome: w.store(key, resp)}, nil
	}
	if cached, ok := w.lookup(key); ok {
		return Result{Response: cached, Strategy: st, Outcome: OutcomeFallback}, nil
	}
	return failed(st, err)
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, req *fetch.Request) (Result, error) {
	const st = strategy.StaleWhileRevalidate
	key := req.Key()
	if cached, ok := w.lookup(key); ok {
		w.revalidate(req)
		return Result{Response: cached, Strategy: st, Outcome: OutcomeStale}, nil
	}
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return failed(st, err)
	}
	return Result{Response: resp, Strategy: st, Outcome: w.store(key, resp)}, nil
}

func (w *Worker) cacheFirst(ctx context.Context, req *fetch.Request) (Result, error) {
	const st = strategy.CacheFirst
	key := req.Key()
	if cached, ok := w.lookup(key); ok {
		return Result{Response: cached, Strategy: st, Outcome: OutcomeHit}, nil
	}
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return failed(st, err)
	}
	return Result{Response: resp, Strategy: st, Outcome: w.store(key, resp)}, nil
}

// revalidate refreshes key in the background. Concurrent refreshes of the
// same key collapse into one; when every slot is busy the refresh is skipped.
func (w *Worker) revalidate(req *fetch.Request) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		revalidations.WithLabelValues("skipped").Inc()
		return
	}
	r := *req
	started := w.goBackground(func() {
		defer func() { <-w.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), w.revalidateTimeout)
		defer cancel()
		_, _, _ = w.group.Do(r.Key(), func() (any, error) {
			return nil, w.revalidateOnce(ctx, &r)
		})
	})
	if !started {
		<-w.bgSem
	}
}

func (w *Worker) revalidateOnce(ctx context.Context, req *fetch.Request) error {
	key := req.Key()
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		revalidations.WithLabelValues("failed").Inc()
		w.revalidateLog.Warn().Err(err).Str("key", key).Msg("background revalidation failed")
		return err
	}
	if !resp.OK() {
		// keep the stale copy rather than replacing it with an error page
		revalidations.WithLabelValues("ignored").Inc()
		return nil
	}
	changed, err := w.cache.PutIfChanged(key, resp)
	if err != nil {
		revalidations.WithLabelValues("failed").Inc()
		w.revalidateLog.Warn().Err(err).Str("key", key).Msg("store revalidated entry")
		return err
	}
	if changed {
		revalidations.WithLabelValues("updated").Inc()
	} else {
		revalidations.WithLabelValues("unchanged").Inc()
	}
	return nil
}

// store writes a snapshot of a successful response and reports the outcome
// for the copy being returned.
func (w *Worker) store(key string, resp fetch.Response) Outcome {
	if !resp.OK() {
		return OutcomeNetwork
	}
	stored, err := w.cache.Put(key, resp)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("cache put failed")
		return OutcomeNetwork
	}
	if !stored {
		return OutcomeNetwork
	}
	return OutcomeStored
}

func (w *Worker) lookup(key string) (fetch.Response, bool) {
	resp, ok, err := w.cache.Get(key)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("cache match failed")
		return fetch.Response{}, false
	}
	return resp, ok
}

func failed(st strategy.Strategy, err error) (Result, error) {
	if !errors.Is(err, fetch.ErrNetwork) {
		err = fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}
	return Result{Response: fetch.NetworkError(), Strategy: st, Outcome: OutcomeError}, err
}
