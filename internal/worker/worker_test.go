package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantrypro/internal/cache"
	"pantrypro/internal/fetch"
	"pantrypro/internal/kv"
	"pantrypro/internal/strategy"
)

var manifest = []string{"/", "/index.html", "/offline.html", "/manifest.webmanifest", "/icons/icon-192.svg"}

const offlineDoc = "<html><body>You are offline</body></html>"

// fakeNet serves bodies by path. It can be switched offline or gated so a
// fetch blocks until the gate is closed.
type fakeNet struct {
	mu      sync.Mutex
	offline bool
	bodies  map[string]string
	calls   map[string]int
	gate    chan struct{}
	panics  bool
	lastURL string
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		bodies: map[string]string{
			"/":                     "<html>shell</html>",
			"/index.html":           "<html>shell</html>",
			"/offline.html":         offlineDoc,
			"/manifest.webmanifest": `{"name":"PantryPro"}`,
			"/icons/icon-192.svg":   "<svg>v1</svg>",
		},
		calls: map[string]int{},
	}
}

func (f *fakeNet) Fetch(ctx context.Context, req *fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls[req.URL.Path]++
	f.lastURL = req.URL.String()
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fetch.Response{}, fmt.Errorf("%w: %v", fetch.ErrNetwork, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	if f.offline {
		return fetch.Response{}, fmt.Errorf("%w: offline", fetch.ErrNetwork)
	}
	body, ok := f.bodies[req.URL.Path]
	if !ok {
		return fetch.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (f *fakeNet) set(path, body string) {
	f.mu.Lock()
	f.bodies[path] = body
	f.mu.Unlock()
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeNet) callsFor(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

type fixture struct {
	w       *Worker
	cache   *cache.Manager
	storage *cache.LevelStorage
	net     *fakeNet
	scope   *url.URL
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := kv.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	scope, err := url.Parse("https://app.example")
	require.NoError(t, err)
	net := newFakeNet()
	st := cache.NewLevelStorage(db)
	m, err := cache.NewManager(st, net, cache.Options{
		Prefix:  "recipes-pwa",
		Version: "v2",
		Scope:   scope,
		RAMMax:  1 << 20,
	})
	require.NoError(t, err)

	w, err := New(m, net, Options{
		Rules:       strategy.NewRules(scope),
		Manifest:    manifest,
		OfflinePath: "/offline.html",
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return &fixture{w: w, cache: m, storage: st, net: net, scope: scope}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.w.OnInstall(ctx))
	require.NoError(t, f.w.OnActivate(ctx))
	require.Equal(t, Active, f.w.State())
}

func (f *fixture) request(t *testing.T, raw string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(f.scope, raw)
	require.NoError(t, err)
	return req
}

func (f *fixture) keyCount(t *testing.T) int {
	t.Helper()
	keys, err := f.cache.Keys()
	require.NoError(t, err)
	return len(keys)
}

func TestInstallFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.net.setOffline(true)
	err := f.w.OnInstall(ctx)
	require.ErrorIs(t, err, cache.ErrPrecache)
	assert.Equal(t, Uninstalled, f.w.State())

	err = f.w.OnActivate(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Uninstalled, f.w.State())

	f.net.setOffline(false)
	require.NoError(t, f.w.OnInstall(ctx))
	assert.Equal(t, Installed, f.w.State())
	require.NoError(t, f.w.OnActivate(ctx))
	assert.Equal(t, Active, f.w.State())
}

func TestActivateRemovesOtherGenerations(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"recipes-pwa-v1", "recipes-pwa-v10", "other-app-v1"} {
		_, err := f.storage.Open(name)
		require.NoError(t, err)
	}
	f.activate(t)

	names, err := f.storage.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"recipes-pwa-v2", "other-app-v1"}, names)
}

func TestActivateTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	require.ErrorIs(t, f.w.OnActivate(context.Background()), ErrInvalidTransition)
	assert.Equal(t, Active, f.w.State())
}

func TestCrossOriginIsRefusedAndNeverStored(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	before := f.keyCount(t)

	req := f.request(t, "https://www.themealdb.com/images/meal.jpg")
	req.Destination = fetch.DestinationImage
	res, err := f.w.Serve(context.Background(), req)
	require.ErrorIs(t, err, fetch.ErrOutOfScope)
	assert.Equal(t, strategy.Bypass, res.Strategy)
	assert.Equal(t, OutcomeRefused, res.Outcome)
	assert.Equal(t, http.StatusMisdirectedRequest, res.Response.Status)
	assert.Zero(t, f.net.callsFor("/images/meal.jpg"))

	assert.Equal(t, before, f.keyCount(t))
}

func TestCrossOriginIsRefusedBeforeActivation(t *testing.T) {
	f := newFixture(t)
	res, err := f.w.Serve(context.Background(), f.request(t, "http://169.254.169.254/latest/meta-data"))
	require.ErrorIs(t, err, fetch.ErrOutOfScope)
	assert.Equal(t, OutcomeRefused, res.Outcome)
	assert.Zero(t, f.net.callsFor("/latest/meta-data"))
}

func TestHandlerResolvesAgainstScopeNotHostHeader(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/recipes/1", "recipe one")
	h := f.w.Handler()

	for _, host := range []string{"169.254.169.254", "127.0.0.1:8080"} {
		r := httptest.NewRequest(http.MethodGet, "/recipes/1", nil)
		r.Host = host
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code, host)
		assert.Equal(t, "recipe one", rec.Body.String(), host)
		f.net.mu.Lock()
		assert.Equal(t, "https://app.example/recipes/1", f.net.lastURL, host)
		f.net.mu.Unlock()
	}
	// first request fetched and stored, second was a hit
	assert.Equal(t, 1, f.net.callsFor("/recipes/1"))
}

func TestHandlerRefusesAbsoluteFormForOtherHost(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	h := f.w.Handler()

	r := httptest.NewRequest(http.MethodGet, "http://169.254.169.254/latest/meta-data", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusMisdirectedRequest, rec.Code)
	assert.Equal(t, "bypass/refused", rec.Header().Get(CacheHeader))
	assert.Zero(t, f.net.callsFor("/latest/meta-data"))
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	r := httptest.NewRequest(http.MethodHead, "/index.html", nil)
	rec := httptest.NewRecorder()
	f.w.Handler().ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass/network", rec.Header().Get(CacheHeader))
	assert.Empty(t, rec.Body.String())
}

func TestNavigationOfflineServesOfflineDocument(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.setOffline(true)

	req := f.request(t, "/meal/52772")
	req.Mode = fetch.ModeNavigate
	res, err := f.w.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, []byte(offlineDoc), res.Response.Body)
}

func TestNavigationSuccessIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/meal/52772", "<html>meal</html>")
	before := f.keyCount(t)

	req := f.request(t, "/meal/52772")
	req.Mode = fetch.ModeNavigate
	res, err := f.w.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, "<html>meal</html>", string(res.Response.Body))
	assert.Equal(t, before, f.keyCount(t))

	_, ok, err := f.cache.Get(req.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNetworkFirstRoundTripsThroughCache(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/api/search", `{"meals":[{"idMeal":"1"}]}`)

	online, err := f.w.OnFetch(context.Background(), f.request(t, "/api/search?q=pasta"))
	require.NoError(t, err)

	f.net.setOffline(true)
	res, err := f.w.Serve(context.Background(), f.request(t, "/api/search?q=pasta"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, online.Status, res.Response.Status)
	assert.Equal(t, online.Body, res.Response.Body)

	// a different query is a different key
	_, err = f.w.OnFetch(context.Background(), f.request(t, "/api/search?q=beef"))
	require.ErrorIs(t, err, fetch.ErrNetwork)
}

func TestNetworkFirstOfflineEmptyCacheFails(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	before := f.keyCount(t)
	f.net.setOffline(true)

	resp, err := f.w.OnFetch(context.Background(), f.request(t, "/api/search?q=pasta"))
	require.ErrorIs(t, err, fetch.ErrNetwork)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, before, f.keyCount(t))
}

func TestNetworkFirstDoesNotStoreErrorStatus(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	before := f.keyCount(t)

	res, err := f.w.Serve(context.Background(), f.request(t, "/api/meal/404"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Response.Status)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, before, f.keyCount(t))
}

func TestStoredAndReturnedCopiesAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/api/random", `{"meals":[{"idMeal":"7"}]}`)
	req := f.request(t, "/api/random")

	resp, err := f.w.OnFetch(context.Background(), req)
	require.NoError(t, err)
	resp.Body[0] = 'X'

	cached, ok, err := f.cache.Get(req.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"meals":[{"idMeal":"7"}]}`, string(cached.Body))
}

func TestStaleWhileRevalidateReturnsCachedThenRefreshes(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	gate := make(chan struct{})
	f.net.mu.Lock()
	f.net.gate = gate
	f.net.mu.Unlock()
	f.net.set("/icons/icon-192.svg", "<svg>v2</svg>")

	req := f.request(t, "/icons/icon-192.svg")
	req.Destination = fetch.DestinationImage
	res, err := f.w.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, strategy.StaleWhileRevalidate, res.Strategy)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, "<svg>v1</svg>", string(res.Response.Body))

	close(gate)
	f.w.Close()

	cached, ok, err := f.cache.Get(req.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<svg>v2</svg>", string(cached.Body))
}

func TestStaleWhileRevalidateSwallowsRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.setOffline(true)

	req := f.request(t, "/icons/icon-192.svg")
	req.Destination = fetch.DestinationImage
	res, err := f.w.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "<svg>v1</svg>", string(res.Response.Body))

	f.w.Close()
	cached, ok, err := f.cache.Get(req.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<svg>v1</svg>", string(cached.Body))
}

func TestStaleWhileRevalidateMissWaitsAndStores(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/api-free/categories.json", `{"categories":[]}`)

	req := f.request(t, "/api-free/categories.json")
	res, err := f.w.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, strategy.StaleWhileRevalidate, res.Strategy)
	assert.Equal(t, OutcomeStored, res.Outcome)

	cached, ok, err := f.cache.Get(req.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Response.Body, cached.Body)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	installCalls := f.net.callsFor("/manifest.webmanifest")

	res, err := f.w.Serve(context.Background(), f.request(t, "/manifest.webmanifest"))
	require.NoError(t, err)
	assert.Equal(t, strategy.CacheFirst, res.Strategy)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, installCalls, f.net.callsFor("/manifest.webmanifest"))
}

func TestCacheFirstMissStores(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/assets/app.js", "console.log(1)")

	res, err := f.w.Serve(context.Background(), f.request(t, "/assets/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, res.Outcome)

	f.net.setOffline(true)
	res, err = f.w.Serve(context.Background(), f.request(t, "/assets/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "console.log(1)", string(res.Response.Body))
}

func TestRequestsPassThroughUntilActive(t *testing.T) {
	f := newFixture(t)
	f.net.set("/api/random", `{"meals":[]}`)

	res, err := f.w.Serve(context.Background(), f.request(t, "/api/random"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePassthrough, res.Outcome)

	names, err := f.storage.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPanicsBecomeErrorResponses(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.mu.Lock()
	f.net.panics = true
	f.net.mu.Unlock()

	resp, err := f.w.OnFetch(context.Background(), f.request(t, "/api/random"))
	require.ErrorIs(t, err, ErrInterceptor)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestNilRequestGetsErrorResponse(t *testing.T) {
	f := newFixture(t)
	resp, err := f.w.OnFetch(context.Background(), nil)
	require.True(t, errors.Is(err, ErrInterceptor))
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestDoResolvesAgainstScope(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.set("/api/meal/52772", `{"meals":[{"idMeal":"52772"}]}`)

	resp, err := f.w.Do(context.Background(), "/api/meal/52772")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	_, ok, err := f.cache.Get("GET https://app.example/api/meal/52772")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetchOutcomeMetric(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	counter := fetchOutcomes.WithLabelValues("cache-first", "hit")
	base := testutil.ToFloat64(counter)

	_, err := f.w.OnFetch(context.Background(), f.request(t, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, base+1, testutil.ToFloat64(counter))
}

func TestHandlerSetsCacheHeader(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.net.setOffline(true)
	h := f.w.Handler()

	r := httptest.NewRequest(http.MethodGet, "https://app.example/meal/1", nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Dest", "document")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "navigation/offline", rec.Header().Get(CacheHeader))
	assert.Equal(t, CacheHeader, rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, offlineDoc, rec.Body.String())

	r = httptest.NewRequest(http.MethodGet, "https://app.example/api/search?q=pasta", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "network-first/error", rec.Header().Get(CacheHeader))
}

func TestEnsureExposedHeaderMerges(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, CacheHeader)
	assert.Equal(t, "ETag, "+CacheHeader, h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-pantry-cache")
	assert.Equal(t, "ETag, "+CacheHeader, h.Get("Access-Control-Expose-Headers"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "2mb", formatBytes(2<<20))
	assert.Equal(t, "0b", formatBytes(0))
	assert.Equal(t, "3gb", formatBytes(3<<30))
	assert.Equal(t, "2048gb", formatBytes(2<<40))
}

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	s.Observe(Result{Outcome: OutcomeHit, Response: fetch.Response{Body: make([]byte, 10)}}, nil)
	s.Observe(Result{Outcome: OutcomeStored, Response: fetch.Response{Body: make([]byte, 30)}}, nil)
	s.Observe(Result{}, fetch.ErrNetwork)

	ss := s.Snapshot()
	assert.Equal(t, uint64(2), ss.Served)
	assert.Equal(t, uint64(1), ss.FromCache)
	assert.Equal(t, uint64(1), ss.Failures)
	assert.Equal(t, uint64(10), ss.MinBytes)
	assert.Equal(t, uint64(20), ss.AvgBytes)
	assert.Equal(t, uint64(30), ss.MaxBytes)
}

func TestLogStatsReportsGeneration(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	var buf bytes.Buffer
	f.w.log = zerolog.New(&buf)
	f.w.logStats()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache stats", line["message"])
	assert.Equal(t, "active", line["state"])
	assert.Equal(t, "recipes-pwa-v2", line["generation"])
	assert.EqualValues(t, len(manifest), line["entries"])
}
