// Package mealdb talks to TheMealDB, the public recipe API the app's proxy
// forwards to.
package mealdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://www.themealdb.com/api/json/v1"
	// DefaultAPIKey is the public demo key.
	DefaultAPIKey  = "1"
	DefaultTimeout = 8 * time.Second
	DefaultTTL     = 10 * time.Minute
	// the free tier throttles bursts; stay well under it
	DefaultRPS   = 5
	DefaultBurst = 10
)

var (
	ErrNotFound    = errors.New("meal not found")
	ErrUnavailable = errors.New("mealdb unavailable")
)

// Meal is one recipe detail exactly as the API returns it.
type Meal map[string]any

// ID returns the meal's idMeal field.
func (m Meal) ID() string {
	id, _ := m["idMeal"].(string)
	return id
}

type mealsEnvelope struct {
	Meals []Meal `json:"meals"`
}

func (e mealsEnvelope) first(id string) (Meal, error) {
	if len(e.Meals) == 0 || e.Meals[0] == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Meals[0], nil
}

// DecodeLookup parses a lookup.php body, as relayed by the app's
// /api/meal/{id} proxy route.
func DecodeLookup(body []byte, id string) (Meal, error) {
	var env mealsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode meal %s: %w", id, err)
	}
	return env.first(id)
}

type Client struct {
	http    *http.Client
	baseURL *url.URL
	apiKey  string
	cache   *TTLCache[string, Meal]
	limiter *rate.Limiter
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithCache memoizes lookups for ttl using clock; a zero ttl disables it.
func WithCache(ttl time.Duration, clock Clock) Option {
	return func(c *Client) { c.cache = NewTTLCache[string, Meal](ttl, clock) }
}

// WithRateLimit caps outgoing requests at rps with the given burst. A
// non-positive rps removes the cap.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("mealdb base url: %w", err)
	}
	c := &Client{
		http:    &http.Client{Timeout: DefaultTimeout},
		baseURL: u,
		apiKey:  DefaultAPIKey,
		cache:   NewTTLCache[string, Meal](DefaultTTL, nil),
		limiter: rate.NewLimiter(DefaultRPS, DefaultBurst),
		log:     log.With().Str("component", "mealdb").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, c.apiKey, p)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, p string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, p, err)
	}
	target := c.endpoint(p, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s: %s: %s", ErrUnavailable, p, resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, p, err)
	}
	return nil
}

// Lookup returns the full detail for id. A null or empty meals list is
// ErrNotFound; transport and upstream failures wrap ErrUnavailable.
func (c *Client) Lookup(ctx context.Context, id string) (Meal, error) {
	if m, ok := c.cache.Get(id); ok {
		return cloneMeal(m), nil
	}
	var env mealsEnvelope
	if err := c.getJSON(ctx, "lookup.php", url.Values{"i": {id}}, &env); err != nil {
		return nil, err
	}
	m, err := env.first(id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, m)
	c.log.Debug().Str("id", id).Msg("looked up meal")
	return cloneMeal(m), nil
}

// Details satisfies the favorites detail fetcher.
func (c *Client) Details(ctx context.Context, id string) (map[string]any, error) {
	m, err := c.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func cloneMeal(m Meal) Meal {
	out := make(Meal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
