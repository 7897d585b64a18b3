package favorites

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"pantrypro/internal/fetch"
	"pantrypro/internal/mealdb"
)

// DetailFetcher returns the full detail for a recipe id.
type DetailFetcher interface {
	Details(ctx context.Context, id string) (map[string]any, error)
}

// Doer issues an in-app GET, normally through the interceptor.
type Doer interface {
	Do(ctx context.Context, rawURL string) (fetch.Response, error)
}

const DefaultDetailPath = "/api/meal/"

// OriginDetails reads recipe details through the app's own /api/meal/{id}
// route. Going through the interceptor means a detail the user already viewed
// is served from cache while offline.
type OriginDetails struct {
	Client Doer
	// Path is the route prefix the id is appended to.
	Path string
}

func (d OriginDetails) Details(ctx context.Context, id string) (map[string]any, error) {
	p := d.Path
	if p == "" {
		p = DefaultDetailPath
	}
	resp, err := d.Client.Do(ctx, p+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNeedsConnection, err)
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case !resp.OK():
		return nil, fmt.Errorf("%w: detail %s: status %d", ErrNeedsConnection, id, resp.Status)
	}
	m, err := mealdb.DecodeLookup(resp.Body, id)
	if errors.Is(err, mealdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNeedsConnection, err)
	}
	return m, nil
}
