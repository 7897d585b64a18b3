// Package server is the edge's HTTP surface: a few /-/ control routes and a
// catch-all that hands every other request to the interceptor.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pantrypro/internal/favorites"
	"pantrypro/internal/worker"
)

// Interceptor is the request-serving side of the worker.
type Interceptor interface {
	Handler() http.Handler
	State() worker.State
}

type Favorites interface {
	List() []string
	Get(ctx context.Context, id string) (favorites.Record, error)
	Toggle(ctx context.Context, id string) (bool, error)
}

type Server struct {
	Router    *chi.Mux
	worker    Interceptor
	favorites Favorites
}

func New(w Interceptor, favs Favorites) *Server {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, worker: w, favorites: favs}

	r.Route("/-", func(cr chi.Router) {
		cr.Get("/health", s.handleHealth)
		cr.Handle("/metrics", promhttp.Handler())
		cr.Get("/favorites", s.handleListFavorites)
		cr.Get("/favorites/{id}", s.handleGetFavorite)
		cr.Post("/favorites/{id}/toggle", s.handleToggleFavorite)
	})
	r.Handle("/*", w.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.worker.State().String(),
	})
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	ids := s.favorites.List()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"favorites": ids})
}

func (s *Server) handleGetFavorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.favorites.Get(r.Context(), id)
	if err != nil {
		s.favoriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	on, err := s.favorites.Toggle(r.Context(), id)
	if err != nil {
		s.favoriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "favorite": on})
}

func (s *Server) favoriteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, favorites.ErrNotFound):
		fail(w, r, http.StatusNotFound, ErrCodeNotFound, favorites.ErrNotFound.Error())
	case errors.Is(err, favorites.ErrNeedsConnection):
		fail(w, r, http.StatusServiceUnavailable, ErrCodeNeedsConnection, favorites.ErrNeedsConnection.Error())
	default:
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
