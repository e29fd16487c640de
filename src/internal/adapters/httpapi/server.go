// Package httpapi exposes favorites and catalog lookups over HTTP, plus a
// WebSocket feed of the caller's favorites view.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/services"
)

type Options struct {
	Addr            string
	LoginURL        string
	ShutdownTimeout time.Duration
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	sessions *services.SessionManager
	catalog  *services.Catalog // nil when no metadata provider is configured
	auth     Authenticator
	loginURL string
	log      zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader
	handler  http.Handler
}

func NewServer(sessions *services.SessionManager, catalog *services.Catalog, auth Authenticator, opts Options, log zerolog.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		sessions: sessions,
		catalog:  catalog,
		auth:     auth,
		loginURL: opts.LoginURL,
		log:      log.With().Str("component", "http").Logger(),
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Count()})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.identify)

		r.Get("/search", s.handleSearch)
		r.Get("/trending/{type}", s.handleTrending)
		r.Get("/media/{type}/{id}", s.handleMedia)

		// Signed-out callers get a redirect result rather than a bare 401.
		r.Post("/favorites/toggle", s.handleToggle)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/favorites", s.handleListFavorites)
			r.Get("/favorites/stream", s.handleStream)
			r.Get("/favorites/{id}", s.handleIsFavorite)
			r.Put("/favorites/{id}", s.handleAddFavorite)
			r.Delete("/favorites/{id}", s.handleRemoveFavorite)
			r.Post("/logout", s.handleLogout)
		})
	})
	return r
}

// Serve runs the listener until ctx ends, then drains connections.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http-server" }

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w, r) {
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	year, _ := strconv.Atoi(q.Get("year"))

	var mediaType domain.MediaType
	if t := q.Get("type"); t != "" {
		mt, ok := domain.ParseMediaType(t)
		if !ok {
			s.writeError(w, r, http.StatusBadRequest, errors.New("unknown media type"))
			return
		}
		mediaType = mt
	}

	results, err := s.catalog.Search(r.Context(), query, year, mediaType)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w, r) {
		return
	}
	mediaType, ok := domain.ParseMediaType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, errors.New("unknown media type"))
		return
	}
	results, err := s.catalog.Trending(r.Context(), mediaType)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w, r) {
		return
	}
	mediaType, ok := domain.ParseMediaType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, errors.New("unknown media type"))
		return
	}
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	m, err := s.catalog.Details(r.Context(), mediaType, id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var item domain.FavoriteItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil || item.ID <= 0 {
		s.writeError(w, r, http.StatusBadRequest, errors.New("body must be a favorite item with a positive id"))
		return
	}

	user := UserFrom(r.Context())
	if user != nil {
		var err error
		if item, err = s.completeItem(r.Context(), item); err != nil {
			s.writeError(w, r, statusFor(err), err)
			return
		}
	}

	res, err := s.sessions.Toggle(r.Context(), user, item)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	switch res.Outcome {
	case services.ToggleRedirect:
		s.writeJSON(w, http.StatusUnauthorized, res)
	case services.ToggleIgnored:
		s.writeJSON(w, http.StatusAccepted, res)
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Store.View())
}

func (s *Server) handleIsFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"favorite": sess.Store.IsFavorite(id),
		"loading":  sess.Store.Loading(),
	})
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	item := domain.FavoriteItem{ID: id}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		item.ID = id
	}
	if item.MediaType == "" {
		if mt, ok := domain.ParseMediaType(r.URL.Query().Get("type")); ok {
			item.MediaType = mt
		}
	}
	if item, err = s.completeItem(r.Context(), item); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Store.Add(r.Context(), item); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Store.Remove(r.Context(), id); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.SignOut(UserFrom(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

// session signs the caller in on first use; sign-in is idempotent.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*services.Session, bool) {
	sess, err := s.sessions.SignIn(r.Context(), *UserFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return nil, false
	}
	return sess, true
}

// completeItem fills display metadata from the catalog when the client only
// sent an id.
func (s *Server) completeItem(ctx context.Context, item domain.FavoriteItem) (domain.FavoriteItem, error) {
	if item.Title != "" || s.catalog == nil {
		return item, nil
	}
	mediaType := item.MediaType
	if mediaType == "" {
		mediaType = domain.MediaTypeMovie
	}
	return s.catalog.FavoriteItem(ctx, mediaType, item.ID)
}

func (s *Server) requireCatalog(w http.ResponseWriter, r *http.Request) bool {
	if s.catalog == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errors.New("metadata provider not configured"))
		return false
	}
	return true
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMediaNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotSubscribed), errors.Is(err, domain.ErrTransactionAborted):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
