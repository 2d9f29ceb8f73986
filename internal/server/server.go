// Package server exposes a loaded session over a small JSON API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/models"
	"imagedecloner/internal/session"
)

const (
	// DefaultThumbnailSize is used when a request carries no size.
	DefaultThumbnailSize = 100
	// MaxThumbnailSize caps the size query parameter.
	MaxThumbnailSize = 2048

	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr string
	// IdleTimeout shuts the server down after this long without requests.
	// Zero disables it.
	IdleTimeout   time.Duration
	ThumbnailSize int
	Logger        zerolog.Logger
}

// Server represents the web server
type Server struct {
	ctrl        *session.Controller
	addr        string
	idleTimeout time.Duration
	thumbSize   int
	logger      zerolog.Logger
	router      *chi.Mux
	httpServer  *http.Server

	// Idle timeout management
	mu            sync.Mutex
	lastActivity  time.Time
	inFlight      int
	checkInterval time.Duration
	idle          chan struct{}
	idleOnce      sync.Once
}

// New creates a Server for ctrl. The controller may or may not be loaded.
func New(ctrl *session.Controller, opts Options) *Server {
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = DefaultThumbnailSize
	}
	s := &Server{
		ctrl:          ctrl,
		addr:          opts.Addr,
		idleTimeout:   opts.IdleTimeout,
		thumbSize:     opts.ThumbnailSize,
		logger:        opts.Logger.With().Str("component", "server").Logger(),
		lastActivity:  time.Now(),
		checkInterval: 10 * time.Second,
		idle:          make(chan struct{}),
	}
	if opts.IdleTimeout > 0 && opts.IdleTimeout/4 < s.checkInterval {
		s.checkInterval = opts.IdleTimeout / 4
	}
	s.router = s.routes()
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.trackActivity)
	r.Use(s.logRequests)

	r.Get("/api/stats", s.handleStats)
	r.Get("/api/groups", s.handleGroups)
	r.Get("/api/failures", s.handleFailures)
	r.Get("/api/images/*", s.handleImage)
	r.Post("/api/delete", s.handleDelete)
	r.Post("/api/reload", s.handleReload)
	return r
}

// ListenAndServe serves on the configured address until ctx is done or
// the idle timeout fires.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or the idle timeout
// fires, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	checkerDone := make(chan struct{})
	defer close(checkerDone)
	if s.idleTimeout > 0 {
		go s.idleTimeoutChecker(checkerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down")
	case <-s.idle:
		s.logger.Info().Dur("idle_timeout", s.idleTimeout).Msg("idle timeout reached, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Idle is closed once the idle timeout fires.
func (s *Server) Idle() <-chan struct{} { return s.idle }

func (s *Server) idleTimeoutChecker(done <-chan struct{}) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			// Long-running requests such as a reload count as activity.
			if s.inFlight > 0 {
				s.lastActivity = time.Now()
			}
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()

			if idle >= s.idleTimeout {
				s.idleOnce.Do(func() { close(s.idle) })
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) trackActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.inFlight++
		s.lastActivity = time.Now()
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// API Handlers

type groupImage struct {
	*models.ImageRecord
	Keep bool `json:"keep"`
}

type groupView struct {
	ID     int          `json:"id"`
	Images []groupImage `json:"images"`
}

type groupsResponse struct {
	SessionID string       `json:"session_id"`
	LoadedAt  time.Time    `json:"loaded_at"`
	Strategy  string       `json:"strategy"`
	Threshold float64      `json:"threshold"`
	Stats     models.Stats `json:"stats"`
	Groups    []groupView  `json:"groups"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	plans, err := s.ctrl.KeepPlan()
	if err != nil {
		writeError(w, err)
		return
	}

	resp := groupsResponse{
		SessionID: s.ctrl.SessionID(),
		LoadedAt:  s.ctrl.LoadedAt(),
		Strategy:  s.ctrl.Strategy().Name(),
		Threshold: s.ctrl.Threshold(),
		Stats:     s.ctrl.Stats(),
		Groups:    make([]groupView, 0, len(plans)),
	}
	for _, p := range plans {
		view := groupView{ID: p.Group.ID}
		for _, id := range p.Group.IDs {
			rec, ok := s.ctrl.Record(id)
			if !ok {
				rec = &models.ImageRecord{ID: id}
			}
			view.Images = append(view.Images, groupImage{ImageRecord: rec, Keep: id == p.Keep})
		}
		resp.Groups = append(resp.Groups, view)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Loaded() {
		writeError(w, session.ErrNotLoaded)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures := s.ctrl.Failures()
	if failures == nil {
		failures = []models.Failure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// handleImage serves /api/images/{id}, /api/images/{id}/thumbnail and
// /api/images/{id}/content. Ids may contain slashes.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rest, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || rest == "" {
		http.Error(w, "image id required", http.StatusBadRequest)
		return
	}

	switch {
	case strings.HasSuffix(rest, "/thumbnail"):
		s.serveThumbnail(w, r, strings.TrimSuffix(rest, "/thumbnail"))
	case strings.HasSuffix(rest, "/content"):
		s.serveContent(w, r, strings.TrimSuffix(rest, "/content"))
	default:
		md, err := s.ctrl.Metadata(r.Context(), rest)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			ID string `json:"id"`
			models.Metadata
		}{ID: rest, Metadata: md})
	}
}

func (s *Server) serveThumbnail(w http.ResponseWriter, r *http.Request, id string) {
	size := s.thumbSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxThumbnailSize {
			http.Error(w, fmt.Sprintf("size must be between 1 and %d", MaxThumbnailSize), http.StatusBadRequest)
			return
		}
		size = n
	}

	data, err := s.ctrl.Thumbnail(r.Context(), id, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeBytes(w, data)
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, id string) {
	data, err := s.ctrl.Source().Image(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeBytes(w, data)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.ctrl.Loaded() {
		writeError(w, session.ErrNotLoaded)
		return
	}

	report, err := s.ctrl.DeleteSelected(r.Context(), req.IDs)
	if err != nil {
		// The client went away; the report is still the truth about
		// what was deleted.
		s.logger.Warn().Err(err).Int("deleted", report.DeletedCount).Msg("delete interrupted")
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctrl.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errs.KindOf(err)
	switch {
	case errors.Is(err, session.ErrNotLoaded):
		status = http.StatusConflict
		kind = ""
	case kind == errs.KindNotFound:
		status = http.StatusNotFound
	case kind == errs.KindDecode:
		status = http.StatusUnprocessableEntity
	case kind == errs.KindAuth:
		status = http.StatusUnauthorized
	case kind == errs.KindIO:
		status = http.StatusBadGateway
	case kind == errs.KindCanceled:
		status = http.StatusServiceUnavailable
	}
	if kind == errs.KindUnknown {
		kind = ""
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
