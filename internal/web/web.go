package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/config"
	"teamcal/internal/conflict"
	"teamcal/internal/dispatch"
	appLog "teamcal/internal/log"
	"teamcal/internal/metrics"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/recurrence"
	"teamcal/internal/storage"
)

// ActorHeader carries the authenticated user id, set by the gateway in
// front of this service.
const ActorHeader = "X-Actor-ID"

type Submitter interface {
	Submit(ctx context.Context, m *mutation.Mutation, opts dispatch.SubmitOptions) (dispatch.Ack, error)
}

type Store interface {
	Ping(ctx context.Context) error
	Snapshot(ctx context.Context, sc storage.Scope) (*access.Snapshot, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error)
	MarkRead(ctx context.Context, recipientID, id string, at time.Time) error
}

type Occurrences interface {
	CalendarOccurrences(ctx context.Context, calendarIDs []string, w recurrence.Window) ([]model.Occurrence, error)
}

type Conflicts interface {
	FindConflicts(ctx context.Context, calendarIDs []string, w recurrence.Window, candidate model.Event) ([]conflict.Conflict, error)
	FindAttendeeConflicts(ctx context.Context, snap *access.Snapshot, attendees []string, w recurrence.Window, candidate model.Event) ([]conflict.Conflict, error)
}

// Streamer upgrades a request into a live in_app notification stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

type Deps struct {
	Dispatcher  Submitter
	Store       Store
	Occurrences Occurrences
	Conflicts   Conflicts
	Stream      Streamer
	Metrics     *metrics.Metrics
}

// Server exposes the engine over HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router
	now    func() time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, now: time.Now}
	s.router = s.routes()
	return s
}

// Handler returns the router, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(s.router)
	}
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireActor)
		r.Post("/mutations", s.handleSubmit)
		r.Post("/conflicts", s.handleConflicts)

		r.Route("/calendars/{id}", func(r chi.Router) {
			r.Get("/occurrences", s.handleOccurrences)
			r.Get("/calendar.ics", s.handleExport)
			r.Post("/import", s.handleImport)
		})

		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Get("/notifications/ws", s.handleStream)
	})
	return r
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// empty username or password disables auth
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="teamcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type actorKey struct{}

// requireActor reads the actor id from ActorHeader, or from the actor
// query parameter for websocket clients that cannot set headers.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			actor = r.URL.Query().Get("actor")
		}
		if actor == "" {
			writeError(w, http.StatusUnauthorized, "missing "+ActorHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) string {
	actor, _ := r.Context().Value(actorKey{}).(string)
	return actor
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			appLog.Error("health check: storage unavailable", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("storage unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// window reads from/to (RFC 3339) with defaults relative to now.
func (s *Server) window(r *http.Request, back, ahead time.Duration) (recurrence.Window, error) {
	const op = "web.window"
	now := s.now().UTC()
	w := recurrence.Window{Start: now.Add(-back), End: now.Add(ahead)}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, apperr.Validation(op, "invalid from %q", v)
		}
		w.Start = t.UTC()
		if q.Get("to") == "" {
			w.End = w.Start.Add(back + ahead)
		}
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, apperr.Validation(op, "invalid to %q", v)
		}
		w.End = t.UTC()
	}
	return w, w.Validate()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeErr maps an error onto its status code. Unclassified errors are
// logged and reported without detail.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
