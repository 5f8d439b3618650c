package http

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/middleware/security"
	"greenbudget/internal/middleware/trace"
	"greenbudget/internal/notify"
	"greenbudget/internal/services"
)

// NotificationSource lists recent notifications, newest first.
type NotificationSource interface {
	Notifications(ctx context.Context, since time.Time, limit int) ([]notify.Notification, error)
}

// CheckFunc reports whether a dependency is ready to serve.
type CheckFunc func(ctx context.Context) error

type ServerConfig struct {
	Addr          string
	Registry      *services.Registry
	Notifications NotificationSource
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]CheckFunc
	// NotificationLimit caps the notifications returned by one request.
	NotificationLimit int
	Logger            *log.Logger
}

type Server struct {
	http.Server
	registry      *services.Registry
	notifications NotificationSource
	checks        map[string]CheckFunc
	notifyLimit   int
	logger        *log.Logger

	trace    *trace.Middleware
	detector *security.Detector
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(cfg ServerConfig) *Server {
	logger := log.OrDiscard(cfg.Logger).WithComponent(log.ComponentHTTP)
	if cfg.NotificationLimit <= 0 {
		cfg.NotificationLimit = 100
	}

	detector := security.NewDetector()
	s := &Server{
		registry:      cfg.Registry,
		notifications: cfg.Notifications,
		checks:        cfg.Checks,
		notifyLimit:   cfg.NotificationLimit,
		logger:        logger,
		trace:         trace.NewMiddleware(detector.ExtractClientIP, cfg.Logger),
		detector:      detector,
		started:       time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	const table = "/budgets/{budget}/tables/{kind}/{parent}"
	mux.HandleFunc("GET "+table, s.handleTableSnapshot)
	mux.HandleFunc("POST "+table+"/rows", s.handleTableAddRows)
	mux.HandleFunc("POST "+table+"/changes", s.handleTableChanges)
	mux.HandleFunc("DELETE "+table+"/rows", s.handleTableDeleteRows)
	mux.HandleFunc("POST "+table+"/groups", s.handleCreateGroup)
	mux.HandleFunc("PATCH "+table+"/groups/{group}", s.handleUpdateGroup)
	mux.HandleFunc("DELETE "+table+"/groups/{group}", s.handleDeleteGroup)
	mux.HandleFunc("POST "+table+"/groups/{group}/members/{item}", s.handleAddToGroup)
	mux.HandleFunc("DELETE "+table+"/groups/{group}/members/{item}", s.handleRemoveFromGroup)

	registerList[core.Fringe](mux, "/budgets/{budget}/fringes", s, fringesOf)
	registerList[core.Actual](mux, "/budgets/{budget}/actuals", s, actualsOf)

	mux.HandleFunc("GET /notifications", s.handleNotifications)

	var handler http.Handler = mux
	handler = detector.Middleware(cfg.Logger)(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.trace.Middleware(handler)

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownErr = s.Server.Shutdown(ctx)
		if s.registry != nil {
			for _, sess := range s.registry.Sessions() {
				s.registry.Close(sess.BudgetID())
			}
		}
	})
	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.trace.GetMetrics()
	NewJSONResponse().Body(map[string]any{
		"status":              "ok",
		"uptime_seconds":      int64(time.Since(s.started).Seconds()),
		"requests":            m.TotalRequests,
		"failed_requests":     m.FailedRequests,
		"avg_response_micros": m.AverageResponseTime,
		"suspicious_requests": s.detector.GetMetrics().SuspiciousRequests,
	}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			log.FromContext(ctx).WarnContext(ctx, "readiness check failed", log.FieldOperation, name, log.FieldError, err)
			continue
		}
		results[name] = "ok"
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not ready"
	}
	NewJSONResponse().Status(status).Body(map[string]any{"status": ready, "checks": results}).Write(w)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		NewJSONResponse().Body(map[string]any{"notifications": []notify.Notification{}}).Write(w)
		return
	}
	since, limit, err := ParseNotificationParams(r, s.notifyLimit, s.notifyLimit)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	ns, err := s.notifications.Notifications(r.Context(), since, limit)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "listing notifications failed", log.FieldError, err)
		ErrorFrom(err).Write(w)
		return
	}
	if ns == nil {
		ns = []notify.Notification{}
	}
	NewJSONResponse().Body(map[string]any{"notifications": ns}).Write(w)
}
