package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/email"
	"github.com/dukerupert/chorecheck/internal/handler"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/middleware"
	"github.com/dukerupert/chorecheck/internal/notify"
	"github.com/dukerupert/chorecheck/internal/push"
	"github.com/dukerupert/chorecheck/internal/service"
	"github.com/dukerupert/chorecheck/internal/store"
	ws "github.com/dukerupert/chorecheck/internal/websocket"
)

// Config carries everything the server wires at startup.
type Config struct {
	Location       *time.Location
	AllowResubmit  bool
	OriginPatterns []string
	S3             media.S3Config
	VAPIDPublic    string
	VAPIDPrivate   string
	VAPIDSubject   string
	SlackWebhook   string
	PostmarkToken  string
	EmailFrom      string
	BaseURL        string
}

type Server struct {
	db             *sql.DB
	hub            *ws.Hub
	assignmentH    *handler.AssignmentHandler
	evidenceH      *handler.EvidenceHandler
	pushH          *handler.PushHandler
	sessionStore   *store.SessionStore
	householdStore *store.HouseholdStore
	rateLimiter    *middleware.RateLimiter
	dispatcher     *notify.Dispatcher
	pushScheduler  *push.Scheduler
	originPatterns []string
	logger         *slog.Logger

	cancel context.CancelFunc
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	hub := ws.NewHub(logger.With("component", "websocket"))

	householdStore := store.NewHouseholdStore(db)
	sessionStore := store.NewSessionStore(db)
	taskStore := store.NewTaskStore(db)
	assignmentStore := store.NewAssignmentStore(db)
	pushSt := store.NewPushStore(db)

	pushSvc := push.NewService(cfg.VAPIDPublic, cfg.VAPIDPrivate, cfg.VAPIDSubject)

	sinks := []notify.Sink{ws.NewSink(hub)}
	var pushSched *push.Scheduler
	if pushSvc.Enabled() {
		sinks = append(sinks, push.NewSink(pushSvc, pushSt, logger))
		pushSched = push.NewScheduler(pushSvc, pushSt, assignmentStore, taskStore, cfg.Location, logger)
	}
	if cfg.SlackWebhook != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.SlackWebhook, cfg.BaseURL))
	}
	if cfg.PostmarkToken != "" {
		mailer := email.NewClient(cfg.PostmarkToken, cfg.EmailFrom)
		sinks = append(sinks, email.NewSink(mailer, store.NewUserStore(db), cfg.BaseURL, logger))
	}
	dispatcher := notify.NewDispatcher(householdStore, logger, sinks...)

	svc := service.New(assignmentStore, taskStore, householdStore, dispatcher, logger, service.Options{
		Location: cfg.Location,
		Policy:   chore.Policy{AllowResubmit: cfg.AllowResubmit},
	})

	return &Server{
		db:             db,
		hub:            hub,
		assignmentH:    handler.NewAssignmentHandler(svc, logger),
		evidenceH:      handler.NewEvidenceHandler(svc, media.NewStore(cfg.S3), logger),
		pushH:          handler.NewPushHandler(pushSt, pushSvc, logger),
		sessionStore:   sessionStore,
		householdStore: householdStore,
		rateLimiter:    middleware.NewRateLimiter(),
		dispatcher:     dispatcher,
		pushScheduler:  pushSched,
		originPatterns: cfg.OriginPatterns,
		logger:         logger,
	}
}

// Start launches the background workers: reminder scheduler, session and
// rate-limit cleanup.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.pushScheduler != nil {
		s.pushScheduler.Start(ctx)
	}
	s.rateLimiter.StartCleanup(ctx, 5*time.Minute)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.sessionStore.DeleteExpired()
				if err != nil {
					s.logger.Error("session cleanup", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("expired sessions removed", "count", n)
				}
			}
		}
	}()
}

// Stop halts background workers and waits for in-flight notifications.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pushScheduler != nil {
		s.pushScheduler.Stop()
	}
	s.dispatcher.Wait()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore, s.householdStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status, code = "database unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "websocket_clients": s.hub.ClientCount()})
}

var (
	submitLimit   = middleware.Limit{Scope: "submit", Max: 20, Window: time.Minute}
	evidenceLimit = middleware.Limit{Scope: "evidence", Max: 20, Window: time.Minute}
	pushTestLimit = middleware.Limit{Scope: "push-test", Max: 5, Window: time.Minute}
)

func (s *Server) rateLimited(h http.HandlerFunc, l middleware.Limit) http.Handler {
	return middleware.RateLimit(s.rateLimiter, l, middleware.ByUser)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/assignments", s.assignmentH.List)
	mux.Handle("POST /api/assignments", middleware.RequireAdmin(http.HandlerFunc(s.assignmentH.Create)))
	mux.HandleFunc("GET /api/assignments/{id}", s.assignmentH.Get)
	mux.HandleFunc("GET /api/assignments/{id}/window", s.assignmentH.Window)
	mux.Handle("POST /api/assignments/{id}/submit", s.rateLimited(s.assignmentH.Submit, submitLimit))
	mux.Handle("POST /api/assignments/{id}/verify", middleware.RequireAdmin(http.HandlerFunc(s.assignmentH.Verify)))
	mux.Handle("POST /api/assignments/{id}/reopen", middleware.RequireAdmin(http.HandlerFunc(s.assignmentH.Reopen)))
	mux.HandleFunc("GET /api/households/{id}/stats", s.assignmentH.Stats)

	mux.Handle("POST /api/assignments/{id}/evidence", s.rateLimited(s.evidenceH.Upload, evidenceLimit))
	mux.HandleFunc("DELETE /api/assignments/{id}/evidence", s.evidenceH.Delete)

	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("GET /api/push/preferences", s.pushH.GetPreferences)
	mux.HandleFunc("PUT /api/push/preferences", s.pushH.UpdatePreferences)
	mux.Handle("POST /api/push/test", s.rateLimited(s.pushH.TestNotification, pushTestLimit))

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.originPatterns))
}
