package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ip-patrol/internal/aggregate"
	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/monitoring"
	"github.com/sells-group/ip-patrol/internal/scheduler"
	"github.com/sells-group/ip-patrol/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scan API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initScan(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		api := newAPIServer(ctx, env, alerter)
		defer api.Wait()

		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), alerter, cfg.Monitoring)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer runs scans in the background and exposes them over HTTP.
type apiServer struct {
	ctx     context.Context
	env     *scanEnv
	hub     *store.Broadcaster
	alerter *monitoring.Alerter

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// newAPIServer wraps env's store in a Broadcaster so commits feed the
// events stream. Scans started through the server stop when ctx ends.
func newAPIServer(ctx context.Context, env *scanEnv, alerter *monitoring.Alerter) *apiServer {
	hub := store.NewBroadcaster(env.Store)
	env.Store = hub
	return &apiServer{
		ctx:     ctx,
		env:     env,
		hub:     hub,
		alerter: alerter,
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Wait blocks until every background scan has written its final status.
func (s *apiServer) Wait() {
	s.wg.Wait()
}

// Router builds the HTTP routes.
func (s *apiServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/scans", s.handleStartScan)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/history", s.handleHistory)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Get("/export", s.handleExport)
		r.Get("/events", s.handleEvents)
		r.Post("/resume", s.handleResume)
		r.Post("/cancel", s.handleStop(context.Canceled))
		r.Post("/pause", s.handleStop(scheduler.ErrPaused))
	})

	return r
}

func (s *apiServer) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	src, meta, err := s.env.buildSource(req)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	sess, err := s.env.Store.CreateSession(r.Context(), meta)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "create session: %v", err)
		return
	}

	sched := s.env.newScheduler(meta.Kind, req, nil)
	s.launch(sess.ID, func(ctx context.Context) (*model.Session, error) {
		return sched.Run(ctx, sess, src)
	})

	writeJSON(w, http.StatusAccepted, sess)
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The body is optional; CSV sessions need their files again.
	var req scanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	}

	sess, ok := s.loadSession(w, r, id)
	if !ok {
		return
	}
	if !sess.Status.Resumable() {
		httpError(w, http.StatusConflict, "session %s is %s", id, sess.Status)
		return
	}
	if s.isRunning(id) {
		httpError(w, http.StatusConflict, "session %s is already running", id)
		return
	}

	src, err := s.env.resumeSource(sess, req.CSVPaths)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	sched := s.env.newScheduler(sess.Kind, req, nil)
	if !s.launch(id, func(ctx context.Context) (*model.Session, error) {
		return sched.Resume(ctx, id, src)
	}) {
		httpError(w, http.StatusConflict, "session %s is already running", id)
		return
	}

	sess.Details = nil
	sess.Status = model.SessionProcessing
	writeJSON(w, http.StatusAccepted, sess)
}

// handleStop cancels a running scan with cause. The run records the
// resulting status at its next group boundary.
func (s *apiServer) handleStop(cause error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s.mu.Lock()
		cancel, ok := s.running[id]
		s.mu.Unlock()
		if !ok {
			httpError(w, http.StatusConflict, "session %s is not running", id)
			return
		}

		cancel(cause)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "stopping"})
	}
}

func (s *apiServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	sessions, err := s.env.Store.ListSessions(r.Context(), store.SessionFilter{
		Target: q.Get("target"),
		Owner:  q.Get("owner"),
		Status: model.SessionStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *apiServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := aggregate.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	sess, ok := s.loadSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sess.Details = aggregate.Filter(sess.Details, view.Predicate())

	writeJSON(w, http.StatusOK, struct {
		*model.Session
		Running bool `json:"running"`
	}{sess, s.isRunning(sess.ID)})
}

func (s *apiServer) handleExport(w http.ResponseWriter, r *http.Request) {
	view, err := aggregate.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	sess, ok := s.loadSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="patrol-%s.csv"`, truncateID(sess.ID)))
	if err := aggregate.ExportCSV(w, aggregate.Filter(sess.Details, view.Predicate())); err != nil {
		zap.L().Error("export failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.env.Store.ListFlagged(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list flagged: %v", err)
		return
	}
	if items == nil {
		items = []model.FlaggedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleEvents streams progress as server-sent events. The first event is
// the current state; the stream ends once the session leaves processing.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()

	sess, ok := s.loadSession(w, r, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := model.Progress{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Checkpoint: sess.Checkpoint,
		Summary:    sess.Summary,
		Error:      sess.Error,
	}
	writeEvent(w, current)
	flusher.Flush()
	if current.Status != model.SessionProcessing && !s.isRunning(id) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, p)
			flusher.Flush()
			if p.Status != model.SessionProcessing {
				return
			}
		}
	}
}

// launch runs fn in the background under a cancellable context registered
// for id. It reports false when id is already running.
func (s *apiServer) launch(id string, fn func(ctx context.Context) (*model.Session, error)) bool {
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancelCause(s.ctx)
	s.running[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel(nil)
		}()

		log := zap.L().With(zap.String("session_id", id))
		sess, err := fn(ctx)
		if err != nil {
			log.Error("scan ended with error", zap.Error(err))
		}
		if sess != nil {
			s.alerter.SendAlerts(context.WithoutCancel(ctx), s.alerter.SessionAlerts(sess))
		}
	}()
	return true
}

func (s *apiServer) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *apiServer) loadSession(w http.ResponseWriter, r *http.Request, id string) (*model.Session, bool) {
	sess, err := s.env.Store.LoadSession(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "session %s not found", id)
		return nil, false
	case err != nil:
		httpError(w, http.StatusInternalServerError, "load session: %v", err)
		return nil, false
	}
	return sess, true
}

func writeEvent(w http.ResponseWriter, p model.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
