// Package httpapi — HTTP-интерфейс сервиса: экран преподавателя и студенческое приложение.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/auth"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/reconcile"
	"github.com/Spok95/adsum/internal/roster"
	"github.com/Spok95/adsum/internal/session"
	"github.com/Spok95/adsum/internal/store"
	"github.com/Spok95/adsum/internal/submission"
)

// Pinger — проверка зависимостей для /healthz.
type Pinger func(ctx context.Context) error

type Deps struct {
	Store      store.Store
	Sessions   *session.Manager
	Submission *submission.Protocol
	Reconcile  *reconcile.Engine
	Roster     *roster.Hub
	Issuer     auth.Issuer
	Location   *time.Location
	Health     Pinger
	Log        *zap.Logger
	// WSOrigins — разрешённые Origin для websocket; пусто — только свой хост.
	WSOrigins []string
}

type Server struct {
	Deps
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Server{Deps: d, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.recoverer, s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.Issuer, writeError))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(writeError, models.Teacher))

			r.Post("/sessions", s.handleCreateSession)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Use(s.requireOwner)
				r.Get("/", s.handleGetSession)
				r.Post("/start", s.handleStart)
				r.Post("/end", s.handleEnd)
				r.Post("/rotate", s.handleRotate)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Put("/policy", s.handlePolicy)
				r.Put("/geofence", s.handleGeofence)
				r.Get("/code", s.handleCode)
				r.Get("/roster", s.handleRoster)
				r.Get("/roster/summary", s.handleRosterSummary)
				r.Get("/roster/stream", s.handleRosterStream)
				r.Get("/attendees", s.handleAttendees)
				r.Post("/attendance/bulk", s.handleBulkMark)
				r.Delete("/attendance/{studentID}", s.handleRevoke)
				r.Get("/export.xlsx", s.handleExport)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(writeError, models.Student))
			r.Get("/live-sessions", s.handleLiveSessions)
			r.Post("/live-sessions/{sessionID}/submit", s.handleSubmit)
			r.Get("/me/history", s.handleHistory)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		_, _ = w.Write([]byte("ok"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
	defer cancel()
	if err := s.Health(ctx); err != nil {
		http.Error(w, "not ok: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// observe считает запросы по шаблону маршрута, а не по сырому пути.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.fail(w, r, "panic", errors.New("handler panicked"))
				s.log.Error("panic in handler", zap.Any("panic", rec), zap.String("path", r.URL.Path))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HTTPServer — сервер с аккуратной остановкой по ctx.
type HTTPServer struct {
	srv  *http.Server
	done chan struct{}
}

func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) *HTTPServer {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	hs := &HTTPServer{srv: srv, done: make(chan struct{})}

	go func() {
		defer close(hs.done)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	return hs
}

// Wait ждёт остановки сервера.
func (h *HTTPServer) Wait() { <-h.done }
