package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/roster"
)

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Reconcile.Roster(r.Context(), sessionFrom(r).ID, r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, "roster", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRosterSummary(w http.ResponseWriter, r *http.Request) {
	sync := roster.NewSync(s.Store, sessionFrom(r).ID, s.log)
	defer sync.Close()
	view, err := sync.Poll(r.Context())
	if err != nil {
		s.fail(w, r, "roster_summary", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAttendees(w http.ResponseWriter, r *http.Request) {
	sync := roster.NewSync(s.Store, sessionFrom(r).ID, s.log)
	defer sync.Close()
	rows, err := sync.Attendees(r.Context())
	if err != nil {
		s.fail(w, r, "attendees", err)
		return
	}
	if rows == nil {
		rows = []models.AttendeeRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type bulkRequest struct {
	StudentIDs []string `json:"student_ids" validate:"required,min=1,max=500,dive,required"`
}

func (s *Server) handleBulkMark(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.Reconcile.MarkPresentBulk(r.Context(), sessionFrom(r).ID, req.StudentIDs)
	if err != nil {
		s.fail(w, r, "bulk_mark", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": n})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Reconcile.Revoke(r.Context(), sessionFrom(r).ID, chi.URLParam(r, "studentID"))
	if err != nil {
		s.fail(w, r, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// handleRosterStream шлёт свежую сводку при каждой отметке или правке.
func (s *Server) handleRosterStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.WSOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sync, release, err := s.Roster.Open(ctx, sessionFrom(r).ID)
	if err != nil {
		s.log.Warn("roster stream open failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "roster_unavailable")
		return
	}
	defer release()

	// клиент ничего не шлёт; чтение нужно, чтобы заметить закрытие
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case view, ok := <-sync.Updates():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, view)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
