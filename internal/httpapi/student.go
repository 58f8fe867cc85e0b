package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spok95/adsum/internal/submission"
)

// liveSession — то, что видит студент: без кода и без якоря.
type liveSession struct {
	ID               string     `json:"id"`
	ClassName        string     `json:"class_name"`
	Room             string     `json:"room"`
	HardwareRequired bool       `json:"hardware_required"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
}

func (s *Server) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListLiveSessions(r.Context())
	if err != nil {
		s.fail(w, r, "live_sessions", err)
		return
	}
	out := make([]liveSession, 0, len(list))
	for _, sess := range list {
		out = append(out, liveSession{
			ID:               sess.ID,
			ClassName:        sess.ClassName,
			Room:             sess.Room,
			HardwareRequired: sess.HardwareRequired,
			StartedAt:        sess.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submission.Request
	if !decode(w, r, &req) {
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")
	res, err := s.Submission.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, "submit", err)
		return
	}
	status := http.StatusOK
	if !res.Success() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.Submission.History(r.Context(), "")
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
