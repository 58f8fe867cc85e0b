package httpapi

import (
	"context"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/export"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/session"
)

type sessionKey struct{}

// requireOwner: сессией управляет только её преподаватель (или админ).
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			s.fail(w, r, "load_session", err)
			return
		}
		uid, _ := ctxutil.UserID(r.Context())
		role, _ := ctxutil.Role(r.Context())
		if role != models.Admin && sess.TeacherID != uid {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) *models.Session {
	sess, _ := r.Context().Value(sessionKey{}).(*models.Session)
	return sess
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.NewSession
	if !decode(w, r, &req) {
		return
	}
	// преподаватель — всегда вызывающий
	req.TeacherID, _ = ctxutil.UserID(r.Context())
	sess, err := s.Sessions.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, "create_session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r))
}

type startRequest struct {
	HardwareRequired bool       `json:"hardware_required"`
	Position         *geo.Point `json:"position,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	var loc proximity.Locator
	if req.Position != nil {
		loc = proximity.ReportedPosition{Point: req.Position}
	}
	sess, err := s.Sessions.Start(r.Context(), sessionFrom(r).ID, req.HardwareRequired, loc)
	if err != nil {
		s.fail(w, r, "start_session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.End(r.Context(), sessionFrom(r).ID)
	if err != nil {
		s.fail(w, r, "end_session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type codeResponse struct {
	session.CodeState
	RemainingSeconds int `json:"remaining_seconds"`
}

func codeBody(st session.CodeState) codeResponse {
	return codeResponse{CodeState: st, RemainingSeconds: int((st.Remaining + time.Second - 1) / time.Second)}
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.ForceRotate(r.Context(), sessionFrom(r).ID)
	if err != nil {
		s.fail(w, r, "rotate_code", err)
		return
	}
	writeJSON(w, http.StatusOK, codeBody(st))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.PauseRotation(r.Context(), sessionFrom(r).ID)
	if err != nil {
		s.fail(w, r, "pause_rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, codeBody(st))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.ResumeRotation(r.Context(), sessionFrom(r).ID)
	if err != nil {
		s.fail(w, r, "resume_rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, codeBody(st))
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.Code(r.Context(), sessionFrom(r).ID)
	if err != nil {
		s.fail(w, r, "get_code", err)
		return
	}
	writeJSON(w, http.StatusOK, codeBody(st))
}

type policyRequest struct {
	HardwareRequired *bool `json:"hardware_required" validate:"required"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.Sessions.SetHardwareRequired(r.Context(), sessionFrom(r).ID, *req.HardwareRequired); err != nil {
		s.fail(w, r, "set_policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hardware_required": *req.HardwareRequired})
}

type geofenceRequest struct {
	Mode     models.GeofenceMode `json:"mode" validate:"required,oneof=locked live"`
	Position *geo.Point          `json:"position,omitempty"`
}

func (s *Server) handleGeofence(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if !decode(w, r, &req) {
		return
	}
	var loc proximity.Locator
	if req.Position != nil {
		loc = proximity.ReportedPosition{Point: req.Position}
	}
	anchor, err := s.Sessions.SetGeofenceMode(r.Context(), sessionFrom(r).ID, req.Mode, loc)
	if err != nil {
		s.fail(w, r, "set_geofence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": req.Mode, "anchor": anchor})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rep, err := export.SessionReport(r.Context(), s.Store, sessionFrom(r).ID, s.Location)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	defer func() { _ = rep.Close() }()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rep.Filename}))
	if err := rep.Write(w); err != nil {
		s.log.Warn("export write failed", zap.Error(err))
	}
}
