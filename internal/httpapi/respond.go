package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/observability"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/reconcile"
	"github.com/Spok95/adsum/internal/session"
	"github.com/Spok95/adsum/internal/store"
	"github.com/Spok95/adsum/internal/submission"
)

const maxBodyBytes = 1 << 20

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// в ошибках — имена полей из json-тегов
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

// decode читает JSON-тело и проверяет теги validate. Пустое тело — пустой запрос.
func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Translate(translator)
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_input")
		return false
	}
	return true
}

// statusFor сопоставляет ошибку ядра с HTTP-статусом и машинным кодом.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict, "session_not_started"
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, store.ErrSessionEnded):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, session.ErrAlreadyStarted):
		return http.StatusConflict, "already_started"
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusConflict, "session_owned_elsewhere"
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, reconcile.ErrUnknownStudent):
		return http.StatusUnprocessableEntity, "unknown_student"
	case errors.Is(err, proximity.ErrPermissionDenied):
		return http.StatusPreconditionFailed, "permission_denied"
	case errors.Is(err, proximity.ErrNoPosition):
		return http.StatusUnprocessableEntity, "position_unavailable"
	case errors.Is(err, submission.ErrNoStudent):
		return http.StatusUnauthorized, "missing_token"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case store.IsRetryable(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "server_error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		metrics.HandlerErrors.Inc()
		s.log.Error("request failed", zap.String("op", op), zap.String("path", r.URL.Path), zap.Error(err))
		observability.CaptureErrCtx(ctxutil.WithOp(r.Context(), op), fmt.Errorf("%s: %w", op, err))
	} else {
		s.log.Debug("request rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code)
}
