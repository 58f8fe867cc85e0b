package auth

import (
	"net/http"
	"strings"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/models"
)

// ErrorWriter пишет ответ об ошибке в формате API.
type ErrorWriter func(w http.ResponseWriter, status int, code string)

// Middleware проверяет bearer-токен и кладёт id и роль пользователя в контекст.
func Middleware(iss Issuer, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				// браузерный websocket не умеет ставить заголовки
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeErr(w, http.StatusUnauthorized, "missing_token")
				return
			}
			claims, err := iss.Parse(token)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			ctx := ctxutil.WithUserID(r.Context(), claims.Subject)
			ctx = ctxutil.WithRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole пропускает только перечисленные роли; админ проходит всегда.
func RequireRole(writeErr ErrorWriter, roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := ctxutil.Role(r.Context())
			if !ok {
				writeErr(w, http.StatusUnauthorized, "missing_token")
				return
			}
			if role == models.Admin {
				next.ServeHTTP(w, r)
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErr(w, http.StatusForbidden, "forbidden")
		})
	}
}

func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
