// Package middleware содержит HTTP middleware сервиса bountyfunding.
package middleware

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

type contextKey string

const projectIDKey contextKey = "projectID"

// TokenMiddleware проверяет токен доступа к API и определяет проект запроса.
type TokenMiddleware struct {
	token     []byte
	projectID int64
}

// NewTokenMiddleware создаёт middleware с указанным токеном. Пустой токен отключает проверку.
func NewTokenMiddleware(token string) *TokenMiddleware {
	return &TokenMiddleware{
		token:     []byte(token),
		projectID: model.DefaultProjectID,
	}
}

// Middleware пропускает запрос, если токен совпадает, и добавляет идентификатор проекта в контекст.
// Токен передаётся заголовком Authorization: Bearer или параметром token.
func (m *TokenMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.token) > 0 && !hmac.Equal([]byte(requestToken(r)), m.token) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
			return
		}

		ctx := context.WithValue(r.Context(), projectIDKey, m.projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// ProjectIDFromContext извлекает идентификатор проекта из контекста запроса.
// Если middleware не применялся, возвращается проект по умолчанию.
func ProjectIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(projectIDKey).(int64); ok {
		return id
	}
	return model.DefaultProjectID
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
