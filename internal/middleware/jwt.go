package myMiddleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go-roleplay/internal/logger"
)

type contextKey string

const (
	userKey     contextKey = "user_id"
	usernameKey contextKey = "username"
)

// TokenValidator checks an access token and returns the user it was issued
// to.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects requests without a valid token and puts the user on the
// request context for UserFromContext.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := requestToken(r)
		if !ok {
			unauthorized(w, "missing authentication token")
			return
		}

		userID, username, err := am.validator.ValidateToken(token)
		if err != nil {
			slog.DebugContext(r.Context(), "rejected access token", "error", err, "path", r.URL.Path)
			unauthorized(w, "invalid token")
			return
		}

		ctx := WithUser(r.Context(), userID, username)
		ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: logger.Ptr(userID)})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken reads a bearer Authorization header, falling back to the
// token query parameter since browsers cannot set headers on a websocket
// upgrade.
func requestToken(r *http.Request) (string, bool) {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="roleplay"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, userKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

// UserFromContext returns the user authenticated by Handle.
func UserFromContext(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(userKey).(int64)
	username, _ := ctx.Value(usernameKey).(string)
	return userID, username, ok
}
