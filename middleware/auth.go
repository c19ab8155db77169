package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"clausebase/pkg/logger"
	"clausebase/pkg/response"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const UserIDKey contextKey = "userID"

// UserID returns the authenticated subject stored by Auth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}

// WithUserID is used by tests and internal callers that bypass Auth.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// Auth validates HS256 bearer tokens signed with secret and puts the "sub"
// claim in the request context. Websocket clients pass the token as ?token=
// since browsers cannot set headers on the upgrade request.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if tokenString == "" {
				response.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no token provided")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				logger.Sugar.Debugf("Invalid token: %v", err)
				response.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				response.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "could not parse token claims")
				return
			}
			userID, ok := claims["sub"].(string)
			if !ok || userID == "" {
				response.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sub claim is missing or invalid")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
