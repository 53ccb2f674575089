package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/repository"
)

type ctxKey string

const (
	UserIDKey ctxKey = "userID"
	TokenKey  ctxKey = "token"
)

// SanctumMiddleware authenticates requests by personal access token, either
// from the Authorization header or from a token query parameter (the latter
// for websocket upgrades, where custom headers are awkward).
func SanctumMiddleware(tokenRepo *repository.PersonalAccessTokenRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var pat *domain.PersonalAccessToken

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
				plainToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
				if plainToken != "" {
					if p, err := tokenRepo.FindTokenByPlainToken(r.Context(), plainToken); err == nil {
						pat = p
					}
				}
			}

			if pat == nil {
				if token := r.URL.Query().Get("token"); token != "" {
					if p, err := tokenRepo.FindTokenByPlainToken(r.Context(), token); err == nil {
						pat = p
					}
				}
			}

			if pat == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if pat.ExpiresAt != nil && pat.ExpiresAt.Before(time.Now()) {
				http.Error(w, "Token expired", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, pat.UserID)
			ctx = context.WithValue(ctx, TokenKey, pat)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAbility gates a route group on a token ability. Must run after
// SanctumMiddleware.
func RequireAbility(ability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pat, ok := r.Context().Value(TokenKey).(*domain.PersonalAccessToken)
			if !ok || !pat.HasAbility(ability) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func GetUserID(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	if !ok {
		return 0, errors.New("userID not found in context")
	}
	return userID, nil
}

// GetToken returns the authenticated token, for handlers that scope queries
// to the caller's own records.
func GetToken(ctx context.Context) (*domain.PersonalAccessToken, error) {
	pat, ok := ctx.Value(TokenKey).(*domain.PersonalAccessToken)
	if !ok {
		return nil, errors.New("token not found in context")
	}
	return pat, nil
}
