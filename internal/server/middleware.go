package server

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
)

type ctxKey int

const ctxKeyAdminClaims ctxKey = iota

func withAdminClaims(ctx context.Context, claims *AdminClaims) context.Context {
	return context.WithValue(ctx, ctxKeyAdminClaims, claims)
}

// AdminClaimsFromContext достает клеймы, положенные auth-middleware.
func AdminClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(ctxKeyAdminClaims).(*AdminClaims)
	return claims, ok
}

// rateLimit ограничивает входящий поток публикаций. Token bucket общий
// на инстанс: защищаем стор и брокер, а не отдельного клиента.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
