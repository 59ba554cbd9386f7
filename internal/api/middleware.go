package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/reedfamily/forgebot/internal/auth"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/metrics"
)

type userContextKey struct{}

// Sessions validates bearer tokens.
type Sessions interface {
	ValidateSession(ctx context.Context, token string) (*auth.User, error)
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(sessions Sessions) func(http.Handler) http.Handler {
	return authenticate(sessions, bearerToken)
}

// QueryTokenAuth is AuthMiddleware for websocket routes, where browsers
// cannot set headers: the token comes from ?token= when no header is present.
func QueryTokenAuth(sessions Sessions) func(http.Handler) http.Handler {
	return authenticate(sessions, func(r *http.Request) string {
		if t := bearerToken(r); t != "" {
			return t
		}
		return r.URL.Query().Get("token")
	})
}

func authenticate(sessions Sessions, extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extract(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}
			user, err := sessions.ValidateSession(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(ctx context.Context) *auth.User {
	u, _ := ctx.Value(userContextKey{}).(*auth.User)
	return u
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger(next http.Handler) http.Handler {
	logger := xlog.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := logger.Info()
		if ww.Status() >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		ev.Str("event", "http.request").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// Metrics records request durations by route pattern, so slugs and IDs do not
// explode the label set.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, pattern, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
