package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/snakemake/snakeface/internal/logging"
	"github.com/snakemake/snakeface/internal/store"
	"golang.org/x/time/rate"
)

type userKey struct{}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey{}).(*store.User)
	return u
}

// statusRecorder captures the response code. It still hijacks so
// websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// observe tags the request with an id, logs it and counts it.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithAttrs(r.Context(), slog.String("request_id", uuid.NewString()))
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(ctx))

		route := routeTemplate(r)
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.Request(route, code)
		}
		s.logger.DebugContext(ctx, "request served",
			"method", r.Method, "route", route, "code", code, "duration", time.Since(start))
	})
}

// routeTemplate names the matched route, e.g. /api/runs/{id}, falling back
// to the raw path.
func routeTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// Limiters are kept per client address, oldest dropped first.
const (
	limiterTTL  = 5 * time.Minute
	maxLimiters = 10000
)

// rateLimit applies a token bucket per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			httpError(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(ip string) *rate.Limiter {
	if limiter, ok := s.limiters.Get(ip); ok {
		return limiter
	}

	burst := s.opts.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(s.opts.RateLimit, burst)
	s.limiters.Add(ip, limiter)
	return limiter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the bearer token, or the token query parameter,
// to a user. Requests without a token continue anonymously, or as the
// notebook user. An unknown token is refused.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			if s.opts.NotebookUser != nil {
				r = r.WithContext(context.WithValue(r.Context(), userKey{}, s.opts.NotebookUser))
			}
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.opts.Store.UserByToken(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "Invalid token", http.StatusForbidden)
			return
		}
		if err != nil {
			s.internalError(w, r, fmt.Errorf("failed to look up token: %w", err))
			return
		}

		ctx := logging.WithAttrs(r.Context(), slog.String("user", user.Name))
		ctx = context.WithValue(ctx, userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		fields := strings.Fields(h)
		if len(fields) > 0 {
			return fields[len(fields)-1]
		}
	}
	return r.URL.Query().Get("token")
}

// requireUser writes 401 and returns nil when the request is anonymous.
func requireUser(w http.ResponseWriter, r *http.Request) *store.User {
	user := UserFromContext(r.Context())
	if user == nil {
		httpError(w, "Authentication required", http.StatusUnauthorized)
	}
	return user
}
