package daemon

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fathom/internal/services"
	"fathom/internal/services/identity"
)

const (
	// rateWindow is the fixed rate-limit accounting window.
	rateWindow = time.Minute
	// rateMaxClients caps how many client addresses the limiter tracks.
	rateMaxClients = 10000
	// rateIdleEviction drops clients not seen for this long.
	rateIdleEviction = 30 * time.Minute
)

// adminOnly guards operator endpoints with the configured API token. An
// empty token leaves the endpoint open, matching a local single-user
// install.
func (s *apiServer) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	token := strings.TrimSpace(s.cfg.Paths.APIToken)
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		presented, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			s.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
			return
		}
		next(w, r)
	}
}

// user authenticates the caller's JWT and returns the subject. A response is
// already written when ok is false.
func (s *apiServer) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, _ := identity.BearerToken(r.Header.Get("Authorization"))
	ident, err := s.daemon.verifier.Verify(raw)
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return ident.UserID, true
}

// withMiddleware wraps the mux with request correlation, rate limiting,
// request size capping, and request metrics.
func (s *apiServer) withMiddleware(next http.Handler) http.Handler {
	maxBytes := s.cfg.API.MaxRequestBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		r = r.WithContext(services.WithRequestID(r.Context(), requestID))

		if s.limiter != nil && !exemptFromRateLimit(r.URL.Path) {
			if retryAfter, ok := s.limiter.allow(clientHost(r), time.Now()); !ok {
				w.Header().Set("Retry-After", retryAfter)
				s.writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
		}

		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.daemon.instruments.HTTPRequest(r.Context(), routeLabel(r.URL.Path), rec.status)
	})
}

func exemptFromRateLimit(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// clientHost picks the address the rate limiter keys on: the first
// X-Forwarded-For hop when present, the connection peer otherwise.
func clientHost(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// rateLimiter applies a fixed per-window request budget per client address.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	clients  map[string]*clientWindow
	lastScan time.Time
}

type clientWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// newRateLimiter returns nil when the limit is non-positive, which disables
// rate limiting entirely.
func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   perMinute,
		clients: make(map[string]*clientWindow),
	}
}

// allow records a request for the client and reports whether it fits the
// current window. When denied, the returned string is a Retry-After value in
// seconds.
func (l *rateLimiter) allow(client string, now time.Time) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= rateMaxClients {
			l.evictIdleLocked(now)
		}
		if len(l.clients) >= rateMaxClients {
			// Tracking is saturated; let the request through rather than
			// punishing a client we have no window for.
			return "", true
		}
		cw = &clientWindow{windowStart: now}
		l.clients[client] = cw
	}

	if now.Sub(cw.windowStart) >= rateWindow {
		cw.windowStart = now
		cw.count = 0
	}
	cw.lastSeen = now

	if cw.count >= l.limit {
		remaining := rateWindow - now.Sub(cw.windowStart)
		seconds := int(remaining.Seconds()) + 1
		return strconv.Itoa(seconds), false
	}
	cw.count++
	return "", true
}

func (l *rateLimiter) evictIdleLocked(now time.Time) {
	// Bounded by a scan interval so a flood of new clients doesn't turn
	// every request into a full map walk.
	if now.Sub(l.lastScan) < time.Minute {
		return
	}
	l.lastScan = now
	for key, cw := range l.clients {
		if now.Sub(cw.lastSeen) >= rateIdleEviction {
			delete(l.clients, key)
		}
	}
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards streaming flushes so SSE keeps working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
