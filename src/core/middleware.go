package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Buckets idle longer than staleBucketAge are dropped once the table reaches maxRateLimitBuckets
const (
	maxRateLimitBuckets = 10000
	staleBucketAge      = 10 * time.Minute
)

// clientBucket is one caller's token bucket
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter keeps a token bucket per client IP. Forwarding headers
// only name the client when trustProxy is set.
type ClientRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*clientBucket
	limit      rate.Limit
	burst      int
	trustProxy bool
}

// NewClientRateLimiter allows requestsPerMinute per client with an equal burst
func NewClientRateLimiter(requestsPerMinute int, trustProxy bool) *ClientRateLimiter {
	return &ClientRateLimiter{
		buckets:    make(map[string]*clientBucket),
		limit:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:      requestsPerMinute,
		trustProxy: trustProxy,
	}
}

// Limiter returns the bucket for key, creating it on first use. The table
// never holds more than maxRateLimitBuckets entries.
func (l *ClientRateLimiter) Limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxRateLimitBuckets && l.pruneLocked(staleBucketAge) == 0 {
			l.evictOldestLocked()
		}
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	return bucket.limiter
}

// Prune drops buckets idle for longer than idle and returns how many were removed
func (l *ClientRateLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(idle)
}

// Len reports how many buckets are held
func (l *ClientRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *ClientRateLimiter) pruneLocked(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	removed := 0
	for key, bucket := range l.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *ClientRateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, bucket := range l.buckets {
		if oldestKey == "" || bucket.lastSeen.Before(oldest) {
			oldestKey, oldest = key, bucket.lastSeen
		}
	}
	delete(l.buckets, oldestKey)
}

// RateLimitMiddleware rejects clients that exhausted their bucket with 429 RATE_LIMITED
func RateLimitMiddleware(limiter *ClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r, limiter.trustProxy)
			bucket := limiter.Limiter(clientIP)

			allowed := bucket.Allow()
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(bucket.Tokens())))
			if !allowed {
				logger.Debug("Rate limited request", "clientIp", clientIP, "path", r.URL.Path)
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP returns the socket address. Behind a trusted proxy it prefers
// the first X-Forwarded-For hop, then X-Real-IP.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// BodySizeLimitMiddleware caps request bodies on methods that carry one
func BodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSONBody decodes a strict JSON body into dst. On failure it has
// already written PAYLOAD_TOO_LARGE or INVALID_REQUEST.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Payload too large")
			return err
		}
		logger.Debug("Rejected request body", "path", r.URL.Path, "requestId", GetRequestID(r.Context()), "error", err)
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return err
	}
	return nil
}

type contextKey string

// RequestIDContextKey holds the request id in a request context
const RequestIDContextKey contextKey = "requestID"

// RequestIDMiddleware keeps the caller's X-Request-ID or assigns a UUID
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDContextKey, requestID)))
	})
}

// GetRequestID returns the request id stored by RequestIDMiddleware
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}

// MetricsMiddleware counts requests and observes latency per route template
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeTemplate returns the matched mux route pattern so label cardinality stays bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// TracingMiddleware opens an OpenTelemetry server span per request
func TracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "relaytrust.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

// statusResponseWriter records the status code written by a handler
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
