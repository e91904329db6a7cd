package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Admin authentication header names
const (
	AdminSignatureHeader = "X-Admin-Signature"
	AdminTimestampHeader = "X-Admin-Timestamp"
)

// Router authentication header names. A router signs each call with the
// secret it was issued at registration.
const (
	RouterIDHeader        = "X-Router-ID"
	RouterSignatureHeader = "X-Router-Signature"
	RouterTimestampHeader = "X-Router-Timestamp"
)

// RouterContextKey holds the verified router id in a request context
const RouterContextKey contextKey = "router"

// AdminAuthTimestampTolerance is the maximum age of a signed request (5 minutes)
const AdminAuthTimestampTolerance = 5 * time.Minute

// SignRequest creates an HMAC-SHA256 signature for a request.
// The signature covers: method + path + body + timestamp
func SignRequest(method, path string, body []byte, secret string, timestamp int64) string {
	message := fmt.Sprintf("%s\n%s\n%s\n%d", method, path, string(body), timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest verifies the HMAC-SHA256 signature of a request.
// Returns false if the timestamp is stale or the signature doesn't match.
func VerifyRequest(method, path string, body []byte, secret string, timestamp int64, signature string) bool {
	now := time.Now().Unix()
	toleranceSec := int64(AdminAuthTimestampTolerance.Seconds())
	if timestamp < now-toleranceSec || timestamp > now+toleranceSec {
		return false
	}

	expectedSig := SignRequest(method, path, body, secret, timestamp)

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedSig)) == 1
}

// AdminAuth guards owner-only endpoints with a shared-secret HMAC signature
type AdminAuth struct {
	secret   string
	required bool
}

// NewAdminAuth creates the owner check. When required is false every request passes.
func NewAdminAuth(secret string, required bool) *AdminAuth {
	return &AdminAuth{secret: secret, required: required}
}

// Middleware rejects unsigned or badly signed requests with 401 NOT_OWNER.
// The request body is restored for the next handler.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.required {
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(AdminSignatureHeader)
		timestampStr := r.Header.Get(AdminTimestampHeader)
		if signature == "" || timestampStr == "" {
			WriteError(w, http.StatusUnauthorized, "NOT_OWNER", "Missing admin signature")
			return
		}

		timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "NOT_OWNER", "Invalid admin timestamp")
			return
		}

		body, err := readSignedBody(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
			return
		}

		if !VerifyRequest(r.Method, r.URL.Path, body, a.secret, timestamp, signature) {
			logger.Warn("Rejected admin request", "path", r.URL.Path, "requestId", GetRequestID(r.Context()))
			WriteError(w, http.StatusUnauthorized, "NOT_OWNER", "Invalid admin signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// readSignedBody reads the body for signature checks and restores it for the next handler
func readSignedBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// RouterSecret is the signing secret issued to router id
func (node *RelayNode) RouterSecret(id RouterID) string {
	mac := hmac.New(sha256.New, node.routerKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// RouterAuthMiddleware admits only registered routers that signed the request
// with their issued secret. A malformed id is 400 INVALID_ROUTER; anything
// else that fails is 403 NOT_ROUTER.
func (node *RelayNode) RouterAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RouterID(r.Header.Get(RouterIDHeader))
		if !IsValidRouterID(id) {
			WriteError(w, http.StatusBadRequest, "INVALID_ROUTER", "Missing or invalid "+RouterIDHeader+" header")
			return
		}

		signature := r.Header.Get(RouterSignatureHeader)
		timestamp, err := strconv.ParseInt(r.Header.Get(RouterTimestampHeader), 10, 64)
		if signature == "" || err != nil {
			WriteError(w, http.StatusForbidden, "NOT_ROUTER", "Missing router signature")
			return
		}

		body, err := readSignedBody(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
			return
		}

		if !VerifyRequest(r.Method, r.URL.Path, body, node.RouterSecret(id), timestamp, signature) {
			logger.Warn("Rejected router request", "router", id, "path", r.URL.Path, "requestId", GetRequestID(r.Context()))
			WriteError(w, http.StatusForbidden, "NOT_ROUTER", "Invalid router signature")
			return
		}
		if _, registered := node.RouterCredibility(id); !registered {
			WriteError(w, http.StatusForbidden, "NOT_ROUTER", "Router is not registered")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RouterContextKey, id)))
	})
}

// routerFromContext returns the router verified by RouterAuthMiddleware
func routerFromContext(ctx context.Context) (RouterID, bool) {
	id, ok := ctx.Value(RouterContextKey).(RouterID)
	return id, ok
}
