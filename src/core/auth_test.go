package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestSignAndVerifyRequest(t *testing.T) {
	secret := "owner-secret"
	body := []byte(`{"id":"r1"}`)
	ts := time.Now().Unix()

	sig := SignRequest("POST", "/api/admin/routers", body, secret, ts)
	if sig == "" {
		t.Fatal("Expected non-empty signature")
	}

	if !VerifyRequest("POST", "/api/admin/routers", body, secret, ts, sig) {
		t.Error("Expected signature to verify")
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		secret string
		ts     int64
	}{
		{"wrong method", "PUT", "/api/admin/routers", body, secret, ts},
		{"wrong path", "POST", "/api/admin/selection", body, secret, ts},
		{"tampered body", "POST", "/api/admin/routers", []byte(`{"id":"r2"}`), secret, ts},
		{"wrong secret", "POST", "/api/admin/routers", body, "other", ts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyRequest(tt.method, tt.path, tt.body, tt.secret, tt.ts, sig) {
				t.Error("Expected verification to fail")
			}
		})
	}
}

func TestVerifyRequestRejectsStaleTimestamp(t *testing.T) {
	secret := "owner-secret"
	stale := time.Now().Add(-10 * time.Minute).Unix()
	sig := SignRequest("DELETE", "/api/admin/routers", nil, secret, stale)

	if VerifyRequest("DELETE", "/api/admin/routers", nil, secret, stale, sig) {
		t.Error("Expected stale timestamp to be rejected")
	}

	future := time.Now().Add(10 * time.Minute).Unix()
	sig = SignRequest("DELETE", "/api/admin/routers", nil, secret, future)
	if VerifyRequest("DELETE", "/api/admin/routers", nil, secret, future, sig) {
		t.Error("Expected future timestamp to be rejected")
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		seenBody = buf.String()
		w.WriteHeader(http.StatusOK)
	})

	t.Run("not required", func(t *testing.T) {
		handler := NewAdminAuth("", false).Middleware(next)
		req := httptest.NewRequest("POST", "/api/admin/selection", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	handler := NewAdminAuth("owner-secret", true).Middleware(next)

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/admin/selection", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", w.Code)
		}
	})

	t.Run("bad timestamp", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/admin/selection", nil)
		req.Header.Set(AdminSignatureHeader, "sig")
		req.Header.Set(AdminTimestampHeader, "yesterday")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", w.Code)
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/admin/selection", nil)
		req.Header.Set(AdminSignatureHeader, "bm90LWEtc2lnbmF0dXJl")
		req.Header.Set(AdminTimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", w.Code)
		}
	})

	t.Run("valid signature keeps body", func(t *testing.T) {
		body := []byte(`{"value":7}`)
		ts := time.Now().Unix()
		req := httptest.NewRequest("PUT", "/api/admin/evaluation/selected-number", bytes.NewReader(body))
		req.Header.Set(AdminTimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(AdminSignatureHeader, SignRequest("PUT", "/api/admin/evaluation/selected-number", body, "owner-secret", ts))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if seenBody != string(body) {
			t.Errorf("Expected body to reach handler, got '%s'", seenBody)
		}
	})
}
