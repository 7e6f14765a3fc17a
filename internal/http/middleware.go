package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/sms-crm/internal/metrics"
)

const SignatureHeader = "X-Webhook-Signature"

type ctxKey int

const userKey ctxKey = iota

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start).Seconds()

		// route pattern is only known once chi has matched
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if rp := rc.RoutePattern(); rp != "" {
				route = rp
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(elapsed)
	})
}

// requireUser takes the caller's identity from X-User-ID. Authentication
// happens upstream of this service.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_user"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uid)))
	})
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userKey).(string)
	return uid
}

// Sign returns the signature value a webhook body must carry.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature is a no-op when no secret is configured.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.WebhookSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
			return
		}
		got, err := hex.DecodeString(r.Header.Get(SignatureHeader))
		want, _ := hex.DecodeString(Sign(s.WebhookSecret, body))
		if err != nil || !hmac.Equal(got, want) {
			metrics.WebhookCallbacks.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_signature"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
