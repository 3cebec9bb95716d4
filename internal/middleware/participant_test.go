package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParticipantMiddleware(t *testing.T) {
	var seen string
	handler := NewParticipantMiddleware().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetParticipantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("reads header", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest("GET", "/presence", nil)
		req.Header.Set(ParticipantHeader, "alice")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", seen)
	})

	t.Run("query parameter wins over header", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest("GET", "/sessions/x/events?participant=bob", nil)
		req.Header.Set(ParticipantHeader, "alice")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bob", seen)
	})

	t.Run("missing identity", func(t *testing.T) {
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/presence", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("malformed identity", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/presence", nil)
		req.Header.Set(ParticipantHeader, "has spaces/and slashes")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("overlong identity", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/presence", nil)
		req.Header.Set(ParticipantHeader, strings.Repeat("a", 129))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetParticipantIDEmpty(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", GetParticipantID(req.Context()))
}

func TestBodyLimitMiddleware(t *testing.T) {
	handler := NewBodyLimitMiddleware(16).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("rejects declared oversize body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("passes small body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("{}"))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
