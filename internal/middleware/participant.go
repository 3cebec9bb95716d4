package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/httputil"
	"github.com/duochat/signal-server/internal/util"
)

type contextKey string

const (
	ParticipantContextKey contextKey = "participant"

	ParticipantHeader     = "X-Participant-ID"
	ParticipantQueryParam = "participant"
)

func GetParticipantID(ctx context.Context) string {
	if id, ok := ctx.Value(ParticipantContextKey).(string); ok {
		return id
	}
	return ""
}

func WithParticipantID(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, ParticipantContextKey, participantID)
}

// ParticipantMiddleware reads the caller's participant ID, which the
// surrounding application has already authenticated.
type ParticipantMiddleware struct{}

func NewParticipantMiddleware() *ParticipantMiddleware {
	return &ParticipantMiddleware{}
}

func (m *ParticipantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractParticipantID(r)
		if id == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing participant identity"))
			return
		}
		if !util.IsValidParticipantID(id) {
			httputil.WriteError(w, apperrors.InvalidInput("participant", "malformed identifier"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithParticipantID(r.Context(), id)))
	})
}

// extractParticipantID prefers the query parameter because browsers cannot
// set headers on EventSource and WebSocket requests.
func extractParticipantID(r *http.Request) string {
	if id := r.URL.Query().Get(ParticipantQueryParam); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(ParticipantHeader))
}
