package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/duochat/signal-server/internal/errors"
)

// parseCursor reads a sequence cursor from the query. Missing means 0.
func parseCursor(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}

	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, apperrors.InvalidInput(name, "must be a non-negative integer")
	}
	return after, nil
}
