package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := StoreUnavailable("announce", cause)
		assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
		assert.Contains(t, err.Error(), "announce")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"state": "established"}
		err := Signaling("offer rejected").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})

	t.Run("only store unavailable is retryable", func(t *testing.T) {
		assert.True(t, StoreUnavailable("list", nil).Retryable())
		assert.False(t, NoPartnersAvailable().Retryable())
		assert.False(t, SessionConflict("busy").Retryable())
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("targetId", "invalid") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("payload") }, ErrCodeMissingRequired},
		{"NoPartnersAvailable", NoPartnersAvailable, ErrCodeNoPartnersAvailable},
		{"SessionConflict", func() *AppError { return SessionConflict("busy") }, ErrCodeSessionConflict},
		{"SessionNotActive", SessionNotActive, ErrCodeSessionNotActive},
		{"Signaling", func() *AppError { return Signaling("stale offer") }, ErrCodeSignaling},
		{"MediaSetup", func() *AppError { return MediaSetup(errors.New("no codecs")) }, ErrCodeMediaSetup},
		{"RateLimitExceeded", RateLimitExceeded, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
		{"StoreUnavailable", func() *AppError { return StoreUnavailable("claim", nil) }, ErrCodeStoreUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestMediaSetup(t *testing.T) {
	t.Run("wraps transport error", func(t *testing.T) {
		cause := errors.New("ice gathering failed")
		err := MediaSetup(cause)
		assert.Equal(t, ErrCodeMediaSetup, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIsAppError(t *testing.T) {
	t.Run("returns true for AppError", func(t *testing.T) {
		assert.True(t, IsAppError(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		assert.False(t, IsAppError(errors.New("standard error")))
	})

	t.Run("returns true for AppError wrapped with %w", func(t *testing.T) {
		wrapped := fmt.Errorf("publish offer: %w", Signaling("stale"))
		assert.True(t, IsAppError(wrapped))
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := New(ErrCodeNotFound, "Session not found")
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeSessionNotActive, GetCode(SessionNotActive()))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})
}

func TestIs(t *testing.T) {
	t.Run("matches code through wrapping", func(t *testing.T) {
		err := fmt.Errorf("request match: %w", NoPartnersAvailable())
		assert.True(t, Is(err, ErrCodeNoPartnersAvailable))
		assert.False(t, Is(err, ErrCodeSessionConflict))
	})

	t.Run("false for plain errors", func(t *testing.T) {
		assert.False(t, Is(errors.New("x"), ErrCodeInternal))
	})
}

func TestNotFoundMessage(t *testing.T) {
	t.Run("formats resource name correctly", func(t *testing.T) {
		assert.Equal(t, "Session not found", NotFound("Session").Message)
	})
}
