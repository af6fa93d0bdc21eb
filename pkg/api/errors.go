package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/llm"
	"github.com/rvastories/storyloom/pkg/store"
)

// ErrorBody is the envelope every failed request carries.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure class and a human-readable message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// envelopeError carries the envelope through the HTTPError's wrapped
// error; echo/v5 types HTTPError.Message as a plain string, so the
// structured body cannot ride in the message field itself.
type envelopeError struct {
	body *ErrorBody
}

func (e *envelopeError) Error() string { return e.body.Error.Message }

// errorEnvelope recovers the envelope apiError attached.
func errorEnvelope(err error) (*ErrorBody, bool) {
	var env *envelopeError
	if errors.As(err, &env) {
		return env.body, true
	}
	return nil, false
}

// apiError builds an echo.HTTPError carrying the error envelope.
func apiError(status int, kind, message string) *echo.HTTPError {
	env := &envelopeError{body: &ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}}}
	return echo.NewHTTPError(status, message).Wrap(env).(*echo.HTTPError)
}

// writeError renders a mapped error as JSON. Handlers return its
// result so the envelope shape never depends on framework defaults.
func writeError(c *echo.Context, he *echo.HTTPError) error {
	body, _ := errorEnvelope(he)
	return c.JSON(he.Code, body)
}

// mapEngineError maps engine-layer errors to HTTP error responses.
func mapEngineError(err error) *echo.HTTPError {
	var validErr *engine.ValidationError
	if errors.As(err, &validErr) {
		return apiError(http.StatusBadRequest, "invalid_input", validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return apiError(http.StatusNotFound, "not_found", "session not found")
	}
	if errors.Is(err, store.ErrExpired) {
		return apiError(http.StatusGone, "expired", "session expired; start a new story or fetch the export")
	}
	if errors.Is(err, engine.ErrInvalidTransition) || errors.Is(err, store.ErrTerminal) {
		return apiError(http.StatusConflict, "invalid_transition", err.Error())
	}
	if errors.Is(err, store.ErrConflict) {
		return apiError(http.StatusConflict, "conflict", "the session changed underneath this request; fetch it and retry")
	}
	if errors.Is(err, engine.ErrGenerationIncomplete) {
		return apiError(http.StatusBadGateway, "generation_incomplete", "option generation did not complete; send another message to retry")
	}
	if errors.Is(err, llm.ErrOverloaded) {
		return apiError(http.StatusServiceUnavailable, "overloaded", "too many stories in flight; try again shortly")
	}
	if errors.Is(err, llm.ErrUnavailable) {
		return apiError(http.StatusServiceUnavailable, "unavailable", "the language model is unavailable; try again shortly")
	}
	if errors.Is(err, llm.ErrDeadline) || errors.Is(err, context.DeadlineExceeded) {
		return apiError(http.StatusGatewayTimeout, "generation_timeout", "generation ran out of time; try again")
	}

	// Unexpected error
	slog.Error("Unexpected engine error", "error", err)
	return apiError(http.StatusInternalServerError, "internal", "internal server error")
}
