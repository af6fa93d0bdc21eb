package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/llm"
	"github.com/rvastories/storyloom/pkg/store"
)

func TestMapEngineError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectKind string
	}{
		{
			name:       "validation error maps to 400",
			err:        engine.NewValidationError("core_idea", "too short"),
			expectCode: http.StatusBadRequest,
			expectKind: "invalid_input",
		},
		{
			name:       "not found maps to 404",
			err:        fmt.Errorf("wrapped: %w", store.ErrNotFound),
			expectCode: http.StatusNotFound,
			expectKind: "not_found",
		},
		{
			name:       "expired maps to 410",
			err:        fmt.Errorf("wrapped: %w", store.ErrExpired),
			expectCode: http.StatusGone,
			expectKind: "expired",
		},
		{
			name:       "invalid transition maps to 409",
			err:        fmt.Errorf("%w: continue at story_generated", engine.ErrInvalidTransition),
			expectCode: http.StatusConflict,
			expectKind: "invalid_transition",
		},
		{
			name:       "terminal session maps to 409",
			err:        store.ErrTerminal,
			expectCode: http.StatusConflict,
			expectKind: "invalid_transition",
		},
		{
			name:       "write conflict maps to 409",
			err:        fmt.Errorf("wrapped: %w", store.ErrConflict),
			expectCode: http.StatusConflict,
			expectKind: "conflict",
		},
		{
			name:       "generation incomplete maps to 502",
			err:        fmt.Errorf("%w: hook generation failed after 3 attempts", engine.ErrGenerationIncomplete),
			expectCode: http.StatusBadGateway,
			expectKind: "generation_incomplete",
		},
		{
			name:       "overloaded maps to 503",
			err:        llm.ErrOverloaded,
			expectCode: http.StatusServiceUnavailable,
			expectKind: "overloaded",
		},
		{
			name:       "unavailable maps to 503",
			err:        fmt.Errorf("depth_analysis completion: %w", llm.ErrUnavailable),
			expectCode: http.StatusServiceUnavailable,
			expectKind: "unavailable",
		},
		{
			name:       "llm deadline maps to 504",
			err:        llm.ErrDeadline,
			expectCode: http.StatusGatewayTimeout,
			expectKind: "generation_timeout",
		},
		{
			name:       "request deadline maps to 504",
			err:        fmt.Errorf("wrapped: %w", context.DeadlineExceeded),
			expectCode: http.StatusGatewayTimeout,
			expectKind: "generation_timeout",
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectKind: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapEngineError(tt.err)
			assert.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)

			body, ok := errorEnvelope(he)
			require.True(t, ok, "error message must be the envelope")
			assert.Equal(t, tt.expectKind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestMapEngineErrorNeverLeaksInternals(t *testing.T) {
	he := mapEngineError(fmt.Errorf("pgx: connection to 10.0.0.7 failed"))
	body, _ := errorEnvelope(he)
	assert.Equal(t, "internal server error", body.Error.Message)
}
