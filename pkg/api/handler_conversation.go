package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/rvastories/storyloom/pkg/models"
)

// startConversationHandler handles POST /conversation/start.
func (s *Server) startConversationHandler(c *echo.Context) error {
	var req StartConversationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", err.Error()))
	}
	if req.CoreIdea == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "core_idea field is required"))
	}

	res, err := s.engine.Start(c.Request().Context(), req.CoreIdea, req.UserID)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusCreated, turnResponse(res))
}

// continueConversationHandler handles POST /conversation/continue/:id.
func (s *Server) continueConversationHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "session id is required"))
	}

	var req ContinueConversationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", err.Error()))
	}

	res, err := s.engine.Continue(c.Request().Context(), sessionID, req.Message)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, turnResponse(res))
}

// selectOptionHandler handles POST /conversation/select-option/:id.
func (s *Server) selectOptionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "session id is required"))
	}

	var req SelectOptionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", err.Error()))
	}
	if req.OptionType == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "option_type field is required"))
	}
	if req.OptionIndex == nil {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "option_index field is required"))
	}

	res, err := s.engine.SelectOption(c.Request().Context(), sessionID, models.OptionType(req.OptionType), *req.OptionIndex)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, turnResponse(res))
}

// generateFinalHandler handles POST /conversation/generate-final/:id.
func (s *Server) generateFinalHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "session id is required"))
	}

	var req GenerateFinalRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", err.Error()))
	}
	if req.Style == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "style field is required"))
	}

	res, err := s.engine.GenerateFinal(c.Request().Context(), sessionID, req.Style)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, turnResponse(res))
}
