package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getSessionHandler handles GET /conversation/session/:id. Expired
// sessions answer 410 here; the export route still serves them.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "session id is required"))
	}

	session, err := s.engine.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, session)
}

// activeSessionsHandler handles GET /conversation/sessions/active.
func (s *Server) activeSessionsHandler(c *echo.Context) error {
	summaries, err := s.engine.ListActive(c.Request().Context())
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, &ActiveSessionsResponse{
		Sessions: summaries,
		Count:    len(summaries),
	})
}

// exportSessionHandler handles GET /conversation/export/:id. Serves
// any retained session verbatim, terminal or not.
func (s *Server) exportSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return writeError(c, apiError(http.StatusBadRequest, "invalid_input", "session id is required"))
	}

	snapshot, err := s.engine.Export(c.Request().Context(), sessionID)
	if err != nil {
		return writeError(c, mapEngineError(err))
	}

	return c.JSON(http.StatusOK, snapshot)
}
