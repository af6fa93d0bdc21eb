package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listStylesHandler handles GET /styles.
func (s *Server) listStylesHandler(c *echo.Context) error {
	all := s.styles.GetAll()
	out := &StylesResponse{Styles: make([]StyleInfo, 0, len(all))}
	for _, name := range s.styles.Names() {
		style := all[name]
		out.Styles = append(out.Styles, StyleInfo{
			Name:      name,
			MaxTokens: style.MaxTokens,
			Guidance:  style.Guidance,
		})
	}
	return c.JSON(http.StatusOK, out)
}
