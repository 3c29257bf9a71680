package review

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/auth"
)

// HeaderViewerID names the browser tab or session a highlight belongs to.
const HeaderViewerID = "X-Viewer-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician))
	g.GET("/documents/:id/citations", h.ListCitations)
	g.POST("/documents/:id/citations/:pid/resolve", h.ResolveCitation)
	g.GET("/viewers/:viewer/highlight", h.GetHighlight)
}

func (h *Handler) ListCitations(c echo.Context) error {
	items, err := h.svc.CitationsForDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return records.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) ResolveCitation(c echo.Context) error {
	viewer := c.Request().Header.Get(HeaderViewerID)
	if viewer == "" {
		viewer = auth.UserIDFromContext(c.Request().Context())
	}
	res, err := h.svc.ResolveCitation(c.Request().Context(), viewer, c.Param("id"), c.Param("pid"))
	if err != nil {
		return records.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetHighlight(c echo.Context) error {
	hl, ok := h.svc.CurrentHighlight(c.Param("viewer"))
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"highlight": nil})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"highlight": hl})
}
