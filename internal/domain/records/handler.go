package records

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartview/internal/platform/auth"
	"github.com/ehr/chartview/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/documents", h.ListDocuments)
	read.GET("/documents/:id", h.GetDocument)
	read.GET("/documents/:id/paragraphs/:pid", h.GetParagraph)
	read.GET("/documents/:id/summary/export", h.ExportSummary)

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/patients/:id/documents", h.AddDocument)
	write.POST("/documents/:id/verify", h.VerifySummary)
}

// HTTPError maps domain errors to HTTP errors.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrParagraphNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateDocument), errors.Is(err, ErrNotVerified):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListPatients(c echo.Context) error {
	items, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c), c.Request().URL.Path))
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	items, err := h.svc.ListDocuments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c), c.Request().URL.Path))
}

func (h *Handler) GetDocument(c echo.Context) error {
	d, err := h.svc.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetParagraph(c echo.Context) error {
	p, err := h.svc.Paragraph(c.Request().Context(), c.Param("id"), c.Param("pid"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddDocument(c echo.Context) error {
	var d Document
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddDocument(c.Request().Context(), c.Param("id"), &d); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

type verifyRequest struct {
	Attested bool `json:"attested"`
}

func (h *Handler) VerifySummary(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	verifier := auth.UserIDFromContext(c.Request().Context())
	d, err := h.svc.VerifySummary(c.Request().Context(), c.Param("id"), req.Attested, verifier)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ExportSummary(c echo.Context) error {
	text, err := h.svc.ExportSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+c.Param("id")+`-summary.txt"`)
	return c.String(http.StatusOK, text)
}
