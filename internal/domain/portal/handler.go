package portal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartview/internal/domain/assistant"
	"github.com/ehr/chartview/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient-facing routes. Each is scoped to the
// :patient path parameter.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/portal/:patient", auth.RequirePatientAccess("patient"))
	g.GET("/home", h.GetHome)
	g.GET("/wallet", h.GetWallet)
	g.GET("/documents/:id/plain-summary", h.GetPlainSummary)
	g.GET("/chat", h.GetChat)
	g.POST("/chat", h.SendChat)
	g.POST("/share", h.CreateShareLink)
}

// RegisterPublicRoutes mounts the unauthenticated share link reader.
func (h *Handler) RegisterPublicRoutes(e *echo.Echo) {
	e.GET("/share/:token", h.ResolveShareLink)
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalidShareLink) {
		return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidShareLink.Error())
	}
	return assistant.HTTPError(err)
}

func (h *Handler) GetHome(c echo.Context) error {
	home, err := h.svc.Home(c.Request().Context(), c.Param("patient"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, home)
}

func (h *Handler) GetWallet(c echo.Context) error {
	entries, err := h.svc.Wallet(c.Request().Context(), c.Param("patient"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  entries,
		"total": len(entries),
	})
}

func (h *Handler) GetPlainSummary(c echo.Context) error {
	docID := c.Param("id")
	summary, err := h.svc.PlainSummary(c.Request().Context(), c.Param("patient"), docID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"document_id":   docID,
		"plain_summary": summary,
	})
}

func (h *Handler) GetChat(c echo.Context) error {
	patientID := c.Param("patient")
	msgs, err := h.svc.ChatHistory(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":    patientID,
		"messages":      msgs,
		"reply_pending": h.svc.ChatPending(patientID),
	})
}

func (h *Handler) SendChat(c echo.Context) error {
	patientID := c.Param("patient")
	return assistant.SendAndRespond(c, func(ctx context.Context, text string) (*assistant.Message, *assistant.Pending, error) {
		return h.svc.SendChat(ctx, patientID, text)
	})
}

type shareRequest struct {
	Email string `json:"email"`
	TTL   string `json:"ttl"`
}

func (h *Handler) CreateShareLink(c echo.Context) error {
	var req shareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid ttl: "+err.Error())
		}
		ttl = d
	}
	link, err := h.svc.CreateShareLink(c.Request().Context(), c.Param("patient"), req.Email, ttl)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, link)
}

func (h *Handler) ResolveShareLink(c echo.Context) error {
	chart, err := h.svc.ResolveShareLink(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chart)
}
