package assistant

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/auth"
)

// maxWait bounds how long a send with ?wait=true blocks for the reply.
const maxWait = 30 * time.Second

type Handler struct {
	svc       *Service
	workspace *Workspace
}

func NewHandler(svc *Service, ws *Workspace) *Handler {
	return &Handler{svc: svc, workspace: ws}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician))
	g.GET("/patients/:id/conversations/:channel/messages", h.ListMessages)
	g.POST("/patients/:id/conversations/:channel/messages", h.SendMessage)
	g.GET("/workspace/current-patient", h.GetCurrentPatient)
	g.PUT("/workspace/current-patient", h.SetCurrentPatient)
	g.GET("/workspace/assistant/messages", h.ListWorkspaceMessages)
	g.POST("/workspace/assistant/messages", h.SendWorkspaceMessage)
}

// HTTPError maps assistant and records errors to HTTP errors.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrUnknownChannel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReplyInFlight), errors.Is(err, ErrConversationReset):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoScript):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrServiceShutdown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return records.HTTPError(err)
	}
}

type sendRequest struct {
	Content string `json:"content"`
}

type conversationResponse struct {
	PatientID    string     `json:"patient_id"`
	Channel      string     `json:"channel"`
	Messages     []*Message `json:"messages"`
	ReplyPending bool       `json:"reply_pending"`
}

type sendResponse struct {
	Message      *Message `json:"message"`
	Reply        *Message `json:"reply,omitempty"`
	ReplyPending bool     `json:"reply_pending"`
}

// listConversation writes the log of one conversation.
func (h *Handler) listConversation(c echo.Context, patientID, channel string) error {
	msgs, err := h.svc.History(c.Request().Context(), patientID, channel)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, conversationResponse{
		PatientID:    patientID,
		Channel:      channel,
		Messages:     msgs,
		ReplyPending: h.svc.ReplyPending(patientID, channel),
	})
}

// SendAndRespond binds the request, sends, and optionally waits for the reply
// when the "wait" query parameter is true.
func SendAndRespond(c echo.Context, send func(ctx context.Context, text string) (*Message, *Pending, error)) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, pending, err := send(c.Request().Context(), req.Content)
	if err != nil {
		return HTTPError(err)
	}
	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		ctx, cancel := context.WithTimeout(c.Request().Context(), maxWait)
		defer cancel()
		reply, err := pending.Wait(ctx)
		if err != nil {
			return HTTPError(err)
		}
		return c.JSON(http.StatusCreated, sendResponse{Message: msg, Reply: reply})
	}
	return c.JSON(http.StatusAccepted, sendResponse{Message: msg, ReplyPending: true})
}

func (h *Handler) ListMessages(c echo.Context) error {
	return h.listConversation(c, c.Param("id"), c.Param("channel"))
}

func (h *Handler) SendMessage(c echo.Context) error {
	patientID, channel := c.Param("id"), c.Param("channel")
	return SendAndRespond(c, func(ctx context.Context, text string) (*Message, *Pending, error) {
		return h.svc.Send(ctx, patientID, channel, text)
	})
}

type currentPatientRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) GetCurrentPatient(c echo.Context) error {
	user := auth.UserIDFromContext(c.Request().Context())
	return c.JSON(http.StatusOK, currentPatientRequest{PatientID: h.workspace.CurrentPatient(user)})
}

// SetCurrentPatient switches the workspace and returns the new patient's
// clinician conversation.
func (h *Handler) SetCurrentPatient(c echo.Context) error {
	var req currentPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user := auth.UserIDFromContext(c.Request().Context())
	if err := h.workspace.SetCurrentPatient(c.Request().Context(), user, req.PatientID); err != nil {
		return HTTPError(err)
	}
	return h.listConversation(c, req.PatientID, ChannelClinician)
}

func (h *Handler) ListWorkspaceMessages(c echo.Context) error {
	user := auth.UserIDFromContext(c.Request().Context())
	return h.listConversation(c, h.workspace.CurrentPatient(user), ChannelClinician)
}

func (h *Handler) SendWorkspaceMessage(c echo.Context) error {
	user := auth.UserIDFromContext(c.Request().Context())
	return SendAndRespond(c, func(ctx context.Context, text string) (*Message, *Pending, error) {
		return h.workspace.Send(ctx, user, text)
	})
}
