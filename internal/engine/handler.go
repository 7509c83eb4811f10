package engine

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/limsuite/interface-engine/internal/domain/audit"
	"github.com/limsuite/interface-engine/internal/domain/job"
	"github.com/limsuite/interface-engine/internal/platform/canonical"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
	"github.com/limsuite/interface-engine/pkg/pagination"
)

// Handler exposes the engine's ingest, enqueue and operational entry
// points over HTTP.
type Handler struct {
	engine *Engine
	jobs   job.Repository
	audits audit.Repository
}

func NewHandler(e *Engine, jobs job.Repository, audits audit.Repository) *Handler {
	return &Handler{engine: e, jobs: jobs, audits: audits}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ingest/:code", h.Ingest)
	api.POST("/outbound", h.EnqueueOutbound)

	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.GET("/jobs/:id/audit", h.JobAudit)
	api.POST("/jobs/:id/ack", h.ApplyAck)
	api.POST("/jobs/:id/requeue", h.Requeue)
	api.POST("/jobs/:id/cancel", h.Cancel)

	api.POST("/process", h.ProcessPending)
	api.POST("/ack-sweep", h.AckSweep)

	api.GET("/audit", h.ListAudit)
}

// Ingest accepts raw wire bytes in the request body. The message type and
// remote correlation id travel in headers so the body stays untouched
// protocol material.
func (h *Handler) Ingest(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	messageType := job.MessageType(c.Request().Header.Get("X-Message-Type"))
	if messageType == "" {
		messageType = job.TypeResult
	}
	externalUID := c.Request().Header.Get("X-External-UID")
	credential := c.Request().Header.Get("X-API-Key")

	j, err := h.engine.Ingest(c.Request().Context(), c.Param("code"), messageType, raw, externalUID, c.RealIP(), credential)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, j)
}

type enqueueRequest struct {
	EndpointCode string            `json:"endpoint_code"`
	MessageType  job.MessageType   `json:"message_type"`
	EntityRef    string            `json:"entity_ref"`
	Revision     int               `json:"revision"`
	Payload      canonical.Payload `json:"payload"`
}

func (h *Handler) EnqueueOutbound(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	j, err := h.engine.EnqueueOutbound(c.Request().Context(), req.EndpointCode, req.MessageType, req.EntityRef, req.Revision, req.Payload)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, j)
}

func (h *Handler) ListJobs(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := job.ListFilter{
		EndpointCode: c.QueryParam("endpoint"),
		State:        job.State(c.QueryParam("state")),
		Direction:    job.Direction(c.QueryParam("direction")),
		MessageType:  job.MessageType(c.QueryParam("type")),
	}
	items, total, err := h.jobs.List(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.jobs.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) JobAudit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	entries, err := h.audits.ListByJob(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

type ackRequest struct {
	EndpointCode string           `json:"endpoint_code"`
	AckCode      protocol.AckCode `json:"ack_code"`
	Message      string           `json:"message,omitempty"`
}

func (h *Handler) ApplyAck(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	var req ackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	j, err := h.engine.ApplyAck(c.Request().Context(), req.EndpointCode, req.AckCode, id, req.Message, c.RealIP())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Requeue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.engine.Requeue(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := h.engine.Cancel(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) ProcessPending(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	n, err := h.engine.ProcessPending(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) AckSweep(c echo.Context) error {
	n, err := h.engine.EscalateAckTimeouts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"escalated": n})
}

func (h *Handler) ListAudit(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.audits.List(c.Request().Context(), c.QueryParam("endpoint"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func mapError(err error) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusBadRequest, ce.Reason)
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusUnauthorized, ae.Reason)
	}
	if errors.Is(err, job.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
