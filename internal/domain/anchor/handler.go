package anchor

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/anchor/internal/platform/auth"
	"github.com/ehr/anchor/pkg/pagination"
)

// Trigger starts a batch run on demand and reports on the latest one.
type Trigger interface {
	Trigger(ctx context.Context, limit int) (*RunReport, error)
	Running() bool
	LastReport() (*RunReport, error)
}

type Handler struct {
	repo     QueueRepository
	producer *Producer
	trigger  Trigger
}

func NewHandler(repo QueueRepository, producer *Producer, trigger Trigger) *Handler {
	return &Handler{repo: repo, producer: producer, trigger: trigger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("auditor"))
	read.GET("/anchors", h.List)
	read.GET("/anchors/stats", h.Stats)
	read.GET("/anchors/runs/last", h.LastRun)
	read.GET("/anchors/:id", h.Get)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/anchors", h.Enqueue)
	write.POST("/anchors/run", h.Run)
}

type enqueueRequest struct {
	RecordID string `json:"record_id"`
	Hash     string `json:"hash"`
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.producer.Enqueue(c.Request().Context(), req.RecordID, req.Hash)
	if err != nil {
		var storeErr *QueueStoreError
		if errors.As(err, &storeErr) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "anchor request not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+string(status))
	}

	items, total, err := h.repo.List(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	filters := url.Values{}
	if status != "" {
		filters.Set("status", string(status))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).
		WithLinks(p, c.Request().URL.Path, filters))
}

func (h *Handler) Stats(c echo.Context) error {
	counts, err := h.repo.CountByStatus(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	last, err := h.repo.LastAnchoredAt(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"counts":           counts,
		"last_anchored_at": last,
	})
}

func (h *Handler) Run(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	report, err := h.trigger.Trigger(c.Request().Context(), limit)
	if errors.Is(err, ErrRunInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		if report == nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusInternalServerError, report)
	}
	return c.JSON(http.StatusOK, report)
}

type lastRunResponse struct {
	Running bool       `json:"running"`
	Report  *RunReport `json:"report"`
	Error   string     `json:"error,omitempty"`
}

// LastRun shows whether a run is in flight and the outcome of the latest one.
// Report is null until the first run completes.
func (h *Handler) LastRun(c echo.Context) error {
	resp := lastRunResponse{Running: h.trigger.Running()}
	report, err := h.trigger.LastReport()
	resp.Report = report
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
