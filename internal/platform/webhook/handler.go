package webhook

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/anchor/pkg/pagination"
)

// Handler exposes the delivery audit trail via Echo HTTP routes.
type Handler struct {
	store EventStore
}

// NewHandler creates a new Handler.
func NewHandler(store EventStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes binds the read-only delivery routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
}

// List handles GET /webhook-events?record_id=&limit=&offset=.
func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	recordID := c.QueryParam("record_id")

	events, total, err := h.store.List(c.Request().Context(), recordID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	filters := url.Values{}
	if recordID != "" {
		filters.Set("record_id", recordID)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, p.Limit, p.Offset).
		WithLinks(p, c.Request().URL.Path, filters))
}
