package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medseal/medseal/internal/platform/auth"
	"github.com/medseal/medseal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("auditor")

	read := api.Group("", role)
	read.GET("/audit-entries", h.ListEntries)
	read.GET("/audit-entries/verify", h.VerifyChain)
	read.GET("/audit-entries/:id", h.GetEntry)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := map[string]string{}
	for _, key := range []string{"action", "category", "severity", "actor", "entity-type", "entity-id"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	items, total, err := h.svc.SearchEntries(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyChain(c echo.Context) error {
	fromSeq, err := seqParam(c, "from", 1)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from sequence")
	}
	toSeq, err := seqParam(c, "to", 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to sequence")
	}

	report, err := h.svc.VerifyChain(c.Request().Context(), fromSeq, toSeq)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	return c.JSON(http.StatusOK, report)
}

func seqParam(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid sequence")
	}
	return v, nil
}
