package record

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medseal/medseal/internal/platform/auth"
	"github.com/medseal/medseal/internal/platform/signing"
	"github.com/medseal/medseal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/records", h.CreateRecord)
	api.GET("/records", h.ListRecords)
	api.GET("/records/:id", h.GetRecord)
	api.PUT("/records/:id", h.MutateRecord)
	api.POST("/records/:id/confirm", h.ConfirmRecord)
	api.DELETE("/records/:id", h.DeleteRecord)
	api.GET("/records/:id/history", h.GetHistory)
}

func actorFrom(c echo.Context) Actor {
	return Actor{
		ID:        auth.ActorIDFromContext(c.Request().Context()),
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		Path:      c.Request().URL.Path,
	}
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := h.svc.Create(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := map[string]string{}
	for _, key := range []string{"visit-ref", "confirmed", "include-deleted"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	items, total, err := h.svc.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type mutateInput struct {
	Content *string `json:"content"`
	Reason  string  `json:"reason"`
}

func (h *Handler) MutateRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in mutateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := h.svc.Mutate(c.Request().Context(), id, in.Content, actorFrom(c), in.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ConfirmRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	rec, err := h.svc.Confirm(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type deleteInput struct {
	Reason string `json:"reason"`
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in deleteInput
	_ = c.Bind(&in) // body is optional

	if err := h.svc.SoftDelete(c.Request().Context(), id, actorFrom(c), in.Reason); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	if v := c.QueryParam("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || version < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
		content, err := h.svc.ContentAt(c.Request().Context(), id, version)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"version": version, "content": content})
	}

	history, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, history)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRecordDeleted):
		return echo.NewHTTPError(http.StatusGone, "record has been deleted")
	case errors.Is(err, ErrAlreadyConfirmed):
		return echo.NewHTTPError(http.StatusConflict, "record already confirmed")
	case errors.Is(err, ErrRecordLocked):
		return echo.NewHTTPError(http.StatusConflict, "confirmed record is locked")
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "concurrent modification, retry")
	case errors.Is(err, signing.ErrSigningKeyUnavailable):
		return echo.NewHTTPError(http.StatusInternalServerError, "confirmation unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "operation failed")
	}
}
