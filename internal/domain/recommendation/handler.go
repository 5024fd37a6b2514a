package recommendation

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ils/insight/internal/platform/auth"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/pkg/pagination"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "manager", "analyst"))
	read.GET("/recommendations", h.ListRecommendations)
	read.GET("/recommendations/:id", h.GetRecommendation)

	write := api.Group("", auth.RequireRole("admin", "manager"))
	write.POST("/recommendations/:id/transition", h.TransitionRecommendation)
}

type transitionRequest struct {
	Status          Status  `json:"status" validate:"required,oneof=proposed acknowledged in_progress implemented measured rejected"`
	MeasuredOutcome *string `json:"measured_outcome" validate:"omitempty,max=2000"`
}

func (h *Handler) ListRecommendations(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	pg := pagination.FromContext(c)
	f := Filter{
		Type:     Type(c.QueryParam("type")),
		Priority: Priority(c.QueryParam("priority")),
		Status:   Status(c.QueryParam("status")),
	}
	if (f.Type != "" && !f.Type.Valid()) || (f.Priority != "" && !f.Priority.Valid()) || (f.Status != "" && !f.Status.Valid()) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter")
	}
	items, total, err := h.svc.List(c.Request().Context(), tenantID, f, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	if items == nil {
		items = []*Recommendation{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecommendation(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), tenantID, id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) TransitionRecommendation(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Transition(c.Request().Context(), tenantID, id, req.Status, req.MeasuredOutcome)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func errorResponse(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "recommendation not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDeduplicationConflict), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrMeasuredOutcomeRequired), errors.Is(err, ErrUnexpectedMeasuredOutcome):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrCrossTenant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
