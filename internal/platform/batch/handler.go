package batch

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/auth"
	"github.com/ils/insight/internal/platform/db"
)

// Handler exposes the on-demand batch trigger.
type Handler struct {
	runner        *Runner
	defaultMonths int
	validate      *validator.Validate
	now           func() time.Time
}

func NewHandler(runner *Runner, defaultMonths int) *Handler {
	return &Handler{runner: runner, defaultMonths: defaultMonths, validate: validator.New(), now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "manager"))
	g.POST("/batch-runs", h.TriggerRun)
}

type runRequest struct {
	WindowMonths int `json:"window_months" validate:"omitempty,min=1,max=60"`
}

func (h *Handler) TriggerRun(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	var req runRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	months := req.WindowMonths
	if months == 0 {
		months = h.defaultMonths
	}

	sum, err := h.runner.Run(c.Request().Context(), tenantID, sales.TrailingMonths(h.now(), months))
	switch {
	case errors.Is(err, ErrRunInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrCrossTenant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case err != nil && sum.Failed == 0:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Partial failures still report what was written.
	return c.JSON(http.StatusOK, sum)
}
