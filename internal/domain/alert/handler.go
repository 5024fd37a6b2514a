package alert

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ils/insight/internal/domain/risk"
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
	read := api.Group("", auth.RequireRole("admin", "optician", "lab_technician", "analyst"))
	read.GET("/alerts", h.ListAlerts)
	read.GET("/alerts/:id", h.GetAlert)

	write := api.Group("", auth.RequireRole("admin", "optician", "lab_technician"))
	write.POST("/risk-assessments", h.CreateAssessment)
	write.POST("/alerts/:id/dismiss", h.DismissAlert)
	write.POST("/alerts/:id/accept", h.AcceptAlert)
}

type assessmentRequest struct {
	OrderID      string                  `json:"order_id" validate:"max=64"`
	Prescription *risk.PrescriptionInput `json:"prescription" validate:"required"`
}

type assessmentResponse struct {
	Status     string               `json:"status"`
	Assessment *risk.RiskAssessment `json:"assessment,omitempty"`
	Alert      *Alert               `json:"alert,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

func (h *Handler) CreateAssessment(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	var req assessmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	assessment, a, err := h.svc.Assess(c.Request().Context(), tenantID, *req.Prescription, Origin{OrderID: req.OrderID})
	var invalid *risk.InputValidationError
	switch {
	case errors.As(err, &invalid):
		return c.JSON(http.StatusUnprocessableEntity, assessmentResponse{Status: "cannot_assess", Reason: invalid.Reason})
	case err != nil:
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, assessmentResponse{Status: "assessed", Assessment: assessment, Alert: a})
}

func (h *Handler) ListAlerts(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	var (
		items []*Alert
		total int
	)
	if status == StatusActive || status == "" && c.QueryParam("all") != "true" {
		items, total, err = h.svc.ListActive(c.Request().Context(), tenantID, pg.Limit, pg.Offset)
	} else {
		items, total, err = h.svc.List(c.Request().Context(), tenantID, status, pg.Limit, pg.Offset)
	}
	if err != nil {
		return errorResponse(err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAlert(c echo.Context) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), tenantID, id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DismissAlert(c echo.Context) error {
	return h.setStatus(c, StatusDismissed)
}

func (h *Handler) AcceptAlert(c echo.Context) error {
	return h.setStatus(c, StatusAccepted)
}

func (h *Handler) setStatus(c echo.Context, status Status) error {
	tenantID, err := db.RequireTenant(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	a, err := h.svc.SetStatus(c.Request().Context(), tenantID, id, status, actor)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, a)
}

func errorResponse(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrCrossTenant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
