package directory

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(public *echo.Group, api *echo.Group) {
	public.GET("/departments", h.ListDepartments)

	staffGroup := api.Group("", auth.RequireRole(auth.RoleStaff))
	staffGroup.GET("/doctors", h.ListDoctors)
}

// ListDepartments handles GET /departments.
func (h *Handler) ListDepartments(c echo.Context) error {
	return c.JSON(http.StatusOK, Departments())
}

// ListDoctors handles GET /doctors?department=...; with a department it
// returns only doctors eligible for it.
func (h *Handler) ListDoctors(c echo.Context) error {
	department := c.QueryParam("department")
	if department != "" && !ValidDepartment(department) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown department")
	}

	var (
		doctors []*User
		err     error
	)
	if department != "" {
		doctors, err = h.svc.EligibleDoctors(c.Request().Context(), department)
	} else {
		doctors, err = h.svc.ListDoctors(c.Request().Context())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if doctors == nil {
		doctors = []*User{}
	}
	return c.JSON(http.StatusOK, doctors)
}
