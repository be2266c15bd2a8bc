package appointment

import (
	"context"
	"errors"
	"net/http"
	"strconv"

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
	// Patient-facing booking surface, no authentication.
	public.POST("/appointments", h.Create)
	public.GET("/appointments/availability", h.CheckAvailability)

	staff := api.Group("", auth.RequireRole(auth.RoleStaff))
	staff.GET("/appointments", h.List)
	staff.GET("/appointments/stats", h.Stats)
	staff.GET("/appointments/today", h.ListToday)
	staff.GET("/appointments/upcoming", h.ListUpcoming)
	staff.GET("/appointments/search", h.Search)
	staff.GET("/appointments/:id", h.Get)
	staff.PATCH("/appointments/:id", h.Update)
	staff.POST("/appointments/:id/assign", h.AssignDoctor)
	staff.POST("/appointments/:id/request-payment", h.RequestPayment)
	staff.POST("/appointments/:id/mark-paid", h.MarkPaid)
	staff.POST("/appointments/:id/cancel", h.Cancel)
	staff.POST("/appointments/bulk", h.Bulk)

	// Attendance outcomes are recorded by whoever saw (or missed) the patient.
	attendance := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleDoctor))
	attendance.POST("/appointments/:id/complete", h.Complete)
	attendance.POST("/appointments/:id/no-show", h.MarkNoShow)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/appointments/:id/respond", h.DoctorRespond)
	doctor.GET("/appointments/mine", h.ListMine)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/appointments/:id", h.HardDelete)
}

// transitionResponse is the envelope for mutating endpoints. Warnings carry
// side effect failures that did not block the state change.
type transitionResponse struct {
	Appointment *Appointment `json:"appointment"`
	Warnings    []string     `json:"warnings,omitempty"`
}

type listResponse struct {
	Items []*Appointment `json:"items"`
	Total int            `json:"total"`
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		UserID: auth.UserIDFromContext(ctx),
		Role:   auth.RoleFromContext(ctx),
	}
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

func pageParams(c echo.Context) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	var (
		ive *InvalidTransitionError
		ve  *ValidationError
		ese *ExternalServiceError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "appointment was modified concurrently, reload and retry")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &ive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ive.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.As(err, &ese):
		return echo.NewHTTPError(http.StatusBadGateway, ese.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Create handles POST /appointments, the public booking form.
func (h *Handler) Create(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, warnings, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, transitionResponse{Appointment: a, Warnings: warnings})
}

// CheckAvailability handles GET /appointments/availability.
func (h *Handler) CheckAvailability(c echo.Context) error {
	date := c.QueryParam("date")
	timeSlot := c.QueryParam("time")
	department := c.QueryParam("department")
	if date == "" || timeSlot == "" || department == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "date, time and department are required")
	}

	available, reason, err := h.svc.CheckAvailability(c.Request().Context(), date, timeSlot, department, 0)
	if err != nil {
		return httpError(err)
	}
	resp := map[string]interface{}{"available": available}
	if reason != "" {
		resp["reason"] = reason
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		FullName   *string `json:"full_name"`
		Phone      *string `json:"phone"`
		Email      *string `json:"email"`
		Department *string `json:"department"`
		Date       *string `json:"appointment_date"`
		Time       *string `json:"appointment_time"`
		Reason     *string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Update(c.Request().Context(), id, UpdateFields{
		FullName:   body.FullName,
		Phone:      body.Phone,
		Email:      body.Email,
		Department: body.Department,
		Date:       body.Date,
		Time:       body.Time,
		Reason:     body.Reason,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// AssignDoctor handles POST /appointments/:id/assign.
func (h *Handler) AssignDoctor(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		DoctorID int64 `json:"doctor_id"`
	}
	if err := c.Bind(&body); err != nil || body.DoctorID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id is required")
	}
	a, warnings, err := h.svc.AssignDoctor(c.Request().Context(), id, body.DoctorID, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Appointment: a, Warnings: warnings})
}

// DoctorRespond handles POST /appointments/:id/respond.
func (h *Handler) DoctorRespond(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Accept bool   `json:"accept"`
		Note   string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, warnings, err := h.svc.DoctorRespond(c.Request().Context(), id, body.Accept, body.Note, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Appointment: a, Warnings: warnings})
}

// RequestPayment handles POST /appointments/:id/request-payment.
func (h *Handler) RequestPayment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Amount float64 `json:"amount"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, warnings, err := h.svc.RequestPayment(c.Request().Context(), id, body.Amount, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Appointment: a, Warnings: warnings})
}

func (h *Handler) MarkPaid(c echo.Context) error {
	return h.simpleTransition(c, h.svc.MarkPaid)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.simpleTransition(c, h.svc.Complete)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.simpleTransition(c, h.svc.MarkNoShow)
}

func (h *Handler) simpleTransition(c echo.Context, op func(ctx context.Context, id int64, actor Actor) (*Appointment, []string, error)) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, warnings, err := op(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Appointment: a, Warnings: warnings})
}

// Cancel handles POST /appointments/:id/cancel.
func (h *Handler) Cancel(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, warnings, err := h.svc.Cancel(c.Request().Context(), id, body.Reason, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Appointment: a, Warnings: warnings})
}

// HardDelete handles DELETE /appointments/:id.
func (h *Handler) HardDelete(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.HardDelete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Bulk handles POST /appointments/bulk.
func (h *Handler) Bulk(c echo.Context) error {
	var req BulkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := h.svc.BulkApply(c.Request().Context(), req, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) List(c echo.Context) error {
	limit, offset := pageParams(c)
	items, total, err := h.svc.List(c.Request().Context(), Status(c.QueryParam("status")), limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: emptyIfNil(items), Total: total})
}

func (h *Handler) ListToday(c echo.Context) error {
	limit, offset := pageParams(c)
	items, total, err := h.svc.ListToday(c.Request().Context(), limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: emptyIfNil(items), Total: total})
}

func (h *Handler) ListUpcoming(c echo.Context) error {
	limit, offset := pageParams(c)
	items, total, err := h.svc.ListUpcoming(c.Request().Context(), limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: emptyIfNil(items), Total: total})
}

// ListMine handles GET /appointments/mine, the signed-in doctor's schedule.
func (h *Handler) ListMine(c echo.Context) error {
	limit, offset := pageParams(c)
	actor := actorFrom(c)
	items, total, err := h.svc.ListByDoctor(c.Request().Context(), actor.UserID, limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: emptyIfNil(items), Total: total})
}

func (h *Handler) Search(c echo.Context) error {
	limit, offset := pageParams(c)
	items, total, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"), limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: emptyIfNil(items), Total: total})
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func emptyIfNil(items []*Appointment) []*Appointment {
	if items == nil {
		return []*Appointment{}
	}
	return items
}
