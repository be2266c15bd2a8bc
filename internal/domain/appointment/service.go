package appointment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/directory"
	"github.com/clinic/clinic/internal/platform/notification"
)

// maxPerSlot is how many non-cancelled appointments may share one
// (date, time, department) slot.
const maxPerSlot = 3

// Mailer is the slice of the notification platform the service uses.
type Mailer interface {
	SendTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

type Service struct {
	repo      Repository
	directory *directory.Service
	mailer    Mailer
	logger    zerolog.Logger

	defaultPaymentAmount float64
	bulkWorkers          int
}

func NewService(repo Repository, dir *directory.Service, mailer Mailer, logger zerolog.Logger, defaultPaymentAmount float64, bulkWorkers int) *Service {
	if bulkWorkers < 1 {
		bulkWorkers = 1
	}
	return &Service{
		repo:                 repo,
		directory:            dir,
		mailer:               mailer,
		logger:               logger,
		defaultPaymentAmount: defaultPaymentAmount,
		bulkWorkers:          bulkWorkers,
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	return a, storeErr(err)
}

// BookingRequest is the public booking form payload.
type BookingRequest struct {
	FullName   string  `json:"full_name"`
	Phone      string  `json:"phone"`
	Email      string  `json:"email"`
	Department string  `json:"department"`
	Date       string  `json:"appointment_date"`
	Time       string  `json:"appointment_time"`
	Reason     *string `json:"reason,omitempty"`
}

func (b *BookingRequest) validate() error {
	if strings.TrimSpace(b.FullName) == "" {
		return validationErrorf("full_name is required")
	}
	if strings.TrimSpace(b.Phone) == "" {
		return validationErrorf("phone is required")
	}
	if strings.TrimSpace(b.Email) == "" || !strings.Contains(b.Email, "@") {
		return validationErrorf("a valid email is required")
	}
	if !directory.ValidDepartment(b.Department) {
		return validationErrorf("unknown department: %s", b.Department)
	}
	if _, err := time.Parse(DateFormat, b.Date); err != nil {
		return validationErrorf("appointment_date must be YYYY-MM-DD")
	}
	if strings.TrimSpace(b.Time) == "" {
		return validationErrorf("appointment_time is required")
	}
	return nil
}

// CheckAvailability reports whether a slot can take one more booking.
// excludeID, when non-zero, removes the appointment being edited from its own
// collision check.
func (s *Service) CheckAvailability(ctx context.Context, date, timeSlot, department string, excludeID int64) (bool, string, error) {
	day, err := time.Parse(DateFormat, date)
	if err != nil {
		return false, "", validationErrorf("appointment_date must be YYYY-MM-DD")
	}
	if day.Before(today()) {
		return false, "the requested date is in the past", nil
	}

	count, err := s.repo.CountBooked(ctx, date, timeSlot, department, excludeID)
	if err != nil {
		return false, "", storeErr(err)
	}
	if count >= maxPerSlot {
		return false, "the requested time slot is fully booked", nil
	}
	return true, "", nil
}

// Create books a new appointment from the public form. The confirmation
// email is best-effort: its failure is returned as a warning.
func (s *Service) Create(ctx context.Context, req BookingRequest) (*Appointment, []string, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	available, reason, err := s.CheckAvailability(ctx, req.Date, req.Time, req.Department, 0)
	if err != nil {
		return nil, nil, err
	}
	if !available {
		return nil, nil, validationErrorf("slot unavailable: %s", reason)
	}

	a := &Appointment{
		FullName:   strings.TrimSpace(req.FullName),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
		Department: req.Department,
		Date:       req.Date,
		Time:       req.Time,
		Reason:     req.Reason,
		Status:     StatusPending,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, nil, storeErr(err)
	}

	s.logger.Info().Int64("appointment_id", a.ID).Str("department", a.Department).Msg("appointment booked")

	var warnings []string
	if _, err := s.mailer.SendTemplate(ctx, notification.TemplateConfirmation, s.emailData(a), a.Email); err != nil {
		warnings = append(warnings, fmt.Sprintf("confirmation email failed: %v", err))
	} else {
		if err := s.repo.SetEmailSent(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("could not flag email_sent")
		}
		a.EmailSent = true
	}
	return a, warnings, nil
}

// Update edits the patient-supplied fields of an appointment, re-checking
// availability when the slot changes.
func (s *Service) Update(ctx context.Context, id int64, f UpdateFields) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if a.Status.Terminal() {
		return nil, validationErrorf("cannot edit a %s appointment", a.Status)
	}

	if f.Email != nil && (strings.TrimSpace(*f.Email) == "" || !strings.Contains(*f.Email, "@")) {
		return nil, validationErrorf("a valid email is required")
	}
	if f.Department != nil && !directory.ValidDepartment(*f.Department) {
		return nil, validationErrorf("unknown department: %s", *f.Department)
	}
	if f.Date != nil {
		if _, err := time.Parse(DateFormat, *f.Date); err != nil {
			return nil, validationErrorf("appointment_date must be YYYY-MM-DD")
		}
	}

	if f.Date != nil || f.Time != nil || f.Department != nil {
		date, timeSlot, department := a.Date, a.Time, a.Department
		if f.Date != nil {
			date = *f.Date
		}
		if f.Time != nil {
			timeSlot = *f.Time
		}
		if f.Department != nil {
			department = *f.Department
		}
		available, reason, err := s.CheckAvailability(ctx, date, timeSlot, department, id)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, validationErrorf("slot unavailable: %s", reason)
		}
	}

	updated, err := s.repo.Update(ctx, id, f)
	return updated, storeErr(err)
}

// AssignDoctor moves a PENDING appointment to AWAITING_DOCTOR_APPROVAL under
// the given doctor, who must be active and eligible for the department.
func (s *Service) AssignDoctor(ctx context.Context, id, doctorID int64, actor Actor) (*Appointment, []string, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	decision, err := Validate(a.Status, StatusAwaitingDoctor, actor, a.DoctorID)
	if err != nil {
		return nil, nil, err
	}
	if decision.NoOp {
		return a, nil, nil
	}

	doctor, err := s.directory.GetUser(ctx, doctorID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil, validationErrorf("doctor %d not found", doctorID)
		}
		return nil, nil, &ExternalServiceError{Service: "user directory", Err: err}
	}
	if doctor.Role != "DOCTOR" || !doctor.Active {
		return nil, nil, validationErrorf("user %d is not an active doctor", doctorID)
	}
	if !directory.Eligible(doctor, a.Department) {
		return nil, nil, validationErrorf("doctor %d is not eligible for department %s", doctorID, a.Department)
	}

	now := time.Now().UTC()
	updated, err := s.repo.ApplyTransition(ctx, id, a.Status, StatusAwaitingDoctor, TransitionFields{
		DoctorID:         &doctorID,
		DoctorNotifiedAt: &now,
	})
	if err != nil {
		return nil, nil, storeErr(err)
	}

	warnings := s.dispatch(ctx, updated, decision.Effects)
	return updated, warnings, nil
}

// DoctorRespond is the assigned doctor accepting or declining. Declining
// requires a reason and returns the appointment to the unassigned pool.
func (s *Service) DoctorRespond(ctx context.Context, id int64, accept bool, note string, actor Actor) (*Appointment, []string, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	target := StatusConfirmed
	if !accept {
		target = StatusPending
		if strings.TrimSpace(note) == "" {
			return nil, nil, validationErrorf("a decline reason is required")
		}
	}

	decision, err := Validate(a.Status, target, actor, a.DoctorID)
	if err != nil {
		return nil, nil, err
	}
	if decision.NoOp {
		return a, nil, nil
	}

	fields := TransitionFields{}
	if accept {
		response := "ACCEPTED"
		if strings.TrimSpace(note) != "" {
			response = "ACCEPTED: " + strings.TrimSpace(note)
			fields.Notes = &note
		}
		fields.DoctorResponse = &response
	} else {
		response := "DECLINED: " + strings.TrimSpace(note)
		fields.DoctorResponse = &response
		fields.ClearDoctor = true
		fields.ClearDoctorNotifiedAt = true
	}

	updated, err := s.repo.ApplyTransition(ctx, id, a.Status, target, fields)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	warnings := s.dispatch(ctx, updated, decision.Effects)
	return updated, warnings, nil
}

// RequestPayment moves a CONFIRMED appointment to PAYMENT_REQUESTED. A zero
// amount selects the configured default; anything non-positive or non-finite
// is rejected before any store call.
func (s *Service) RequestPayment(ctx context.Context, id int64, amount float64, actor Actor) (*Appointment, []string, error) {
	if amount == 0 {
		amount = s.defaultPaymentAmount
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, nil, validationErrorf("payment amount must be a positive finite number")
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	decision, err := Validate(a.Status, StatusPaymentRequested, actor, a.DoctorID)
	if err != nil {
		return nil, nil, err
	}
	if decision.NoOp {
		return a, nil, nil
	}

	requested := true
	now := time.Now().UTC()
	updated, err := s.repo.ApplyTransition(ctx, id, a.Status, StatusPaymentRequested, TransitionFields{
		PaymentRequested:   &requested,
		PaymentAmount:      &amount,
		PaymentRequestedAt: &now,
	})
	if err != nil {
		return nil, nil, storeErr(err)
	}

	warnings := s.dispatch(ctx, updated, decision.Effects)
	return updated, warnings, nil
}

// MarkPaid records payment completion on a PAYMENT_REQUESTED appointment.
func (s *Service) MarkPaid(ctx context.Context, id int64, actor Actor) (*Appointment, []string, error) {
	return s.transition(ctx, id, StatusPaid, actor, func(a *Appointment) (TransitionFields, error) {
		completed := true
		now := time.Now().UTC()
		return TransitionFields{
			PaymentCompleted:   &completed,
			PaymentCompletedAt: &now,
		}, nil
	})
}

// Complete closes out a PAID appointment and provisions the patient account.
func (s *Service) Complete(ctx context.Context, id int64, actor Actor) (*Appointment, []string, error) {
	return s.transition(ctx, id, StatusCompleted, actor, nil)
}

// MarkNoShow records a missed CONFIRMED or PAID appointment.
func (s *Service) MarkNoShow(ctx context.Context, id int64, actor Actor) (*Appointment, []string, error) {
	return s.transition(ctx, id, StatusNoShow, actor, nil)
}

// Cancel moves any non-terminal appointment to CANCELLED. The reason is
// required and stored.
func (s *Service) Cancel(ctx context.Context, id int64, reason string, actor Actor) (*Appointment, []string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, validationErrorf("a cancellation reason is required")
	}
	return s.transition(ctx, id, StatusCancelled, actor, func(a *Appointment) (TransitionFields, error) {
		return TransitionFields{CancellationReason: &reason}, nil
	})
}

// HardDelete removes an appointment unconditionally. Administrative cleanup
// only; no workflow invariants apply.
func (s *Service) HardDelete(ctx context.Context, id int64) error {
	return storeErr(s.repo.Delete(ctx, id))
}

// transition runs the shared load -> validate -> CAS -> dispatch pipeline.
// buildFields may be nil when the transition carries no extra columns.
func (s *Service) transition(ctx context.Context, id int64, target Status, actor Actor, buildFields func(*Appointment) (TransitionFields, error)) (*Appointment, []string, error) {
	updated, effects, err := s.commit(ctx, id, target, actor, buildFields)
	if err != nil {
		return nil, nil, err
	}
	if effects == nil {
		return updated, nil, nil
	}
	warnings := s.dispatch(ctx, updated, effects)
	return updated, warnings, nil
}

// commit performs the state change without dispatching side effects. The
// bulk coordinator uses it directly so notification fan-out can run in its
// own phase. A nil effects slice with nil error marks a no-op.
func (s *Service) commit(ctx context.Context, id int64, target Status, actor Actor, buildFields func(*Appointment) (TransitionFields, error)) (*Appointment, []SideEffect, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	decision, err := Validate(a.Status, target, actor, a.DoctorID)
	if err != nil {
		return nil, nil, err
	}
	if decision.NoOp {
		return a, nil, nil
	}

	var fields TransitionFields
	if buildFields != nil {
		fields, err = buildFields(a)
		if err != nil {
			return nil, nil, err
		}
	}

	updated, err := s.repo.ApplyTransition(ctx, id, a.Status, target, fields)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	effects := decision.Effects
	if effects == nil {
		effects = []SideEffect{}
	}
	return updated, effects, nil
}

// dispatch runs the post-commit side effects, best-effort. Failures come
// back as warnings and never touch the committed transition.
func (s *Service) dispatch(ctx context.Context, a *Appointment, effects []SideEffect) []string {
	var warnings []string
	for _, effect := range effects {
		if warning := s.runEffect(ctx, a, effect); warning != "" {
			warnings = append(warnings, warning)
		}
	}
	return warnings
}

func (s *Service) runEffect(ctx context.Context, a *Appointment, effect SideEffect) string {
	switch effect {
	case EffectConfirmationEmail:
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateConfirmation, s.emailData(a), a.Email); err != nil {
			return fmt.Sprintf("confirmation email failed: %v", err)
		}
		if err := s.repo.SetEmailSent(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("could not flag email_sent")
		}

	case EffectCancellationEmail:
		data := s.emailData(a)
		if a.CancellationReason != nil {
			data["reason"] = *a.CancellationReason
		}
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateCancellation, data, a.Email); err != nil {
			return fmt.Sprintf("cancellation email failed: %v", err)
		}

	case EffectPaymentRequestEmail:
		data := s.emailData(a)
		if a.PaymentAmount != nil {
			data["amount"] = fmt.Sprintf("%.0f", *a.PaymentAmount)
		}
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplatePaymentRequest, data, a.Email); err != nil {
			return fmt.Sprintf("payment request email failed: %v", err)
		}

	case EffectPaymentReceiptEmail:
		data := s.emailData(a)
		if a.PaymentAmount != nil {
			data["amount"] = fmt.Sprintf("%.0f", *a.PaymentAmount)
		}
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplatePaymentReceipt, data, a.Email); err != nil {
			return fmt.Sprintf("payment receipt email failed: %v", err)
		}

	case EffectNotifyDoctor:
		if a.DoctorID == nil {
			return "doctor notification skipped: no doctor assigned"
		}
		doctor, err := s.directory.GetUser(ctx, *a.DoctorID)
		if err != nil {
			return fmt.Sprintf("doctor notification failed: %v", err)
		}
		data := s.emailData(a)
		data["doctor_name"] = doctor.FullName
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateDoctorAssignment, data, doctor.Email); err != nil {
			return fmt.Sprintf("doctor notification failed: %v", err)
		}

	case EffectAccountWelcomeEmail:
		data := s.emailData(a)
		// Provisioned usernames are the account email.
		data["username"] = strings.TrimSpace(a.Email)
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateAccountWelcome, data, a.Email); err != nil {
			return fmt.Sprintf("welcome email failed: %v", err)
		}

	case EffectProvisionAccount:
		user, created, err := s.directory.EnsureAccount(ctx, a.Email, a.FullName, a.Phone)
		if err != nil {
			return fmt.Sprintf("account provisioning failed: %v", err)
		}
		if created {
			data := s.emailData(a)
			data["username"] = user.Username
			if _, err := s.mailer.SendTemplate(ctx, notification.TemplateAccountWelcome, data, a.Email); err != nil {
				return fmt.Sprintf("welcome email failed: %v", err)
			}
		}
	}
	return ""
}

func (s *Service) emailData(a *Appointment) map[string]string {
	return map[string]string{
		"patient_name": a.FullName,
		"department":   a.Department,
		"date":         a.Date,
		"time":         a.Time,
	}
}

// Listings

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Appointment, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, validationErrorf("unknown status: %s", status)
	}
	items, total, err := s.repo.List(ctx, NormalizeStatus(status), limit, offset)
	return items, total, storeErr(err)
}

func (s *Service) ListToday(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.repo.ListByDate(ctx, today().Format(DateFormat), limit, offset)
	return items, total, storeErr(err)
}

// ListUpcoming returns the next seven days of appointments.
func (s *Service) ListUpcoming(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	from := today()
	to := from.AddDate(0, 0, 7)
	items, total, err := s.repo.ListBetween(ctx, from.Format(DateFormat), to.Format(DateFormat), limit, offset)
	return items, total, storeErr(err)
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.repo.ListByDoctor(ctx, doctorID, limit, offset)
	return items, total, storeErr(err)
}

func (s *Service) Search(ctx context.Context, q string, limit, offset int) ([]*Appointment, int, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, 0, validationErrorf("search query is required")
	}
	items, total, err := s.repo.Search(ctx, q, limit, offset)
	return items, total, storeErr(err)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats, err := s.repo.Stats(ctx, today().Format(DateFormat))
	return stats, storeErr(err)
}

// SendReminders emails tomorrow's CONFIRMED and PAID appointments that have
// not been reminded yet. Invoked by the remind command.
func (s *Service) SendReminders(ctx context.Context) (sent int, warnings []string, err error) {
	date := today().AddDate(0, 0, 1).Format(DateFormat)
	items, err := s.repo.ListForReminder(ctx, date)
	if err != nil {
		return 0, nil, storeErr(err)
	}

	for _, a := range items {
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateReminder, s.emailData(a), a.Email); err != nil {
			warnings = append(warnings, fmt.Sprintf("reminder for appointment %d failed: %v", a.ID, err))
			continue
		}
		if err := s.repo.SetReminderSent(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("could not flag reminder_sent")
		}
		sent++
	}
	return sent, warnings, nil
}

// pendingResendAge is how long a booking must sit without a confirmation
// email before the resend job retries it.
const pendingResendAge = 30 * time.Minute

// ResendPendingConfirmations retries the booking confirmation for PENDING
// appointments whose original send failed. Invoked by the resend-pending
// command.
func (s *Service) ResendPendingConfirmations(ctx context.Context) (sent int, warnings []string, err error) {
	cutoff := time.Now().UTC().Add(-pendingResendAge)
	items, err := s.repo.ListPendingConfirmation(ctx, cutoff)
	if err != nil {
		return 0, nil, storeErr(err)
	}

	for _, a := range items {
		if _, err := s.mailer.SendTemplate(ctx, notification.TemplateConfirmation, s.emailData(a), a.Email); err != nil {
			warnings = append(warnings, fmt.Sprintf("confirmation resend for appointment %d failed: %v", a.ID, err))
			continue
		}
		if err := s.repo.SetEmailSent(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("could not flag email_sent")
		}
		sent++
	}
	return sent, warnings, nil
}

// today returns midnight UTC of the current day.
func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
