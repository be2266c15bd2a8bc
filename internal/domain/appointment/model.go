// Package appointment implements the clinic appointment lifecycle: a closed
// status state machine driven by role-gated transitions, with post-commit
// side effects (emails, patient account provisioning) and a bulk coordinator.
package appointment

import "time"

// Status is an appointment's position in the lifecycle.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAwaitingDoctor   Status = "AWAITING_DOCTOR_APPROVAL"
	StatusConfirmed        Status = "CONFIRMED"
	StatusPaymentRequested Status = "PAYMENT_REQUESTED"
	StatusPaid             Status = "PAID"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusNoShow           Status = "NO_SHOW"
)

// legacyNeedsPayment is an old stored alias of PAYMENT_REQUESTED still
// present in migrated rows. It is normalized on read and never written.
const legacyNeedsPayment Status = "NEEDS_PAYMENT"

var validStatuses = map[Status]bool{
	StatusPending:          true,
	StatusAwaitingDoctor:   true,
	StatusConfirmed:        true,
	StatusPaymentRequested: true,
	StatusPaid:             true,
	StatusCompleted:        true,
	StatusCancelled:        true,
	StatusNoShow:           true,
}

// NormalizeStatus maps legacy stored values onto the closed status set.
func NormalizeStatus(s Status) Status {
	if s == legacyNeedsPayment {
		return StatusPaymentRequested
	}
	return s
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Valid reports whether s (after normalization) is in the closed status set.
func (s Status) Valid() bool {
	return validStatuses[NormalizeStatus(s)]
}

// DateFormat is the wire and storage format of appointment dates.
const DateFormat = "2006-01-02"

// Appointment is the central entity. Patient-supplied fields come from the
// public booking form; workflow fields are mutated only through validated
// transitions.
type Appointment struct {
	ID         int64  `json:"id"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Department string `json:"department"`
	Date       string `json:"appointment_date"`
	Time       string `json:"appointment_time"`
	Reason     *string `json:"reason,omitempty"`

	Status             Status     `json:"status"`
	DoctorID           *int64     `json:"doctor_id,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	DoctorResponse     *string    `json:"doctor_response,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	PaymentRequested   bool       `json:"payment_requested"`
	PaymentCompleted   bool       `json:"payment_completed"`
	PaymentAmount      *float64   `json:"payment_amount,omitempty"`
	PaymentRequestedAt *time.Time `json:"payment_requested_at,omitempty"`
	PaymentCompletedAt *time.Time `json:"payment_completed_at,omitempty"`
	EmailSent          bool       `json:"email_sent"`
	ReminderSent       bool       `json:"reminder_sent"`
	DoctorNotifiedAt   *time.Time `json:"doctor_notified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats is the dashboard counters aggregate.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Today     int `json:"today"`
}
