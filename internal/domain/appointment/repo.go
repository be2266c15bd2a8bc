package appointment

import (
	"context"
	"time"
)

// TransitionFields carries the column updates applied together with a status
// change. Nil pointer fields are left untouched; the Clear flags null out
// their column.
type TransitionFields struct {
	DoctorID              *int64
	ClearDoctor           bool
	DoctorResponse        *string
	Notes                 *string
	CancellationReason    *string
	PaymentRequested      *bool
	PaymentAmount         *float64
	PaymentRequestedAt    *time.Time
	PaymentCompleted      *bool
	PaymentCompletedAt    *time.Time
	DoctorNotifiedAt      *time.Time
	ClearDoctorNotifiedAt bool
}

// UpdateFields is the staff-editable subset of patient-supplied fields.
type UpdateFields struct {
	FullName   *string
	Phone      *string
	Email      *string
	Department *string
	Date       *string
	Time       *string
	Reason     *string
}

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id int64) (*Appointment, error)
	Update(ctx context.Context, id int64, fields UpdateFields) (*Appointment, error)
	Delete(ctx context.Context, id int64) error

	// CountBooked counts non-cancelled appointments holding the slot,
	// excluding excludeID when non-zero.
	CountBooked(ctx context.Context, date, timeSlot, department string, excludeID int64) (int, error)

	// ApplyTransition atomically moves the appointment from expected to next
	// in a single conditional update. It returns ErrConflict when the stored
	// status no longer equals expected, ErrNotFound when the id is unknown.
	ApplyTransition(ctx context.Context, id int64, expected, next Status, fields TransitionFields) (*Appointment, error)

	SetEmailSent(ctx context.Context, id int64) error
	SetReminderSent(ctx context.Context, id int64) error

	List(ctx context.Context, status Status, limit, offset int) ([]*Appointment, int, error)
	ListByDate(ctx context.Context, date string, limit, offset int) ([]*Appointment, int, error)
	ListBetween(ctx context.Context, from, to string, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]*Appointment, int, error)
	Search(ctx context.Context, q string, limit, offset int) ([]*Appointment, int, error)

	// ListForReminder returns CONFIRMED/PAID appointments on the given date
	// that have not been reminded yet.
	ListForReminder(ctx context.Context, date string) ([]*Appointment, error)

	// ListPendingConfirmation returns PENDING appointments created before
	// cutoff whose confirmation email never went out.
	ListPendingConfirmation(ctx context.Context, cutoff time.Time) ([]*Appointment, error)

	Stats(ctx context.Context, today string) (*Stats, error)
}
