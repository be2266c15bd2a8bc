package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, full_name, phone, email, department, appointment_date, appointment_time,
	reason, status, doctor_id, notes, doctor_response, cancellation_reason,
	payment_requested, payment_completed, payment_amount, payment_requested_at, payment_completed_at,
	email_sent, reminder_sent, doctor_notified_at, created_at, updated_at`

func (r *repoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.FullName, &a.Phone, &a.Email, &a.Department, &a.Date, &a.Time,
		&a.Reason, &a.Status, &a.DoctorID, &a.Notes, &a.DoctorResponse, &a.CancellationReason,
		&a.PaymentRequested, &a.PaymentCompleted, &a.PaymentAmount, &a.PaymentRequestedAt, &a.PaymentCompletedAt,
		&a.EmailSent, &a.ReminderSent, &a.DoctorNotifiedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = NormalizeStatus(a.Status)
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (full_name, phone, email, department,
			appointment_date, appointment_time, reason, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		a.FullName, a.Phone, a.Email, a.Department, a.Date, a.Time, a.Reason, a.Status,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, id int64, f UpdateFields) (*Appointment, error) {
	set := `updated_at = NOW()`
	var args []interface{}
	idx := 1

	add := func(col string, v interface{}) {
		set += fmt.Sprintf(`, %s = $%d`, col, idx)
		args = append(args, v)
		idx++
	}
	if f.FullName != nil {
		add("full_name", *f.FullName)
	}
	if f.Phone != nil {
		add("phone", *f.Phone)
	}
	if f.Email != nil {
		add("email", *f.Email)
	}
	if f.Department != nil {
		add("department", *f.Department)
	}
	if f.Date != nil {
		add("appointment_date", *f.Date)
	}
	if f.Time != nil {
		add("appointment_time", *f.Time)
	}
	if f.Reason != nil {
		add("reason", *f.Reason)
	}

	query := fmt.Sprintf(`UPDATE appointments SET %s WHERE id = $%d RETURNING `+apptCols, set, idx)
	args = append(args, id)
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, query, args...))
}

func (r *repoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CountBooked(ctx context.Context, date, timeSlot, department string, excludeID int64) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE appointment_date = $1 AND appointment_time = $2 AND department = $3
		  AND status <> 'CANCELLED' AND id <> $4`,
		date, timeSlot, department, excludeID).Scan(&count)
	return count, err
}

// expectedStatusValues widens the CAS guard to cover the legacy stored alias
// of PAYMENT_REQUESTED.
func expectedStatusValues(expected Status) []string {
	if expected == StatusPaymentRequested {
		return []string{string(StatusPaymentRequested), string(legacyNeedsPayment)}
	}
	return []string{string(expected)}
}

func (r *repoPG) ApplyTransition(ctx context.Context, id int64, expected, next Status, f TransitionFields) (*Appointment, error) {
	set := `status = $1, updated_at = NOW()`
	args := []interface{}{string(next)}
	idx := 2

	add := func(col string, v interface{}) {
		set += fmt.Sprintf(`, %s = $%d`, col, idx)
		args = append(args, v)
		idx++
	}
	if f.ClearDoctor {
		set += `, doctor_id = NULL`
	} else if f.DoctorID != nil {
		add("doctor_id", *f.DoctorID)
	}
	if f.ClearDoctorNotifiedAt {
		set += `, doctor_notified_at = NULL`
	} else if f.DoctorNotifiedAt != nil {
		add("doctor_notified_at", *f.DoctorNotifiedAt)
	}
	if f.DoctorResponse != nil {
		add("doctor_response", *f.DoctorResponse)
	}
	if f.Notes != nil {
		add("notes", *f.Notes)
	}
	if f.CancellationReason != nil {
		add("cancellation_reason", *f.CancellationReason)
	}
	if f.PaymentRequested != nil {
		add("payment_requested", *f.PaymentRequested)
	}
	if f.PaymentAmount != nil {
		add("payment_amount", *f.PaymentAmount)
	}
	if f.PaymentRequestedAt != nil {
		add("payment_requested_at", *f.PaymentRequestedAt)
	}
	if f.PaymentCompleted != nil {
		add("payment_completed", *f.PaymentCompleted)
	}
	if f.PaymentCompletedAt != nil {
		add("payment_completed_at", *f.PaymentCompletedAt)
	}

	query := fmt.Sprintf(`UPDATE appointments SET %s WHERE id = $%d AND status = ANY($%d) RETURNING `+apptCols,
		set, idx, idx+1)
	args = append(args, id, expectedStatusValues(expected))

	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		// No row matched: distinguish a missing id from a lost CAS race.
		var stored string
		checkErr := r.conn(ctx).QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&stored)
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if checkErr != nil {
			return nil, checkErr
		}
		return nil, ErrConflict
	}
	return a, err
}

func (r *repoPG) SetEmailSent(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET email_sent = TRUE WHERE id = $1`, id)
	return err
}

func (r *repoPG) SetReminderSent(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET reminder_sent = TRUE WHERE id = $1`, id)
	return err
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, order string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	idx := len(args) + 1
	query := fmt.Sprintf(`SELECT `+apptCols+` FROM appointments %s %s LIMIT $%d OFFSET $%d`, where, order, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Appointment, int, error) {
	if status == "" {
		return r.list(ctx, ``, nil, `ORDER BY created_at DESC`, limit, offset)
	}
	return r.list(ctx, `WHERE status = ANY($1)`, []interface{}{expectedStatusValues(status)},
		`ORDER BY created_at DESC`, limit, offset)
}

func (r *repoPG) ListByDate(ctx context.Context, date string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `WHERE appointment_date = $1`, []interface{}{date},
		`ORDER BY appointment_time ASC`, limit, offset)
}

func (r *repoPG) ListBetween(ctx context.Context, from, to string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `WHERE appointment_date >= $1 AND appointment_date <= $2`, []interface{}{from, to},
		`ORDER BY appointment_date ASC, appointment_time ASC`, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `WHERE doctor_id = $1`, []interface{}{doctorID},
		`ORDER BY appointment_date ASC, appointment_time ASC`, limit, offset)
}

func (r *repoPG) Search(ctx context.Context, q string, limit, offset int) ([]*Appointment, int, error) {
	pattern := "%" + q + "%"
	return r.list(ctx, `WHERE full_name ILIKE $1 OR email ILIKE $1 OR phone ILIKE $1`,
		[]interface{}{pattern}, `ORDER BY created_at DESC`, limit, offset)
}

func (r *repoPG) ListForReminder(ctx context.Context, date string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments
		WHERE appointment_date = $1 AND status IN ('CONFIRMED','PAID') AND NOT reminder_sent
		ORDER BY appointment_time ASC`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPendingConfirmation(ctx context.Context, cutoff time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments
		WHERE status = 'PENDING' AND NOT email_sent AND created_at < $1
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Stats(ctx context.Context, today string) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'CONFIRMED'),
			COUNT(*) FILTER (WHERE appointment_date = $1)
		FROM appointments`, today).Scan(&s.Total, &s.Pending, &s.Confirmed, &s.Today)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
