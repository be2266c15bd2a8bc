// Package notification provides the clinic's email notification system with
// template rendering, in-memory delivery records, retry logic, and Echo HTTP
// handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Template IDs for the built-in clinic emails.
const (
	TemplateConfirmation     = "appointment-confirmation"
	TemplateCancellation     = "appointment-cancellation"
	TemplatePaymentRequest   = "payment-request"
	TemplatePaymentReceipt   = "payment-receipt"
	TemplateReminder         = "appointment-reminder"
	TemplateDoctorAssignment = "doctor-assignment"
	TemplateAccountWelcome   = "account-welcome"
)

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 10 * time.Second

// Notification represents a single outbound email and its delivery record.
type Notification struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateConfirmation,
			Name:    "Appointment Confirmation",
			Subject: "Your appointment on {{date}} is confirmed",
			Body:    "<p>Dear {{patient_name}},</p><p>Your {{department}} appointment on {{date}} at {{time}} has been confirmed.</p><p>Please arrive 15 minutes early.</p>",
		},
		{
			ID:      TemplateCancellation,
			Name:    "Appointment Cancellation",
			Subject: "Your appointment on {{date}} has been cancelled",
			Body:    "<p>Dear {{patient_name}},</p><p>Your {{department}} appointment on {{date}} at {{time}} has been cancelled.</p><p>Reason: {{reason}}</p><p>Please contact us to rebook.</p>",
		},
		{
			ID:      TemplatePaymentRequest,
			Name:    "Payment Request",
			Subject: "Payment requested for your appointment on {{date}}",
			Body:    "<p>Dear {{patient_name}},</p><p>A payment of {{amount}} is requested for your {{department}} appointment on {{date}} at {{time}}.</p><p>Please complete the payment to keep your booking.</p>",
		},
		{
			ID:      TemplatePaymentReceipt,
			Name:    "Payment Receipt",
			Subject: "Payment received for your appointment on {{date}}",
			Body:    "<p>Dear {{patient_name}},</p><p>We received your payment of {{amount}} for the appointment on {{date}} at {{time}}. Thank you.</p>",
		},
		{
			ID:      TemplateReminder,
			Name:    "Appointment Reminder",
			Subject: "Reminder: appointment tomorrow at {{time}}",
			Body:    "<p>Dear {{patient_name}},</p><p>This is a reminder of your {{department}} appointment tomorrow, {{date}}, at {{time}}.</p>",
		},
		{
			ID:      TemplateDoctorAssignment,
			Name:    "Doctor Assignment Notice",
			Subject: "New appointment awaiting your approval",
			Body:    "<p>Dear Dr. {{doctor_name}},</p><p>An appointment with {{patient_name}} ({{department}}) on {{date}} at {{time}} is awaiting your approval.</p>",
		},
		{
			ID:      TemplateAccountWelcome,
			Name:    "Account Welcome",
			Subject: "Your patient account has been created",
			Body:    "<p>Dear {{patient_name}},</p><p>A patient account has been created for you. Username: {{username}}. Please log in and change your password.</p>",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Mailer orchestrates rendering, sending, storage and retry of notifications.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
	mu        sync.RWMutex
	records   map[string]*Notification
}

// NewMailer constructs a Mailer.
func NewMailer(sender EmailSender, tpl *TemplateEngine, logger zerolog.Logger) *Mailer {
	return &Mailer{
		sender:    sender,
		templates: tpl,
		logger:    logger,
		records:   make(map[string]*Notification),
	}
}

// Send dispatches a notification, assigns an ID and timestamps, and keeps the
// delivery record in memory. Each attempt is bounded by a per-send timeout.
func (m *Mailer) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = "pending"

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	sendErr := m.sender.SendEmail(sendCtx, n.Recipient, n.Subject, n.Body)

	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
		m.logger.Warn().Err(sendErr).Str("recipient", n.Recipient).Str("template", n.TemplateID).Msg("email send failed")
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}

	m.mu.Lock()
	m.records[n.ID] = n
	m.mu.Unlock()

	return sendErr
}

// SendTemplate renders a template and sends the resulting notification.
func (m *Mailer) SendTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}

	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get retrieves a notification record by ID.
func (m *Mailer) Get(id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return n, nil
}

// ListByRecipient returns notification records for a given recipient, up to limit.
func (m *Mailer) ListByRecipient(recipient string, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.records {
		if n.Recipient == recipient {
			result = append(result, n)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// Retry re-sends a failed notification. Returns an error if the notification
// is not in "failed" status.
func (m *Mailer) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if n.Status != "failed" {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, n.Status)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	sendErr := m.sender.SendEmail(sendCtx, n.Recipient, n.Subject, n.Body)

	m.mu.Lock()
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
		n.Error = ""
	}
	m.mu.Unlock()

	return sendErr
}

// Stats returns counts of notification records grouped by status.
func (m *Mailer) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.records {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes notification operations over HTTP via Echo.
type Handler struct {
	mailer *Mailer
}

// NewHandler creates a new notification Handler.
func NewHandler(m *Mailer) *Handler {
	return &Handler{mailer: m}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.mailer.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipient query parameter is required"})
	}
	return c.JSON(http.StatusOK, h.mailer.ListByRecipient(recipient, 100))
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.mailer.Retry(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	n, _ := h.mailer.Get(id)
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mailer.Stats())
}
