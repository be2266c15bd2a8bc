package appointment

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clinic/clinic/internal/platform/auth"
)

// BulkOp names a batch operation applied per appointment id.
type BulkOp string

const (
	BulkCancel         BulkOp = "cancel"
	BulkMarkPaid       BulkOp = "mark-paid"
	BulkRequestPayment BulkOp = "request-payment"
	BulkCreateAccounts BulkOp = "create-accounts"
	BulkHardDelete     BulkOp = "hard-delete"
)

// BulkRequest is one batch submission. Reason applies to cancel, Amount to
// request-payment (zero selects the default).
type BulkRequest struct {
	Op     BulkOp  `json:"op"`
	IDs    []int64 `json:"ids"`
	Reason string  `json:"reason,omitempty"`
	Amount float64 `json:"amount,omitempty"`
}

// BulkResult reports the per-id outcome of a batch. Every submitted id lands
// in exactly one of Succeeded or Failed.
type BulkResult struct {
	Succeeded []int64          `json:"succeeded"`
	Failed    []int64          `json:"failed"`
	Errors    map[int64]string `json:"errors,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

type bulkOutcome struct {
	id       int64
	appt     *Appointment
	effects  []SideEffect
	warnings []string
	err      error
}

// BulkApply runs the operation over every id with bounded concurrency. State
// changes commit in the first phase; notification fan-out runs in a second
// phase over the ids that committed, so a slow mailer never holds a store
// connection and a failed email never marks the id as failed.
func (s *Service) BulkApply(ctx context.Context, req BulkRequest, actor Actor) (*BulkResult, error) {
	if len(req.IDs) == 0 {
		return nil, validationErrorf("ids must not be empty")
	}
	switch req.Op {
	case BulkCancel:
		if req.Reason == "" {
			return nil, validationErrorf("a cancellation reason is required")
		}
	case BulkHardDelete:
		// Same gate as the single-item delete route.
		if actor.Role != auth.RoleAdmin {
			return nil, ErrForbidden
		}
	case BulkMarkPaid, BulkRequestPayment, BulkCreateAccounts:
	default:
		return nil, validationErrorf("unknown bulk operation: %s", req.Op)
	}

	outcomes := make([]bulkOutcome, len(req.IDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkWorkers)
	for i, id := range req.IDs {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = s.bulkOne(gctx, req, id, actor)
			return nil
		})
	}
	g.Wait()

	result := &BulkResult{
		Succeeded: []int64{},
		Failed:    []int64{},
		Errors:    map[int64]string{},
	}

	// Phase 2: notifications for the committed transitions.
	var mu sync.Mutex
	g2, g2ctx := errgroup.WithContext(ctx)
	g2.SetLimit(s.bulkWorkers)
	for i := range outcomes {
		out := &outcomes[i]
		if out.err != nil || len(out.effects) == 0 {
			continue
		}
		g2.Go(func() error {
			warnings := s.dispatch(g2ctx, out.appt, out.effects)
			mu.Lock()
			out.warnings = append(out.warnings, warnings...)
			mu.Unlock()
			return nil
		})
	}
	g2.Wait()

	for _, out := range outcomes {
		if out.err != nil {
			result.Failed = append(result.Failed, out.id)
			result.Errors[out.id] = out.err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, out.id)
		for _, w := range out.warnings {
			result.Warnings = append(result.Warnings, fmt.Sprintf("appointment %d: %s", out.id, w))
		}
	}
	return result, nil
}

// bulkOne performs the phase-1 commit for a single id.
func (s *Service) bulkOne(ctx context.Context, req BulkRequest, id int64, actor Actor) bulkOutcome {
	out := bulkOutcome{id: id}

	switch req.Op {
	case BulkCancel:
		reason := req.Reason
		out.appt, out.effects, out.err = s.commit(ctx, id, StatusCancelled, actor, func(a *Appointment) (TransitionFields, error) {
			return TransitionFields{CancellationReason: &reason}, nil
		})

	case BulkMarkPaid:
		out.appt, out.effects, out.err = s.commit(ctx, id, StatusPaid, actor, func(a *Appointment) (TransitionFields, error) {
			completed := true
			now := time.Now().UTC()
			return TransitionFields{PaymentCompleted: &completed, PaymentCompletedAt: &now}, nil
		})

	case BulkRequestPayment:
		amount := req.Amount
		if amount == 0 {
			amount = s.defaultPaymentAmount
		}
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
			out.err = validationErrorf("payment amount must be a positive finite number")
			return out
		}
		out.appt, out.effects, out.err = s.commit(ctx, id, StatusPaymentRequested, actor, func(a *Appointment) (TransitionFields, error) {
			requested := true
			now := time.Now().UTC()
			return TransitionFields{PaymentRequested: &requested, PaymentAmount: &amount, PaymentRequestedAt: &now}, nil
		})

	case BulkCreateAccounts:
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			out.err = storeErr(err)
			return out
		}
		out.appt = a
		_, created, err := s.directory.EnsureAccount(ctx, a.Email, a.FullName, a.Phone)
		if err != nil {
			out.err = &ExternalServiceError{Service: "user directory", Err: err}
			return out
		}
		if created {
			out.effects = []SideEffect{EffectAccountWelcomeEmail}
		}

	case BulkHardDelete:
		out.err = storeErr(s.repo.Delete(ctx, id))
	}
	return out
}
