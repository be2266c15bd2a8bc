package appointment

import "github.com/clinic/clinic/internal/platform/auth"

// SideEffect is a post-commit action returned by the validator. Effects run
// best-effort after the status change is persisted; their failure never
// reverts the transition.
type SideEffect string

const (
	EffectConfirmationEmail   SideEffect = "confirmation-email"
	EffectCancellationEmail   SideEffect = "cancellation-email"
	EffectPaymentRequestEmail SideEffect = "payment-request-email"
	EffectPaymentReceiptEmail SideEffect = "payment-receipt-email"
	EffectNotifyDoctor        SideEffect = "notify-doctor"
	EffectProvisionAccount    SideEffect = "provision-account"

	// EffectAccountWelcomeEmail is emitted by the bulk coordinator when its
	// phase-1 provisioning created the account; the single-item path sends
	// the welcome inside EffectProvisionAccount.
	EffectAccountWelcomeEmail SideEffect = "account-welcome-email"
)

// Actor is the authenticated caller of a transition.
type Actor struct {
	UserID int64
	Role   string
}

// Decision is the validator's answer for an allowed transition.
type Decision struct {
	// NoOp marks an idempotent re-request of the current status; nothing is
	// persisted and no effects run.
	NoOp    bool
	Effects []SideEffect
}

// allowedTransitions is the closed transition table. Terminal states have no
// entry: nothing leaves them.
var allowedTransitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingDoctor, StatusCancelled},
	StatusAwaitingDoctor:   {StatusConfirmed, StatusPending, StatusCancelled},
	StatusConfirmed:        {StatusPaymentRequested, StatusNoShow, StatusCancelled},
	StatusPaymentRequested: {StatusPaid, StatusCancelled},
	StatusPaid:             {StatusCompleted, StatusNoShow, StatusCancelled},
}

// transitionEffects lists the side effects owed after each committed
// transition, keyed by target within the source status.
var transitionEffects = map[Status]map[Status][]SideEffect{
	StatusPending: {
		StatusAwaitingDoctor: {EffectNotifyDoctor},
		StatusCancelled:      {EffectCancellationEmail},
	},
	StatusAwaitingDoctor: {
		StatusConfirmed: {EffectConfirmationEmail},
		StatusCancelled: {EffectCancellationEmail},
	},
	StatusConfirmed: {
		StatusPaymentRequested: {EffectPaymentRequestEmail},
		StatusCancelled:        {EffectCancellationEmail},
	},
	StatusPaymentRequested: {
		StatusPaid:      {EffectPaymentReceiptEmail},
		StatusCancelled: {EffectCancellationEmail},
	},
	StatusPaid: {
		StatusCompleted: {EffectProvisionAccount},
		StatusCancelled: {EffectCancellationEmail},
	},
}

// Validate is the single gate every transition goes through. It reads only
// the current status, the actor, and the assigned doctor id; it performs no
// I/O and holds no state.
//
// A request for the current (non-terminal) status is a no-op success. Any
// transition targeting or leaving a terminal state is rejected, including
// CANCELLED -> CANCELLED.
func Validate(current, target Status, actor Actor, assignedDoctorID *int64) (Decision, error) {
	current = NormalizeStatus(current)
	target = NormalizeStatus(target)

	if !target.Valid() {
		return Decision{}, &InvalidTransitionError{From: current, To: target}
	}

	if current.Terminal() {
		return Decision{}, &InvalidTransitionError{From: current, To: target}
	}

	if current == target {
		return Decision{NoOp: true}, nil
	}

	if !containsStatus(allowedTransitions[current], target) {
		return Decision{}, &InvalidTransitionError{From: current, To: target}
	}

	if !roleAllowed(current, target, actor, assignedDoctorID) {
		return Decision{}, &InvalidTransitionError{From: current, To: target}
	}

	return Decision{Effects: transitionEffects[current][target]}, nil
}

// roleAllowed applies the actor gate of the transition table.
func roleAllowed(current, target Status, actor Actor, assignedDoctorID *int64) bool {
	if current == StatusAwaitingDoctor && (target == StatusConfirmed || target == StatusPending) {
		// Accept and decline belong to the assigned doctor alone, not to
		// staff and not even to admins.
		return actor.Role == auth.RoleDoctor && assignedDoctorID != nil && actor.UserID == *assignedDoctorID
	}

	if actor.Role == auth.RoleAdmin {
		return true
	}

	switch {
	case target == StatusCompleted, target == StatusNoShow:
		return actor.Role == auth.RoleStaff || actor.Role == auth.RoleDoctor
	default:
		// Assignment, payment request, mark paid, cancel: staff or admin.
		return actor.Role == auth.RoleStaff
	}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
