package tool

import (
	"context"

	"github.com/obra/lace/types"
)

// ApprovalDecision is the outcome of consulting the approval policy
// for a tool call.
type ApprovalDecision string

const (
	// ApprovalAllow lets the call execute immediately.
	ApprovalAllow ApprovalDecision = "allow"

	// ApprovalDeny rejects the call; the result records the reason.
	ApprovalDeny ApprovalDecision = "deny"

	// ApprovalRequireConfirmation suspends the call until a human
	// decision arrives.
	ApprovalRequireConfirmation ApprovalDecision = "require-confirmation"
)

// ApprovalPolicy decides whether a tool call may execute. Implementations
// must not block indefinitely without honoring ctx cancellation.
type ApprovalPolicy func(ctx context.Context, call types.ToolCall, annotations Annotations) (ApprovalDecision, string)

// AllowAll is the default policy: every call executes.
func AllowAll(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
	return ApprovalAllow, ""
}

// DenyDestructive allows everything except tools annotated as
// destructive, which require confirmation.
func DenyDestructive(_ context.Context, _ types.ToolCall, annotations Annotations) (ApprovalDecision, string) {
	if annotations.DestructiveHint && !annotations.SafeInternal {
		return ApprovalRequireConfirmation, "destructive tool requires confirmation"
	}
	return ApprovalAllow, ""
}

// confirmationAnswer is the resolution of a suspended call.
type confirmationAnswer struct {
	approved bool
	reason   string
}

// ConfirmationRequest is the pending handle for a call suspended on
// human confirmation. The executor blocks on it; the host resolves it
// from any goroutine.
type ConfirmationRequest struct {
	// Call is the suspended tool call.
	Call types.ToolCall

	// Reason is the policy's explanation for requiring confirmation.
	Reason string

	answer chan confirmationAnswer
}

// newConfirmationRequest creates a pending confirmation.
func newConfirmationRequest(call types.ToolCall, reason string) *ConfirmationRequest {
	return &ConfirmationRequest{
		Call:   call,
		Reason: reason,
		answer: make(chan confirmationAnswer, 1),
	}
}

// Approve resumes the suspended call.
func (r *ConfirmationRequest) Approve() {
	select {
	case r.answer <- confirmationAnswer{approved: true}:
	default: // already resolved
	}
}

// Deny rejects the suspended call with a reason.
func (r *ConfirmationRequest) Deny(reason string) {
	select {
	case r.answer <- confirmationAnswer{approved: false, reason: reason}:
	default: // already resolved
	}
}

// ConfirmationHandler receives pending confirmations. It is called from
// the executing agent's task and must not block; typical handlers hand
// the request to a UI and return.
type ConfirmationHandler func(request *ConfirmationRequest)
