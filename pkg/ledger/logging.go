package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Actor     string
	EntryID   EntryID
	Amount    Amount
	Duration  Seconds
	Method    PaymentMethod
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the view-facing change feed.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithRebuildGuard makes concurrent RebuildTotals calls fail fast.
func WithRebuildGuard(guard RebuildGuard) ServiceOption {
	return func(service *Service) {
		service.guard = guard
	}
}

// WithReplayQuietWindow overrides how long a replay waits on a silent feed.
func WithReplayQuietWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		if window > 0 {
			service.quietWindow = window
		}
	}
}
