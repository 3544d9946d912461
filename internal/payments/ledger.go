package payments

import "context"

// Ledger is the opaque charge capability the lifecycle machine depends on.
// Authorize places a hold and returns a reference; Capture settles it;
// Refund releases it. Implementations are injected at assembly time.
type Ledger interface {
	Authorize(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}
