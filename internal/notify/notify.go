package notify

import "context"

// Notifier is the opaque "send" capability: deliver a payload to a
// recipient out-of-band (push, SMS, whatever the implementation does).
// Callers treat failures as best-effort.
type Notifier interface {
	Send(ctx context.Context, recipient string, payload any) error
}

// Nop discards everything; the default when no provider is configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, recipient string, payload any) error { return nil }
