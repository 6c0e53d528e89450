package providers

import (
	"context"
	"fmt"
)

// PaymentProvider moves money on the payment platform. Implementations are
// external collaborators; the core only assumes "provider accepted the
// request" and stores the returned reference id.
type PaymentProvider interface {
	CreateTransfer(ctx context.Context, amount int64, destination string, metadata map[string]string) (string, error)
	CreateRefund(ctx context.Context, paymentRef string, amount int64, metadata map[string]string) (string, error)
}

// MessagingProvider delivers one rendered message to a destination address.
type MessagingProvider interface {
	Send(ctx context.Context, destination string, content string) (string, error)
}

// SuppressedDestinationError reports a destination the provider refuses to
// deliver to (bounced address, opted-out number). It is never retried.
type SuppressedDestinationError struct {
	Destination string
	Reason      string
}

func (e *SuppressedDestinationError) Error() string {
	return fmt.Sprintf("destination %s suppressed by provider: %s", e.Destination, e.Reason)
}
