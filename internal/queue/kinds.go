package queue

import "fmt"

// Kind identifies one known event kind. Each queue dispatches from a closed
// set: an event type outside its set is rejected, never silently ignored.
type Kind string

const (
	KindEscrowFundConfirmed    Kind = "escrow.fund_confirmed"
	KindEscrowReleaseRequested Kind = "escrow.release_requested"
	KindEscrowRefundRequested  Kind = "escrow.refund_requested"
	KindEscrowSplitRequested   Kind = "escrow.split_requested"
	KindNotificationRequested  Kind = "notification.requested"
	KindExportRequested        Kind = "export.requested"
)

// Well-known queue names.
const (
	QueuePayments      = "payments"
	QueueNotifications = "notifications"
	QueueExports       = "exports"
)

// UnknownKindError reports an event type outside a queue's allow-list. This is
// a hard failure: a misrouted payment-affecting message must not fall through
// to an unexpected handler.
type UnknownKindError struct {
	Queue     string
	EventType string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("event type %q is not allowed on queue %q", e.EventType, e.Queue)
}

// ParseKind matches an event type against the closed kind set of a queue.
func ParseKind(queue string, eventType string) (Kind, error) {
	switch queue {
	case QueuePayments:
		switch Kind(eventType) {
		case KindEscrowFundConfirmed, KindEscrowReleaseRequested,
			KindEscrowRefundRequested, KindEscrowSplitRequested:
			return Kind(eventType), nil
		}
	case QueueNotifications:
		switch Kind(eventType) {
		case KindNotificationRequested:
			return Kind(eventType), nil
		}
	case QueueExports:
		switch Kind(eventType) {
		case KindExportRequested:
			return Kind(eventType), nil
		}
	}
	return "", &UnknownKindError{Queue: queue, EventType: eventType}
}
