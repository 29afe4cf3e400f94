package billing

import "time"

// EventKind is the closed set of webhook events the router understands.
// Anything else decodes to EventUnknown.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
)

var eventKindByType = map[string]EventKind{
	"customer.subscription.created": EventSubscriptionCreated,
	"customer.subscription.updated": EventSubscriptionUpdated,
	"customer.subscription.deleted": EventSubscriptionDeleted,
	"invoice.payment_succeeded":     EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        EventInvoicePaymentFailed,
}

// KnownEventKinds lists every kind with a provider mapping. Dispatch tables
// are checked against it in tests.
func KnownEventKinds() []EventKind {
	return []EventKind{
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaymentSucceeded,
		EventInvoicePaymentFailed,
	}
}

func ParseEventKind(eventType string) EventKind {
	if k, ok := eventKindByType[eventType]; ok {
		return k
	}
	return EventUnknown
}

func (k EventKind) String() string {
	switch k {
	case EventSubscriptionCreated:
		return "subscription.created"
	case EventSubscriptionUpdated:
		return "subscription.updated"
	case EventSubscriptionDeleted:
		return "subscription.deleted"
	case EventInvoicePaymentSucceeded:
		return "invoice.payment_succeeded"
	case EventInvoicePaymentFailed:
		return "invoice.payment_failed"
	default:
		return "unknown"
	}
}

func (k EventKind) IsSubscription() bool {
	return k == EventSubscriptionCreated || k == EventSubscriptionUpdated || k == EventSubscriptionDeleted
}

func (k EventKind) IsInvoice() bool {
	return k == EventInvoicePaymentSucceeded || k == EventInvoicePaymentFailed
}

// Event is a verified webhook delivery. Exactly one of Subscription or
// Invoice is set for known kinds; both are nil for EventUnknown.
type Event struct {
	ID           string
	Kind         EventKind
	Type         string
	Created      time.Time
	Subscription *SubscriptionSnapshot
	Invoice      *InvoiceSnapshot
}
