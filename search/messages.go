package search

import "encoding/json"

// Wire type discriminators.
const (
	TypeCreateSubscription      = "createSubscription"
	TypeRequestFromSubscription = "requestFromSubscription"
	TypeCancelSubscription      = "cancelSubscription"

	TypeSubscriptionCreated     = "subscriptionCreated"
	TypeSubscriptionHasNextPage = "subscriptionHasNextPage"
	TypeSubscriptionComplete    = "subscriptionComplete"
	TypeSubscriptionFailed      = "subscriptionFailed"
)

// Item is one resolved twin document as delivered to the client.
type Item = json.RawMessage

// Command is a client-to-server protocol message.
type Command interface {
	CommandType() string
}

// CreateSubscription opens a new subscription. Paging is never expressed in
// Options beyond size(n); the resume position travels in Cursor.
type CreateSubscription struct {
	Filter  string `json:"filter,omitempty" jsonschema:"description=CEL expression evaluated against the variable thing"`
	Sort    string `json:"sort,omitempty" jsonschema:"description=Comma-separated sort fields such as +thingId or -attributes/counter"`
	Options string `json:"options,omitempty" jsonschema:"description=Search options such as size(25)"`
	Fields  string `json:"fields,omitempty" jsonschema:"description=Comma-separated field selector"`
	Cursor  string `json:"cursor,omitempty" jsonschema:"description=Opaque resume cursor"`
	// Demand is optional demand accompanying creation.
	Demand int64 `json:"demand,omitempty" jsonschema:"minimum=0"`
}

// RequestFromSubscription adds demand to a subscription.
type RequestFromSubscription struct {
	SubscriptionID string `json:"subscriptionId" jsonschema:"required"`
	Demand         int64  `json:"demand" jsonschema:"required,minimum=1"`
}

// CancelSubscription terminates a subscription without a reply.
type CancelSubscription struct {
	SubscriptionID string `json:"subscriptionId" jsonschema:"required"`
}

func (*CreateSubscription) CommandType() string      { return TypeCreateSubscription }
func (*RequestFromSubscription) CommandType() string { return TypeRequestFromSubscription }
func (*CancelSubscription) CommandType() string      { return TypeCancelSubscription }

// Event is a server-to-client protocol message.
type Event interface {
	EventType() string
	Subscription() string
	// Terminal reports whether the event ends the subscription.
	Terminal() bool
}

type SubscriptionCreated struct {
	SubscriptionID string `json:"subscriptionId"`
}

type SubscriptionHasNextPage struct {
	SubscriptionID string `json:"subscriptionId"`
	Items          []Item `json:"items"`
	// Cursor resumes a new subscription just after the last item of the page.
	Cursor string `json:"cursor,omitempty"`
}

type SubscriptionComplete struct {
	SubscriptionID string `json:"subscriptionId"`
}

type SubscriptionFailed struct {
	SubscriptionID string `json:"subscriptionId"`
	Error          *Error `json:"error"`
}

func (e *SubscriptionCreated) EventType() string     { return TypeSubscriptionCreated }
func (e *SubscriptionHasNextPage) EventType() string { return TypeSubscriptionHasNextPage }
func (e *SubscriptionComplete) EventType() string    { return TypeSubscriptionComplete }
func (e *SubscriptionFailed) EventType() string      { return TypeSubscriptionFailed }

func (e *SubscriptionCreated) Subscription() string     { return e.SubscriptionID }
func (e *SubscriptionHasNextPage) Subscription() string { return e.SubscriptionID }
func (e *SubscriptionComplete) Subscription() string    { return e.SubscriptionID }
func (e *SubscriptionFailed) Subscription() string      { return e.SubscriptionID }

func (*SubscriptionCreated) Terminal() bool     { return false }
func (*SubscriptionHasNextPage) Terminal() bool { return false }
func (*SubscriptionComplete) Terminal() bool    { return true }
func (*SubscriptionFailed) Terminal() bool      { return true }

// Failed builds a SubscriptionFailed event, mapping err onto a protocol error.
func Failed(subscriptionID string, err error) *SubscriptionFailed {
	return &SubscriptionFailed{SubscriptionID: subscriptionID, Error: AsError(err)}
}
