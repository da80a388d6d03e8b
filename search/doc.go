// Package search defines the protocol surface of search subscriptions: the
// commands a client sends, the events it receives back, the protocol errors
// it can observe and the JSON wire encoding shared by every transport.
//
// A subscription is driven entirely by the client:
//
//	createSubscription      -> subscriptionCreated
//	requestFromSubscription -> subscriptionHasNextPage* (subscriptionComplete | subscriptionFailed)
//	cancelSubscription      -> (nothing)
//
// Exactly one terminal event (complete or failed) is emitted per subscription
// and nothing follows it.
package search
