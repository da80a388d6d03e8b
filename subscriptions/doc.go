// Package subscriptions runs search subscriptions. A Registry validates
// CreateSubscription commands, starts one Session per subscription and routes
// RequestFromSubscription and CancelSubscription commands to it. Each Session
// is a single goroutine that owns its demand counter and pulls pages from its
// assembler only while the client has outstanding demand.
package subscriptions
