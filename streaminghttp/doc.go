// Package streaminghttp serves search subscriptions over plain HTTP with
// Server-Sent Events. It mounts as a standard net/http handler.
//
// Every event a subscription produces is appended to a broker namespace
// named after the subscription, and the SSE endpoint replays that namespace.
// A consumer can therefore open the stream after creating the subscription,
// or reconnect with Last-Event-ID, without losing or repeating pages.
//
// Endpoints, relative to the base path:
//
//	POST   {base}                create a subscription; 201 + subscriptionCreated
//	GET    {base}/schema         JSON Schema of the protocol messages
//	GET    {base}/{id}/events    SSE stream of the subscription's events
//	POST   {base}/{id}/request   {"demand":n}; 202, or 404 + subscriptionFailed
//	DELETE {base}/{id}           cancel; always 204
//
// Construction
//
//	h, err := streaminghttp.New(registry, broker.New(),
//	    streaminghttp.WithBasePath("/search/subscriptions"),
//	    streaminghttp.WithRetention(time.Minute),
//	)
//
// Once a subscription terminates its log is kept for the retention period so
// that late consumers still observe the terminal event.
package streaminghttp
