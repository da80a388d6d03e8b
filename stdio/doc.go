// Package stdio implements a single-connection subscription transport over
// stdin/stdout. It is intended for embedding the search engine as a
// subprocess, local development, and scripting, where piping JSON is simpler
// than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Framing          : one JSON command per input line, one JSON event per output line
//	Lifetime         : EOF on input cancels every open subscription
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	reg := subscriptions.NewRegistry(store, store)
//	h := stdio.NewHandler(reg)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For many concurrent clients prefer the streaming HTTP or WebSocket
// transports.
package stdio
