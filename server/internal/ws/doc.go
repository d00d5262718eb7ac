// Package ws implements the WebSocket event stream for alertcore.
//
// Hub subscribes to the engine bus and forwards every event to all connected
// clients as it is published. A client that cannot keep up is disconnected
// rather than slowing the engine down.
//
// New(opts...) creates a Hub; WithSnapshot sends the current state (the open
// alerts in production) to each client on connect, and WithInterval makes
// Run re-send it periodically.
// Hub.Run(ctx) blocks until ctx is cancelled, then closes all connections.
//
// Message format sent to clients:
//
//	{
//	  "event": "alert:raised",
//	  "at":    "2024-03-01T12:00:00Z",
//	  "data":  { /* the event payload */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
