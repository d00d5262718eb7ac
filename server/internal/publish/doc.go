// Package publish fans engine events out to NATS so that delivery
// collaborators (pagers, chat bots, ticketing) can run out of process.
//
// Each event is published as JSON on "<prefix>.<type>", where the ':' in the
// event type becomes '.'. Delivery is best effort: a full queue drops events
// and a failed publish is logged, never retried.
package publish
