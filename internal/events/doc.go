// Package events defines queue lifecycle events and a simple in-process
// emitter. The scheduler publishes events when tasks are created,
// cancelled or retried and when queue workers start or stop; handlers
// subscribe for audit logging or metrics without coupling to the
// scheduler.
package events
