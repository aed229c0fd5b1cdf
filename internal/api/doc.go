// Package api exposes the HTTP surface of the task orchestration service:
// queue worker start/stop, bulk retry/clear, task creation and
// cancellation, enrichment task-set reconciliation and the live queue
// status read model. Handlers translate between HTTP and the scheduler;
// all mutation responses carry {success, message, affected_count}.
package api
