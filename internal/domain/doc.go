// Package domain defines the core business entities of the task
// orchestration service: the task families processed by the queue system
// (content processing, enrichment, automation), their state machines, and
// the queue read models exposed to clients.
package domain
