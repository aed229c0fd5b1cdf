package domain

import (
	"fmt"
	"strings"
	"time"
)

// QueueType identifies a category of background work. Each queue type has
// its own worker pool, concurrency limit, and task table.
type QueueType string

// Known queue types.
const (
	QueueTypeContentProcessing QueueType = "content_processing"
	QueueTypeEnrichment        QueueType = "enrichment"
	QueueTypeAutomation        QueueType = "automation"
)

// AllQueueTypes lists every queue type in a stable order. Fan-out
// operations (start-all, stop-all, status) iterate this slice.
var AllQueueTypes = []QueueType{
	QueueTypeContentProcessing,
	QueueTypeEnrichment,
	QueueTypeAutomation,
}

// ParseQueueType converts a string into a QueueType. It accepts both the
// canonical snake_case form and the SCREAMING_CASE form used by older
// clients. Returns ErrInvalidQueueType for anything else.
func ParseQueueType(s string) (QueueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "content_processing", "content-processing", "contentprocessing":
		return QueueTypeContentProcessing, nil
	case "enrichment":
		return QueueTypeEnrichment, nil
	case "automation":
		return QueueTypeAutomation, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidQueueType, s)
	}
}

// QueueCounts holds the per-state task counts of one queue. Counts are
// always computed live from the task tables, never cached.
type QueueCounts struct {
	Pending    int `json:"pending_tasks"`
	Processing int `json:"processing_tasks"`
	Failed     int `json:"failed_tasks"`
	Completed  int `json:"completed_tasks"`
}

// QueueStatus is the read model for one queue, combining worker state with
// live task counts.
type QueueStatus struct {
	QueueType QueueType `json:"queue_type"`
	IsRunning bool      `json:"is_running"`
	QueueCounts
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// QueueSystemStatus is the system-wide aggregate returned by the status
// query. It is a pure view recomputed on every request.
type QueueSystemStatus struct {
	AllWorkersRunning    bool          `json:"all_workers_running"`
	TotalPendingTasks    int           `json:"total_pending_tasks"`
	TotalProcessingTasks int           `json:"total_processing_tasks"`
	TotalFailedTasks     int           `json:"total_failed_tasks"`
	Queues               []QueueStatus `json:"queues"`
	LastUpdated          time.Time     `json:"last_updated"`
}
