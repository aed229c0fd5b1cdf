package queue

// OperationResult is the outcome of one queue mutation: start/stop, retry,
// clear, cancel, create. AffectedCount carries the number of tasks the
// operation touched where that is meaningful.
type OperationResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	AffectedCount int64  `json:"affected_count,omitempty"`
}

// EnrichmentTaskSetResult reports the three-way outcome of enrichment
// task-set reconciliation: tasks created for items that needed one, stale
// pending tasks removed, and orphaned cached values cleaned up.
type EnrichmentTaskSetResult struct {
	Success                   bool   `json:"success"`
	Message                   string `json:"message"`
	CreatedTasksCount         int64  `json:"created_tasks_count"`
	CleanedUpTasksCount       int64  `json:"cleaned_up_tasks_count"`
	CleanedUpEnrichmentsCount int64  `json:"cleaned_up_enrichments_count"`
}
