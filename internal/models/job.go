package models

import "time"

// JobStatus represents the status of an analysis job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// JobKeyPrefix is the KV prefix under which analysis jobs live.
const JobKeyPrefix = "job:"

// JobKey returns the KV key for a job id.
func JobKey(id string) string {
	return JobKeyPrefix + id
}

// AnalysisJob is one batch analysis request and its completion record.
// FileIDs keeps every id the caller asked for, including ids that did not
// resolve to a file.
type AnalysisJob struct {
	ID                  string               `json:"id"`
	FileIDs             []string             `json:"fileIds"`
	Configuration       ExtractionParameters `json:"configuration"`
	Status              JobStatus            `json:"status"`
	StartedAt           time.Time            `json:"startedAt"`
	EstimatedCompletion time.Time            `json:"estimatedCompletion"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
}
