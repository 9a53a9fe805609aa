package models

import (
	"time"
)

// Status enumerates the analysis lifecycle persisted on a track row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether the status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// JobDescriptor is a unit of work as delivered by the queue or the backlog scan.
type JobDescriptor struct {
	TrackID  string `json:"trackId"`
	FilePath string `json:"filePath"`
}

// Track is the subset of a track row the pipeline reads and writes.
type Track struct {
	ID         string     `json:"id"`
	FilePath   string     `json:"filePath"`
	Status     Status     `json:"analysisStatus"`
	Error      *string    `json:"analysisError,omitempty"`
	RetryCount int        `json:"analysisRetryCount"`
	Version    *string    `json:"analysisVersion,omitempty"`
	Mode       *string    `json:"analysisMode,omitempty"`
	Features   *Features  `json:"analysisFeatures,omitempty"`
	AnalyzedAt *time.Time `json:"analyzedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// StatusCounts summarises the track table for maintenance logging and the stats views.
type StatusCounts struct {
	ByStatus map[Status]int64 `json:"byStatus"`
	// Exhausted counts failed rows whose retry count reached the ceiling.
	Exhausted int64 `json:"exhausted"`
}

// Skipped returns the number of permanently skipped rows.
func (c StatusCounts) Skipped() int64 {
	return c.ByStatus[StatusSkipped]
}
