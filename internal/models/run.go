package models

import "time"

// AnalysisRun is the Firestore record of one full-bucket analysis run.
type AnalysisRun struct {
	RunID        string    `firestore:"runId"`
	Bucket       string    `firestore:"bucket,omitempty"`
	Scheme       string    `firestore:"scheme,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	Processed    int       `firestore:"processed"`
	Described    int       `firestore:"described"`
	Skipped      int       `firestore:"skipped"`
	Failed       int       `firestore:"failed"`
	StartedAt    time.Time `firestore:"startedAt,omitempty"`
	FinishedAt   time.Time `firestore:"finishedAt,omitempty"`
}

// Run statuses.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)
