package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/bucketvision/internal/models"
)

// RunLedger stores one Firestore document per analysis run, keyed by run ID.
type RunLedger struct {
	client     *firestore.Client
	collection string
}

// NewRunLedger creates the Firestore client for projectID and returns a
// ledger writing to collection.
func NewRunLedger(ctx context.Context, projectID, collection string) (*RunLedger, error) {
	if projectID == "" || collection == "" {
		return nil, fmt.Errorf("projectID and collection must be provided to create a run ledger")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &RunLedger{client: client, collection: collection}, nil
}

// RecordRun creates or replaces the document for run.RunID.
func (l *RunLedger) RecordRun(ctx context.Context, run *models.AnalysisRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run ID must be set to record an analysis run")
	}
	if _, err := l.client.Collection(l.collection).Doc(run.RunID).Set(ctx, run); err != nil {
		return fmt.Errorf("failed to record analysis run %s: %w", run.RunID, err)
	}
	return nil
}

func (l *RunLedger) Close() error {
	return l.client.Close()
}
