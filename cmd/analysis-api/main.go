package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/bucketvision/internal/api"
	"github.com/Lllllllleong/bucketvision/internal/models"
	"github.com/Lllllllleong/bucketvision/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	analysisInstance *services.AnalysisFunction
	router           *api.Router
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleAnalysisAPI" serves the JSON API; "AnalyzeUploadedImage" is
	// bound to the bucket's object-finalized trigger.
	functions.HTTP("HandleAnalysisAPI", handleAnalysisAPI)
	functions.CloudEvent("AnalyzeUploadedImage", analyzeUploadedImage)
}

// main is required by the Go Functions Framework.
func main() {}

func initialize() error {
	once.Do(func() {
		analysisInstance, initErr = services.NewAnalysis(context.Background())
		if initErr == nil {
			router = api.NewRouter(analysisInstance)
		}
	})
	return initErr
}

// handleAnalysisAPI is the HTTP entry point.
func handleAnalysisAPI(w http.ResponseWriter, r *http.Request) {
	if err := initialize(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "failed to initialize service"})
		return
	}
	router.ServeHTTP(w, r)
}

// analyzeUploadedImage is the CloudEvent entry point for new bucket objects.
func analyzeUploadedImage(ctx context.Context, e cloudevents.Event) error {
	if err := initialize(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	var event models.StorageObjectEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside AnalyzeObject.
	return analysisInstance.AnalyzeObject(ctx, event.Bucket, event.Name)
}
