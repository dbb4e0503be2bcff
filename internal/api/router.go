// Package api maps the JSON-over-HTTP surface onto the analysis service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Lllllllleong/bucketvision/internal/metrics"
	"github.com/Lllllllleong/bucketvision/internal/models"
	"github.com/Lllllllleong/bucketvision/internal/services"
)

// ServiceName is reported for unrouted paths under /api/.
const ServiceName = "bucket-vision"

// Analyzer is the part of the analysis service the API exposes.
type Analyzer interface {
	TriggerAnalysis(ctx context.Context) (int, error)
	TestSingleImage(ctx context.Context) (*models.SingleImageResponse, error)
	BucketStatus(ctx context.Context) (*models.BucketStatusResponse, error)
	FetchAnalyses(ctx context.Context) ([]models.Analysis, error)
	ListImages(ctx context.Context) ([]string, error)
}

// Router dispatches on exact method and path pairs. A known path requested
// with the wrong method falls through to the /api/ placeholder.
type Router struct {
	analyzer Analyzer
}

// NewRouter returns a Router serving analyzer.
func NewRouter(analyzer Analyzer) *Router {
	return &Router{analyzer: analyzer}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/trigger-analysis" && r.Method == http.MethodPost:
		rt.handleTriggerAnalysis(w, r)
	case path == "/api/test-single-image" && r.Method == http.MethodPost:
		rt.handleTestSingleImage(w, r)
	case path == "/api/bucket-status" && r.Method == http.MethodGet:
		rt.handleBucketStatus(w, r)
	case path == "/api/analysis" && r.Method == http.MethodGet:
		rt.handleAnalysis(w, r)
	case path == "/api/bucket/images" && r.Method == http.MethodGet:
		rt.handleImages(w, r)
	case strings.HasPrefix(path, "/api/"):
		writeJSON(w, "other", http.StatusOK, models.ServiceInfo{Name: ServiceName})
	default:
		metrics.APIRequests.WithLabelValues("unrouted", strconv.Itoa(http.StatusNotFound)).Inc()
		w.WriteHeader(http.StatusNotFound)
	}
}

func (rt *Router) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	const route = "trigger-analysis"
	processed, err := rt.analyzer.TriggerAnalysis(r.Context())
	if err != nil {
		slog.Error("Failed to trigger analysis", "error", err)
		writeJSON(w, route, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to trigger analysis"})
		return
	}
	writeJSON(w, route, http.StatusOK, models.TriggerAnalysisResponse{Success: true, Processed: processed})
}

func (rt *Router) handleTestSingleImage(w http.ResponseWriter, r *http.Request) {
	const route = "test-single-image"
	res, err := rt.analyzer.TestSingleImage(r.Context())
	if errors.Is(err, services.ErrNoImages) {
		writeJSON(w, route, http.StatusNotFound, models.ErrorResponse{Error: "No images found in bucket"})
		return
	}
	if err != nil {
		slog.Error("Test single image failed", "error", err)
		writeJSON(w, route, http.StatusInternalServerError, models.ErrorResponse{Error: "Test failed", Details: err.Error()})
		return
	}
	writeJSON(w, route, http.StatusOK, res)
}

func (rt *Router) handleBucketStatus(w http.ResponseWriter, r *http.Request) {
	const route = "bucket-status"
	status, err := rt.analyzer.BucketStatus(r.Context())
	if err != nil {
		slog.Error("Failed to get bucket status", "error", err)
		writeJSON(w, route, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to get bucket status"})
		return
	}
	writeJSON(w, route, http.StatusOK, status)
}

func (rt *Router) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	const route = "analysis"
	analyses, err := rt.analyzer.FetchAnalyses(r.Context())
	if err != nil {
		slog.Error("Failed to fetch analysis", "error", err)
		writeJSON(w, route, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to fetch analysis"})
		return
	}
	if analyses == nil {
		analyses = []models.Analysis{}
	}
	writeJSON(w, route, http.StatusOK, models.AnalysesResponse{Analyses: analyses})
}

func (rt *Router) handleImages(w http.ResponseWriter, r *http.Request) {
	const route = "bucket-images"
	images, err := rt.analyzer.ListImages(r.Context())
	if err != nil {
		slog.Error("Failed to list images", "error", err)
		writeJSON(w, route, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list images"})
		return
	}
	if images == nil {
		images = []string{}
	}
	writeJSON(w, route, http.StatusOK, models.ImagesResponse{Images: images})
}

func writeJSON(w http.ResponseWriter, route string, status int, body interface{}) {
	metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response", "error", err, "route", route)
	}
}
