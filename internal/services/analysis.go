package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/Lllllllleong/bucketvision/internal/gcp"
	"github.com/Lllllllleong/bucketvision/internal/metrics"
	"github.com/Lllllllleong/bucketvision/internal/models"
	"github.com/Lllllllleong/bucketvision/internal/naming"
	"github.com/Lllllllleong/bucketvision/internal/objectstore"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxImageBytes is the largest image sent to the model (3 MiB).
	MaxImageBytes = 3 * 1024 * 1024

	// SingleImagePageSize bounds the listing used by the single-image test.
	SingleImagePageSize = 100

	analysisContentType = "text/plain"
	noDescription       = "No description"
)

// ErrNoImages is returned by TestSingleImage when the bucket holds no images.
var ErrNoImages = errors.New("no images found in bucket")

// Outcome is what happened to one image.
type Outcome string

const (
	OutcomeDescribed Outcome = metrics.OutcomeDescribed
	OutcomeSkipped   Outcome = metrics.OutcomeSkipped
	OutcomeFailed    Outcome = metrics.OutcomeFailed
	OutcomeMissing   Outcome = metrics.OutcomeMissing
)

// ImageDescriber produces a text description of an image. An empty result
// means the model returned no description.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)
}

// RunRecorder persists the outcome of full-bucket runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.AnalysisRun) error
}

// AnalysisConfig holds all configuration for the analysis service.
type AnalysisConfig struct {
	ProjectID           string
	VertexAIRegion      string
	VisionModel         string
	Bucket              string
	StoreBackend        string
	Scheme              string
	PageSize            int
	FirestoreCollection string
	S3Region            string
	S3Endpoint          string
	MinioEndpoint       string
	MinioAccessKey      string
	MinioSecretKey      string
	MinioUseSSL         bool
	MinioRegion         string
}

// AnalysisFunction holds the dependencies for the analysis logic.
type AnalysisFunction struct {
	store     objectstore.Store
	describer ImageDescriber
	recorder  RunRecorder
	scheme    naming.Scheme
	config    AnalysisConfig
	runs      singleflight.Group
}

// loadConfig loads and validates all necessary environment variables for this service.
func loadConfig() (*AnalysisConfig, error) {
	bucket := gcp.GetEnv("IMAGES_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("IMAGES_BUCKET environment variable must be set")
	}
	scheme := gcp.GetEnv("ANALYSIS_SCHEME", "")
	if scheme == "" {
		return nil, fmt.Errorf("ANALYSIS_SCHEME environment variable must be set to %q or %q", naming.SchemeSimple, naming.SchemeGrouped)
	}
	pageSize, err := strconv.Atoi(gcp.GetEnv("LIST_PAGE_SIZE", strconv.Itoa(objectstore.DefaultPageSize)))
	if err != nil || pageSize <= 0 {
		return nil, fmt.Errorf("LIST_PAGE_SIZE must be a positive integer")
	}
	useSSL, err := strconv.ParseBool(gcp.GetEnv("MINIO_USE_SSL", "true"))
	if err != nil {
		return nil, fmt.Errorf("MINIO_USE_SSL must be a boolean: %w", err)
	}

	return &AnalysisConfig{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		VertexAIRegion:      gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		VisionModel:         gcp.GetEnv("VISION_MODEL", "gemini-1.5-flash"),
		Bucket:              bucket,
		StoreBackend:        gcp.GetEnv("STORE_BACKEND", "gcs"),
		Scheme:              scheme,
		PageSize:            pageSize,
		FirestoreCollection: gcp.GetEnv("FIRESTORE_COLLECTION", ""),
		S3Region:            gcp.GetEnv("S3_REGION", "auto"),
		S3Endpoint:          gcp.GetEnv("S3_ENDPOINT", ""),
		MinioEndpoint:       gcp.GetEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:      gcp.GetEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:      gcp.GetEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:         useSSL,
		MinioRegion:         gcp.GetEnv("MINIO_REGION", ""),
	}, nil
}

// NewAnalysis creates a new AnalysisFunction from the environment.
func NewAnalysis(ctx context.Context) (*AnalysisFunction, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	store, err := openStore(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion, config.VisionModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	var recorder RunRecorder
	if config.FirestoreCollection != "" {
		ledger, err := gcp.NewRunLedger(ctx, config.ProjectID, config.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to create run ledger: %w", err)
		}
		recorder = ledger
	}

	f, err := NewAnalysisWithDeps(*config, store, vertexClient, recorder)
	if err != nil {
		return nil, err
	}
	slog.Info("Analysis service initialized.", "bucket", config.Bucket, "backend", config.StoreBackend, "scheme", f.scheme.Name(), "model", config.VisionModel)
	return f, nil
}

// NewAnalysisWithDeps wires an AnalysisFunction from explicit dependencies.
// recorder may be nil.
func NewAnalysisWithDeps(config AnalysisConfig, store objectstore.Store, describer ImageDescriber, recorder RunRecorder) (*AnalysisFunction, error) {
	scheme, err := naming.ParseScheme(config.Scheme)
	if err != nil {
		return nil, err
	}
	if store == nil || describer == nil {
		return nil, fmt.Errorf("object store and image describer must be provided")
	}
	if config.PageSize <= 0 {
		config.PageSize = objectstore.DefaultPageSize
	}
	return &AnalysisFunction{
		store:     store,
		describer: describer,
		recorder:  recorder,
		scheme:    scheme,
		config:    config,
	}, nil
}

func openStore(ctx context.Context, config *AnalysisConfig) (objectstore.Store, error) {
	switch config.StoreBackend {
	case "gcs":
		return gcp.NewGCSStore(ctx, config.Bucket)
	case "s3":
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:   config.Bucket,
			Region:   config.S3Region,
			Endpoint: config.S3Endpoint,
		})
	case "minio":
		return objectstore.NewMinioStore(objectstore.MinioConfig{
			Endpoint:  config.MinioEndpoint,
			AccessKey: config.MinioAccessKey,
			SecretKey: config.MinioSecretKey,
			UseSSL:    config.MinioUseSSL,
			Bucket:    config.Bucket,
			Region:    config.MinioRegion,
		})
	case "memory":
		return objectstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", config.StoreBackend)
	}
}

// ProcessImage analyses one image and writes the result to outputKey. Every
// image that exists ends with an analysis object: the description, a skip
// notice for oversized images, or a failure notice. Only store errors that
// prevent writing any of these are returned.
func (f *AnalysisFunction) ProcessImage(ctx context.Context, imageKey, outputKey string) (Outcome, error) {
	logCtx := slog.With("imageKey", imageKey, "outputKey", outputKey)

	data, err := f.store.Get(ctx, imageKey)
	if errors.Is(err, objectstore.ErrNotExist) {
		logCtx.Info("Image no longer exists. Nothing to do.")
		metrics.ImagesProcessed.WithLabelValues(metrics.OutcomeMissing).Inc()
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", imageKey, err)
	}

	if len(data) > MaxImageBytes {
		notice := fmt.Sprintf("[Skipped: image too large (%dKB). Max 3MB.]", int(math.Round(float64(len(data))/1024)))
		logCtx.Warn("Image exceeds size cap. Writing skip notice.", "bytes", len(data))
		if err := f.store.Put(ctx, outputKey, []byte(notice), analysisContentType); err != nil {
			return "", fmt.Errorf("failed to write skip notice for %s: %w", imageKey, err)
		}
		metrics.ImagesProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return OutcomeSkipped, nil
	}

	start := time.Now()
	description, err := f.describer.DescribeImage(ctx, data, gcp.VisionUserPrompt)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	outcome := OutcomeDescribed
	text := description
	if err != nil {
		logCtx.Error("Image analysis failed.", "error", err)
		outcome = OutcomeFailed
		text = failureNotice(err)
	} else if text == "" {
		text = noDescription
	}

	if err := f.store.Put(ctx, outputKey, []byte(text), analysisContentType); err != nil {
		if outcome == OutcomeFailed {
			return "", fmt.Errorf("failed to write failure notice for %s: %w", imageKey, err)
		}
		logCtx.Error("Failed to save description. Writing failure notice instead.", "error", err)
		outcome = OutcomeFailed
		if err := f.store.Put(ctx, outputKey, []byte(failureNotice(err)), analysisContentType); err != nil {
			return "", fmt.Errorf("failed to write failure notice for %s: %w", imageKey, err)
		}
	}

	metrics.ImagesProcessed.WithLabelValues(string(outcome)).Inc()
	logCtx.Info("Image analysis saved.", "outcome", outcome)
	return outcome, nil
}

func failureNotice(err error) string {
	return fmt.Sprintf("[Analysis failed: %s]", err.Error())
}

// TriggerAnalysis runs the full-bucket analysis and returns the number of
// images dispatched. Concurrent calls share a single run. The run is detached
// from the caller that started it: a caller that goes away gets ctx.Err()
// while the run carries on for everyone else.
func (f *AnalysisFunction) TriggerAnalysis(ctx context.Context) (int, error) {
	runCtx := context.WithoutCancel(ctx)
	results := f.runs.DoChan("trigger-analysis", func() (interface{}, error) {
		return f.runAll(runCtx)
	})

	select {
	case res := <-results:
		if res.Shared {
			slog.Info("Analysis run was shared with concurrent callers.", "bucket", f.config.Bucket)
		}
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		slog.Warn("Caller left before the analysis run finished. The run continues.", "bucket", f.config.Bucket)
		return 0, ctx.Err()
	}
}

func (f *AnalysisFunction) runAll(ctx context.Context) (int, error) {
	run := &models.AnalysisRun{
		RunID:     uuid.NewString(),
		Bucket:    f.config.Bucket,
		Scheme:    f.scheme.Name(),
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}
	logCtx := slog.With("bucket", f.config.Bucket, "runId", run.RunID, "scheme", run.Scheme)
	logCtx.Info("Starting full-bucket analysis.")
	f.recordRun(ctx, logCtx, run)

	plan, err := f.pendingAssignments(ctx)
	if err != nil {
		logCtx.Error("Failed to plan analysis run", "error", err)
		run.Status = models.RunStatusFailed
		run.ErrorDetails = err.Error()
		run.FinishedAt = time.Now()
		f.recordRun(context.WithoutCancel(ctx), logCtx, run)
		return 0, err
	}
	logCtx.Info("Planned analysis run.", "imageCount", len(plan))

	for _, a := range plan {
		if err := ctx.Err(); err != nil {
			return f.abortRun(ctx, logCtx, run, err)
		}
		outcome, err := f.ProcessImage(ctx, a.ImageKey, a.OutputKey)
		if err != nil {
			if ctx.Err() != nil {
				return f.abortRun(ctx, logCtx, run, ctx.Err())
			}
			// One bad image never aborts the run.
			logCtx.Error("Failed to process image", "error", err, "imageKey", a.ImageKey)
			run.Failed++
			continue
		}
		switch outcome {
		case OutcomeDescribed:
			run.Described++
		case OutcomeSkipped:
			run.Skipped++
		case OutcomeFailed:
			run.Failed++
		}
	}

	run.Processed = len(plan)
	run.Status = models.RunStatusCompleted
	run.FinishedAt = time.Now()
	f.recordRun(ctx, logCtx, run)
	logCtx.Info("Full-bucket analysis complete.", "processed", run.Processed, "described", run.Described, "skipped", run.Skipped, "failed", run.Failed)
	return run.Processed, nil
}

// abortRun marks run as FAILED after its context ended mid-run.
func (f *AnalysisFunction) abortRun(ctx context.Context, logCtx *slog.Logger, run *models.AnalysisRun, cause error) (int, error) {
	logCtx.Error("Analysis run interrupted", "error", cause, "described", run.Described, "skipped", run.Skipped, "failed", run.Failed)
	run.Status = models.RunStatusFailed
	run.ErrorDetails = cause.Error()
	run.FinishedAt = time.Now()
	f.recordRun(context.WithoutCancel(ctx), logCtx, run)
	return 0, fmt.Errorf("analysis run %s interrupted: %w", run.RunID, cause)
}

// pendingAssignments lists every image and drops those the scheme says are
// already analysed.
func (f *AnalysisFunction) pendingAssignments(ctx context.Context) ([]naming.Assignment, error) {
	images, err := objectstore.Keys(ctx, f.store, "", f.config.PageSize, naming.IsImageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	plan := f.scheme.Plan(images)
	if !f.scheme.SkipExisting() {
		return plan, nil
	}

	existing, err := objectstore.Keys(ctx, f.store, f.scheme.ListPrefix(), f.config.PageSize, f.scheme.IsAnalysisKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing analyses: %w", err)
	}
	done := make(map[string]struct{}, len(existing))
	for _, key := range existing {
		done[key] = struct{}{}
	}

	pending := plan[:0]
	for _, a := range plan {
		if _, ok := done[a.OutputKey]; !ok {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

func (f *AnalysisFunction) recordRun(ctx context.Context, logCtx *slog.Logger, run *models.AnalysisRun) {
	if f.recorder == nil {
		return
	}
	if err := f.recorder.RecordRun(ctx, run); err != nil {
		logCtx.Error("Failed to record analysis run", "error", err, "status", run.Status)
	}
}

// TestSingleImage analyses the first image of a bounded listing and returns
// the keys it used.
func (f *AnalysisFunction) TestSingleImage(ctx context.Context) (*models.SingleImageResponse, error) {
	page, err := f.store.List(ctx, objectstore.ListOptions{PageSize: SingleImagePageSize})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket: %w", err)
	}

	var imageKey string
	for _, obj := range page.Objects {
		if naming.IsImageKey(obj.Key) {
			imageKey = obj.Key
			break
		}
	}
	if imageKey == "" {
		return nil, ErrNoImages
	}

	outputKey, err := f.outputKeyFor(ctx, imageKey)
	if err != nil {
		return nil, err
	}
	if _, err := f.ProcessImage(ctx, imageKey, outputKey); err != nil {
		return nil, err
	}

	return &models.SingleImageResponse{
		Success:   true,
		ImageKey:  imageKey,
		OutputKey: outputKey,
	}, nil
}

// AnalyzeObject handles a single uploaded object, as reported by a storage
// event. Objects in other buckets and non-image objects are ignored.
func (f *AnalysisFunction) AnalyzeObject(ctx context.Context, bucket, key string) error {
	logCtx := slog.With("gcsBucket", bucket, "gcsObject", key)
	if bucket != f.config.Bucket {
		logCtx.Warn("Event is for a different bucket. Ignoring.", "expectedBucket", f.config.Bucket)
		return nil
	}
	if !naming.IsImageKey(key) {
		logCtx.Info("Object is not an image. Ignoring.")
		return nil
	}

	outputKey, err := f.outputKeyFor(ctx, key)
	if err != nil {
		logCtx.Error("Failed to derive analysis key", "error", err)
		return err
	}
	if _, err := f.ProcessImage(ctx, key, outputKey); err != nil {
		logCtx.Error("Failed to process uploaded image", "error", err)
		return err
	}
	return nil
}

// outputKeyFor derives the analysis key for one image, listing the full image
// set when the scheme numbers images relative to each other.
func (f *AnalysisFunction) outputKeyFor(ctx context.Context, imageKey string) (string, error) {
	images := []string{imageKey}
	if f.scheme.NeedsAllImages() {
		var err error
		images, err = objectstore.Keys(ctx, f.store, "", f.config.PageSize, naming.IsImageKey)
		if err != nil {
			return "", fmt.Errorf("failed to list images: %w", err)
		}
	}
	outputKey, ok := naming.OutputKeyFor(f.scheme, imageKey, images)
	if !ok {
		return "", fmt.Errorf("image %s is not in the bucket listing", imageKey)
	}
	return outputKey, nil
}

// BucketStatus reports the image and analysis keys currently in the bucket.
func (f *AnalysisFunction) BucketStatus(ctx context.Context) (*models.BucketStatusResponse, error) {
	status := &models.BucketStatusResponse{
		ImageKeys:    []string{},
		AnalysisKeys: []string{},
	}
	err := objectstore.Walk(ctx, f.store, "", f.config.PageSize, func(obj objectstore.ObjectInfo) error {
		switch {
		case naming.IsImageKey(obj.Key):
			status.ImageKeys = append(status.ImageKeys, obj.Key)
		case f.scheme.IsAnalysisKey(obj.Key):
			status.AnalysisKeys = append(status.AnalysisKeys, obj.Key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket: %w", err)
	}
	status.ImageCount = len(status.ImageKeys)
	status.AnalysisCount = len(status.AnalysisKeys)
	return status, nil
}

// FetchAnalyses reads every analysis object in the bucket.
func (f *AnalysisFunction) FetchAnalyses(ctx context.Context) ([]models.Analysis, error) {
	keys, err := objectstore.Keys(ctx, f.store, f.scheme.ListPrefix(), f.config.PageSize, f.scheme.IsAnalysisKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	analyses := make([]models.Analysis, 0, len(keys))
	for _, key := range keys {
		data, err := f.store.Get(ctx, key)
		if errors.Is(err, objectstore.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read analysis %s: %w", key, err)
		}
		analyses = append(analyses, models.Analysis{Key: key, Text: string(data)})
	}
	return analyses, nil
}

// Close releases the clients behind the store, describer and recorder.
func (f *AnalysisFunction) Close() error {
	var errs []error
	for _, dep := range []interface{}{f.store, f.describer, f.recorder} {
		if c, ok := dep.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ListImages returns every image key in the bucket.
func (f *AnalysisFunction) ListImages(ctx context.Context) ([]string, error) {
	images, err := objectstore.Keys(ctx, f.store, "", f.config.PageSize, naming.IsImageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}
