package models

// These structs define the JSON bodies returned by the analysis API.

// TriggerAnalysisResponse is returned by POST /api/trigger-analysis.
type TriggerAnalysisResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
}

// SingleImageResponse is returned by POST /api/test-single-image.
type SingleImageResponse struct {
	Success   bool   `json:"success"`
	ImageKey  string `json:"imageKey"`
	OutputKey string `json:"outputKey"`
}

// BucketStatusResponse is returned by GET /api/bucket-status.
type BucketStatusResponse struct {
	ImageCount    int      `json:"imageCount"`
	AnalysisCount int      `json:"analysisCount"`
	ImageKeys     []string `json:"imageKeys"`
	AnalysisKeys  []string `json:"analysisKeys"`
}

// Analysis is one stored analysis and its text.
type Analysis struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// AnalysesResponse is returned by GET /api/analysis.
type AnalysesResponse struct {
	Analyses []Analysis `json:"analyses"`
}

// ImagesResponse is returned by GET /api/bucket/images.
type ImagesResponse struct {
	Images []string `json:"images"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ServiceInfo is returned for unrouted paths under /api/.
type ServiceInfo struct {
	Name string `json:"name"`
}

// StorageObjectEvent is the data payload of a Cloud Storage CloudEvent.
type StorageObjectEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}
