// Package naming classifies bucket keys and derives the keys under which
// image analyses are stored.
package naming

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// ImageExtensions are the key suffixes recognised as images, compared against
// the lowercased key.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// IsImageKey reports whether key names an image file.
func IsImageKey(key string) bool {
	lower := strings.ToLower(key)
	for _, ext := range ImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Assignment pairs an image key with the analysis key it is written to.
type Assignment struct {
	ImageKey  string
	OutputKey string
}

// Scheme derives analysis keys from image keys. Exactly one scheme is active
// per deployment; mixing schemes in one bucket orphans analysis objects.
type Scheme interface {
	// Name is the configuration value that selects the scheme.
	Name() string

	// Plan assigns an output key to every image key. The result must not
	// depend on the order of imageKeys.
	Plan(imageKeys []string) []Assignment

	// IsAnalysisKey reports whether key looks like an analysis written by
	// this scheme.
	IsAnalysisKey(key string) bool

	// ListPrefix narrows bucket listings to analysis objects. Empty means the
	// whole bucket has to be listed and filtered with IsAnalysisKey.
	ListPrefix() string

	// SkipExisting is true when images whose analysis already exists are
	// left alone by a full-bucket run.
	SkipExisting() bool

	// NeedsAllImages is true when an image's output key depends on the rest
	// of the image set.
	NeedsAllImages() bool
}

const (
	SchemeSimple  = "simple"
	SchemeGrouped = "grouped"
)

// ParseScheme returns the scheme selected by name. An empty or unknown name is
// an error.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SchemeSimple:
		return SimpleScheme{}, nil
	case SchemeGrouped:
		return GroupedScheme{}, nil
	case "":
		return nil, fmt.Errorf("analysis scheme must be set to %q or %q", SchemeSimple, SchemeGrouped)
	default:
		return nil, fmt.Errorf("unknown analysis scheme %q", name)
	}
}

// AnalysisPrefix marks analysis objects written by the simple scheme.
const AnalysisPrefix = "analysis:"

const analysisSuffix = ".txt"

// SimpleScheme writes one analysis per image next to it:
// "photos/cat.jpg" becomes "analysis:photos/cat.txt".
type SimpleScheme struct{}

func (SimpleScheme) Name() string { return SchemeSimple }

// AnalysisKey derives the analysis key for a single image key.
func (SimpleScheme) AnalysisKey(imageKey string) string {
	base := strings.TrimSuffix(imageKey, path.Ext(imageKey))
	return AnalysisPrefix + base + analysisSuffix
}

// Plan assigns each image its own analysis key, keeping input order.
func (s SimpleScheme) Plan(imageKeys []string) []Assignment {
	out := make([]Assignment, 0, len(imageKeys))
	for _, key := range imageKeys {
		out = append(out, Assignment{ImageKey: key, OutputKey: s.AnalysisKey(key)})
	}
	return out
}

// IsAnalysisKey reports keys of the form "analysis:<stem>.txt".
func (SimpleScheme) IsAnalysisKey(key string) bool {
	return strings.HasPrefix(key, AnalysisPrefix) && strings.HasSuffix(key, analysisSuffix)
}

// Analysis keys share AnalysisPrefix, and an image's key depends on nothing
// but its own name, so existing analyses can be skipped.
func (SimpleScheme) ListPrefix() string   { return AnalysisPrefix }
func (SimpleScheme) SkipExisting() bool   { return true }
func (SimpleScheme) NeedsAllImages() bool { return false }

// Source groups recognised by GroupedScheme.
const (
	SourceReddit  = "Reddit"
	SourceX       = "X"
	SourceGeneral = "General"
)

var knownSources = map[string]string{
	"reddit": SourceReddit,
	"x":      SourceX,
}

// SourceOf classifies an image key by its second-to-last path segment.
// Keys without a directory, or with an unrecognised one, are General.
func SourceOf(imageKey string) string {
	segments := strings.Split(imageKey, "/")
	if len(segments) < 2 {
		return SourceGeneral
	}
	if source, ok := knownSources[strings.ToLower(segments[len(segments)-2])]; ok {
		return source
	}
	return SourceGeneral
}

// GroupedScheme numbers images within their source group:
// "reddit/a.jpg" becomes "Reddit analysis 1.txt". Numbers follow the
// lexicographic order of the full image set, so adding or removing images
// shifts the keys of later images in the same group.
type GroupedScheme struct{}

func (GroupedScheme) Name() string { return SchemeGrouped }

// GroupedAnalysisKey formats the output key for the n-th image of source.
func GroupedAnalysisKey(source string, n int) string {
	return fmt.Sprintf("%s analysis %d%s", source, n, analysisSuffix)
}

// Plan sorts a copy of imageKeys lexicographically, then numbers images from
// 1 within each source in that order. The caller's slice is left untouched.
func (GroupedScheme) Plan(imageKeys []string) []Assignment {
	sorted := append([]string(nil), imageKeys...)
	sort.Strings(sorted)

	counters := make(map[string]int)
	out := make([]Assignment, 0, len(sorted))
	for _, key := range sorted {
		source := SourceOf(key)
		counters[source]++
		out = append(out, Assignment{ImageKey: key, OutputKey: GroupedAnalysisKey(source, counters[source])})
	}
	return out
}

// IsAnalysisKey reports keys of the form "<Source> analysis <n>.txt".
func (GroupedScheme) IsAnalysisKey(key string) bool {
	return strings.Contains(key, " analysis ") && strings.HasSuffix(key, analysisSuffix)
}

// Grouped keys have no common prefix, and numbering depends on the whole image
// set, so every run rewrites all analyses.
func (GroupedScheme) ListPrefix() string   { return "" }
func (GroupedScheme) SkipExisting() bool   { return false }
func (GroupedScheme) NeedsAllImages() bool { return true }

// OutputKeyFor returns the output key assigned to imageKey, given the full
// set of image keys it is numbered against.
func OutputKeyFor(s Scheme, imageKey string, imageKeys []string) (string, bool) {
	for _, a := range s.Plan(imageKeys) {
		if a.ImageKey == imageKey {
			return a.OutputKey, true
		}
	}
	return "", false
}
