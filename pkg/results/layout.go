package results

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/chunk"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

const (
	partialsDir   = "partials"
	publishSuffix = ".publish"
	// MarkerLayout is the UTC hour stamp used when a run has no description.
	MarkerLayout = "20060102T15"
)

var (
	kindPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	markerCleaner = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// Layout maps computation kinds to their files under one results directory:
//
//	<root>/<kind>.json
//	<root>/partials/<kind>/<kind>.chunk-<i>-of-<n>.<marker>.json
type Layout struct {
	Root string
}

// ValidateKind rejects kinds that cannot be used as file names.
func ValidateKind(kind string) error {
	if !kindPattern.MatchString(kind) {
		return sdkerrors.NewError(sdkerrors.CodeUnknownKind,
			fmt.Sprintf("invalid computation kind %q", kind), nil)
	}
	return nil
}

// CanonicalPath is the canonical store of kind.
func (l Layout) CanonicalPath(kind string) string {
	return filepath.Join(l.Root, kind+".json")
}

// PublishPath is the fixed temp file a publish writes before renaming it into place.
func (l Layout) PublishPath(kind string) string {
	return l.CanonicalPath(kind) + publishSuffix
}

// PartialsDir holds every partial file of kind.
func (l Layout) PartialsDir(kind string) string {
	return filepath.Join(l.Root, partialsDir, kind)
}

// PartialPath is the partial file written by one worker for one chunk and marker.
func (l Layout) PartialPath(kind string, spec chunk.Spec, marker string) string {
	name := fmt.Sprintf("%s.chunk-%d-of-%d.%s.json", kind, spec.Index, spec.Total, marker)
	return filepath.Join(l.PartialsDir(kind), name)
}

// Marker derives the collision-avoiding part of a partial file name: the sanitised
// run description, or the UTC hour of now.
func Marker(description string, now time.Time) string {
	if m := strings.Trim(markerCleaner.ReplaceAllString(description, "-"), "-"); m != "" {
		return m
	}
	return now.UTC().Format(MarkerLayout)
}

// PartialFile is a partial file found on disk.
type PartialFile struct {
	Path   string
	Chunk  chunk.Spec
	Marker string
}

// ListPartials returns the partial files of kind sorted by file name. A missing
// directory yields none.
func (l Layout) ListPartials(kind string) ([]PartialFile, error) {
	entries, err := os.ReadDir(l.PartialsDir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list partials of %s: %w", kind, err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(kind) + `\.chunk-(\d+)-of-(\d+)\.([A-Za-z0-9_-]+)\.json$`)
	var out []PartialFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		spec, err := chunk.Parse(m[1] + "/" + m[2])
		if err != nil {
			continue
		}
		out = append(out, PartialFile{
			Path:   filepath.Join(l.PartialsDir(kind), e.Name()),
			Chunk:  spec,
			Marker: m[3],
		})
	}
	slices.SortFunc(out, func(a, b PartialFile) int {
		return strings.Compare(filepath.Base(a.Path), filepath.Base(b.Path))
	})
	return out, nil
}

// ListKinds returns every kind with a canonical store or a partials directory.
func (l Layout) ListKinds() ([]string, error) {
	seen := map[string]bool{}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list results directory: %w", err)
	}
	for _, e := range entries {
		if kind, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() && ValidateKind(kind) == nil {
			seen[kind] = true
		}
	}
	if dirs, err := os.ReadDir(filepath.Join(l.Root, partialsDir)); err == nil {
		for _, e := range dirs {
			if e.IsDir() && ValidateKind(e.Name()) == nil {
				seen[e.Name()] = true
			}
		}
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds, nil
}
