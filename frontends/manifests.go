package frontends

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bibin-skaria/imginv/internal/types"
)

const (
	// MaxManifestFiles bounds how many companion manifest files a scan returns
	MaxManifestFiles = 5

	ManifestFilesAction = "manifest-files"
)

// ManifestFileAction matches files selected by include globs and not rejected by
// exclude globs. Globs without a leading slash match anywhere in the image.
type ManifestFileAction struct {
	include []string
	exclude []string
}

func NewManifestFileAction(include, exclude []string) (*ManifestFileAction, error) {
	if len(include) == 0 {
		return nil, fmt.Errorf("manifest file collection requires at least one glob")
	}
	a := &ManifestFileAction{}
	for _, g := range include {
		p := normalizeGlob(g)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid manifest glob %q", g)
		}
		a.include = append(a.include, p)
	}
	for _, g := range exclude {
		p := normalizeGlob(g)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid manifest exclude glob %q", g)
		}
		a.exclude = append(a.exclude, p)
	}
	return a, nil
}

func normalizeGlob(g string) string {
	switch {
	case path.IsAbs(g):
		return g
	case strings.HasPrefix(g, "**/"):
		return "/" + g
	}
	return "/**/" + g
}

func (a *ManifestFileAction) Name() string {
	return ManifestFilesAction
}

func (a *ManifestFileAction) Match(p string) bool {
	for _, g := range a.exclude {
		if ok, _ := doublestar.Match(g, p); ok {
			return false
		}
	}
	for _, g := range a.include {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

func (a *ManifestFileAction) Handle(_ context.Context, r io.Reader) (interface{}, error) {
	return io.ReadAll(r)
}

// CollectManifestFiles returns the first MaxManifestFiles matched files in path
// order with base64 contents. Empty files are dropped.
func CollectManifestFiles(extracted types.ExtractedLayers) []*types.ManifestFile {
	var paths []string
	for p, results := range extracted {
		if _, ok := results[ManifestFilesAction]; ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	if len(paths) > MaxManifestFiles {
		paths = paths[:MaxManifestFiles]
	}

	files := make([]*types.ManifestFile, 0, len(paths))
	for _, p := range paths {
		data, _ := extracted[p][ManifestFilesAction].([]byte)
		if len(data) == 0 {
			continue
		}
		files = append(files, &types.ManifestFile{
			Name:     path.Base(p),
			Path:     path.Dir(p),
			Contents: base64.StdEncoding.EncodeToString(data),
		})
	}
	return files
}
