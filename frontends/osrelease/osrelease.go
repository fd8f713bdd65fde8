// Package osrelease identifies the image's distribution from os-release.
package osrelease

import (
	"context"
	"io"

	"github.com/acobaugh/osrelease"

	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/layers"
)

const Action = "os-release"

// Paths in lookup order; /etc/os-release wins when both exist
var Paths = []string{
	"/etc/os-release",
	"/usr/lib/os-release",
}

func init() {
	layers.RegisterAction(layers.MustGlobAction(Action, func(_ context.Context, r io.Reader) (interface{}, error) {
		return Parse(r)
	}, Paths...))
}

// Parse reads an os-release document. VERSION_ID is preferred over VERSION,
// which rolling distributions may omit.
func Parse(r io.Reader) (*types.OSRelease, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fields, err := osrelease.ReadString(string(b))
	if err != nil {
		return nil, err
	}
	rel := &types.OSRelease{
		Name:       fields["ID"],
		Version:    fields["VERSION_ID"],
		PrettyName: fields["PRETTY_NAME"],
	}
	if rel.Version == "" {
		rel.Version = fields["VERSION"]
	}
	if rel.Name == "" {
		rel.Name = "unknown"
	}
	return rel, nil
}

// TargetOS returns the parsed os-release of the image, or an "unknown" OS
// when none was found.
func TargetOS(extracted types.ExtractedLayers) types.OSRelease {
	for _, p := range Paths {
		if rel, ok := extracted[p][Action].(*types.OSRelease); ok && rel != nil {
			return *rel
		}
	}
	return types.OSRelease{Name: "unknown"}
}
