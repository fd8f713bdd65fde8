package registry

import (
	"fmt"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/bibin-skaria/imginv/internal/errors"
)

const digestMarker = "@sha256"

// ImageReference is a parsed image reference. For digest references Tag holds the
// full digest string and Digest holds it again once it validates as a hash.
type ImageReference struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest,omitempty"`
	// Original is the reference exactly as supplied
	Original string `json:"original"`
}

// String returns a fully qualified reference
func (r ImageReference) String() string {
	var ref strings.Builder
	ref.WriteString(r.Registry)
	ref.WriteString("/")
	ref.WriteString(r.Repository)
	if r.IsDigest() {
		ref.WriteString("@")
	} else {
		ref.WriteString(":")
	}
	ref.WriteString(r.Tag)
	return ref.String()
}

// IsDigest reports whether the reference pins a digest instead of a tag
func (r ImageReference) IsDigest() bool {
	return strings.HasPrefix(r.Tag, "sha256:")
}

// PullString returns the reference in the form go-containerregistry resolves,
// with Docker Hub addressed through its index hostname.
func (r ImageReference) PullString() string {
	if r.Registry == DockerHubRegistry {
		r.Registry = DockerHubIndex
	}
	return r.String()
}

// ShortName is the image name as the user wrote it, without tag or digest
func (r ImageReference) ShortName() string {
	name, _, _ := splitNameTag(strings.TrimSpace(r.Original))
	if name == "" {
		return r.Repository
	}
	return name
}

// ParseImageReference splits ref into hostname, image name and tag.
//
// A trailing "@sha256:<hex>" makes the whole digest the tag. Otherwise a ':' after
// the final '/' (or anywhere when there is no '/') separates the tag, which defaults
// to "latest". A first path segment containing a '.', a port, or equal to "localhost"
// names the registry; otherwise the image lives on Docker Hub and single-segment
// names are placed under "library/".
func ParseImageReference(ref string) (ImageReference, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ImageReference{}, errors.NewInvalidReferenceError(ref, "image reference cannot be empty")
	}

	name, tag, ok := splitNameTag(trimmed)
	if !ok {
		return ImageReference{}, errors.NewInvalidReferenceError(ref, fmt.Sprintf("image reference %q cannot be split into name and tag", ref))
	}

	imageRef := ImageReference{Tag: tag, Original: ref}
	if strings.HasPrefix(tag, "sha256:") {
		if h, err := v1.NewHash(tag); err == nil {
			imageRef.Digest = h.String()
		}
	}

	registry, repository := splitHostname(name)
	if !validRepository(repository) {
		return ImageReference{}, errors.NewInvalidReferenceError(ref, fmt.Sprintf("image reference %q has an empty path component", ref))
	}
	imageRef.Registry = registry
	imageRef.Repository = repository

	return imageRef, nil
}

// splitNameTag returns the name and tag parts of ref; ok is false when either is empty
func splitNameTag(ref string) (name, tag string, ok bool) {
	if i := strings.Index(ref, digestMarker); i >= 0 {
		name = ref[:i]
		tag = ref[i+1:]
		if !strings.HasPrefix(tag, "sha256:") || len(tag) == len("sha256:") {
			return name, "", false
		}
		return name, tag, name != ""
	}

	finalSlash := strings.LastIndex(ref, "/")
	lastColon := strings.LastIndex(ref, ":")
	if lastColon > finalSlash {
		name, tag = ref[:lastColon], ref[lastColon+1:]
		return name, tag, name != "" && tag != ""
	}
	return ref, DefaultTag, ref != ""
}

func splitHostname(name string) (registry, repository string) {
	i := strings.Index(name, "/")
	if i < 0 {
		return DockerHubRegistry, DockerHubLibrary + "/" + name
	}

	first := name[:i]
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first, name[i+1:]
	}
	return DockerHubRegistry, name
}

func validRepository(repository string) bool {
	if repository == "" || strings.ContainsAny(repository, " \t\n") {
		return false
	}
	for _, part := range strings.Split(repository, "/") {
		if part == "" {
			return false
		}
	}
	return true
}
