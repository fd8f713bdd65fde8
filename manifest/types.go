package manifest

import (
	"github.com/bibin-skaria/imginv/internal/types"
)

// Media types accepted while walking an OCI index
const (
	MediaTypeOCIManifest = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex    = "application/vnd.oci.image.index.v1+json"

	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Well-known archive entry names
const (
	DockerManifestFile     = "manifest.json"
	DockerRepositoriesFile = "repositories"
	OCIIndexFile           = "index.json"
	OCILayoutFile          = "oci-layout"
	OCIBlobsDir            = "blobs"
)

// Annotations read from OCI index descriptors
const (
	AnnotationRefName        = "org.opencontainers.image.ref.name"
	AnnotationContainerdName = "io.containerd.image.name"
	AnnotationReferenceType  = "vnd.docker.reference.type"
)

// Dialect records which archive layout a plan was resolved from
type Dialect string

const (
	DialectDockerSave   Dialect = "docker-save"
	DialectDockerLegacy Dialect = "docker-legacy"
	DialectOCI          Dialect = "oci"
)

// LayerRef is one layer of a plan. Locator is the archive entry holding the layer blob.
type LayerRef struct {
	Digest    string `json:"digest"`
	DiffID    string `json:"diffId,omitempty"`
	Locator   string `json:"locator"`
	MediaType string `json:"mediaType,omitempty"`
}

// LayerPlan is the dialect independent description of an image inside an archive.
// Layers are ordered base first.
type LayerPlan struct {
	Dialect  Dialect        `json:"dialect"`
	ImageID  string         `json:"imageId"`
	Layers   []LayerRef     `json:"layers"`
	RepoTags []string       `json:"repoTags,omitempty"`
	Platform types.Platform `json:"platform"`
}

// ManifestLayers returns the uncompressed diff IDs when every layer has one, so the
// same image yields the same list whichever tool saved it. Otherwise it falls back
// to the layer digests.
func (p *LayerPlan) ManifestLayers() []string {
	out := make([]string, len(p.Layers))
	useDiffIDs := len(p.Layers) > 0
	for _, l := range p.Layers {
		if l.DiffID == "" {
			useDiffIDs = false
			break
		}
	}
	for i, l := range p.Layers {
		if useDiffIDs {
			out[i] = l.DiffID
		} else {
			out[i] = l.Digest
		}
	}
	return out
}

// TopDownLocators returns layer entry names ordered top layer first
func (p *LayerPlan) TopDownLocators() []string {
	out := make([]string, 0, len(p.Layers))
	for i := len(p.Layers) - 1; i >= 0; i-- {
		out = append(out, p.Layers[i].Locator)
	}
	return out
}

// Options tune how an archive is resolved
type Options struct {
	// Platform selects a manifest from a multi-platform OCI index
	Platform types.Platform
	// Tag selects among several images in one archive
	Tag string
}

// Metadata holds the buffered non-layer entries of an archive by entry name
type Metadata map[string][]byte

// EntrySet is the set of archive entry names classified as layers
type EntrySet map[string]bool
