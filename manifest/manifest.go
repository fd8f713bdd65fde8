package manifest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/types"
)

// Resolve turns the metadata and layer entries of an archive into a LayerPlan.
// layers holds the names of entries sniffed as layer blobs; a locator that was
// classified as metadata (an empty layer tar, for example) is accepted as well.
func Resolve(imageType types.ImageType, meta Metadata, layers EntrySet, opts Options) (*LayerPlan, error) {
	r := &resolver{meta: meta, layers: layers, opts: opts}

	switch imageType {
	case types.ImageTypeDockerArchive:
		return r.resolveDocker()
	case types.ImageTypeOciArchive:
		return r.resolveOCI()
	default:
		return nil, errors.NewFormatError("resolve_manifest", fmt.Sprintf("unsupported image type %q", imageType), nil)
	}
}

// DetectImageType guesses the archive dialect from its metadata entries
func DetectImageType(meta Metadata) (types.ImageType, bool) {
	if _, ok := meta[DockerManifestFile]; ok {
		return types.ImageTypeDockerArchive, true
	}
	if _, ok := meta[OCIIndexFile]; ok {
		return types.ImageTypeOciArchive, true
	}
	if _, ok := meta[DockerRepositoriesFile]; ok {
		return types.ImageTypeDockerArchive, true
	}
	return "", false
}

type resolver struct {
	meta   Metadata
	layers EntrySet
	opts   Options
}

func (r *resolver) hasEntry(name string) bool {
	if r.layers[name] {
		return true
	}
	_, ok := r.meta[name]
	return ok
}

func (r *resolver) decode(entry, operation string, v interface{}) error {
	data, ok := r.meta[entry]
	if !ok {
		return formatErrorf(operation, nil, "%s not found in archive", entry)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return formatErrorf(operation, err, "failed to parse %s", entry)
	}
	return nil
}

// readImageConfig decodes an image config; both docker and OCI configs share the
// fields used here.
func (r *resolver) readImageConfig(entry string) (*ocispec.Image, error) {
	var cfg ocispec.Image
	if err := r.decode(entry, "read_config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyConfig(plan *LayerPlan, cfg *ocispec.Image) {
	plan.Platform = types.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
	if len(cfg.RootFS.DiffIDs) != len(plan.Layers) {
		return
	}
	for i, id := range cfg.RootFS.DiffIDs {
		plan.Layers[i].DiffID = id.String()
	}
}

// blobPath maps a digest to its location inside an OCI layout
func blobPath(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	return path.Join(OCIBlobsDir, d.Algorithm().String(), d.Encoded()), nil
}

// digestFromBlobPath recovers "alg:hex" from a "blobs/<alg>/<hex>" entry name
func digestFromBlobPath(entry string) (digest.Digest, bool) {
	parts := strings.Split(entry, "/")
	if len(parts) != 3 || parts[0] != OCIBlobsDir {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(parts[1]), parts[2])
	if d.Validate() != nil {
		return "", false
	}
	return d, true
}

func formatErrorf(operation string, cause error, format string, args ...interface{}) error {
	return errors.NewFormatError(operation, fmt.Sprintf(format, args...), cause)
}
