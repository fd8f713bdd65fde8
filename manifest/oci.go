package manifest

import (
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxIndexDepth bounds nested index resolution
const maxIndexDepth = 4

// ociCandidate is an image manifest descriptor found while walking the index tree
type ociCandidate struct {
	desc    ocispec.Descriptor
	refName string
}

func (r *resolver) resolveOCI() (*LayerPlan, error) {
	var index ocispec.Index
	if err := r.decode(OCIIndexFile, "resolve_manifest", &index); err != nil {
		return nil, err
	}

	var candidates []ociCandidate
	if err := r.collectManifests(index, "", 0, &candidates); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, formatErrorf("resolve_manifest", nil, "%s references no image manifest", OCIIndexFile)
	}

	chosen := r.selectManifest(candidates)

	manifestPath, err := blobPath(chosen.desc.Digest)
	if err != nil {
		return nil, formatErrorf("resolve_manifest", err, "invalid manifest digest %q", chosen.desc.Digest)
	}
	var m ocispec.Manifest
	if err := r.decode(manifestPath, "resolve_manifest", &m); err != nil {
		return nil, err
	}

	plan := &LayerPlan{
		Dialect: DialectOCI,
		ImageID: chosen.desc.Digest.String(),
		Layers:  make([]LayerRef, 0, len(m.Layers)),
	}
	if chosen.refName != "" {
		plan.RepoTags = []string{chosen.refName}
	}

	for _, l := range m.Layers {
		locator, err := blobPath(l.Digest)
		if err != nil {
			return nil, formatErrorf("resolve_manifest", err, "invalid layer digest %q", l.Digest)
		}
		if !r.hasEntry(locator) {
			return nil, formatErrorf("resolve_manifest", nil, "layer blob %s not found in archive", locator)
		}
		plan.Layers = append(plan.Layers, LayerRef{
			Digest:    l.Digest.String(),
			Locator:   locator,
			MediaType: l.MediaType,
		})
	}

	configPath, err := blobPath(m.Config.Digest)
	if err != nil {
		return nil, formatErrorf("resolve_manifest", err, "invalid config digest %q", m.Config.Digest)
	}
	cfg, err := r.readImageConfig(configPath)
	if err != nil {
		return nil, err
	}
	applyConfig(plan, cfg)

	return plan, nil
}

// collectManifests walks index and any nested indexes, appending image manifest
// descriptors in document order.
func (r *resolver) collectManifests(index ocispec.Index, refName string, depth int, out *[]ociCandidate) error {
	if depth > maxIndexDepth {
		return formatErrorf("resolve_manifest", nil, "image index nesting deeper than %d", maxIndexDepth)
	}

	for _, desc := range index.Manifests {
		name := refName
		if n := descriptorRefName(desc); n != "" {
			name = n
		}

		switch desc.MediaType {
		case MediaTypeOCIIndex, MediaTypeDockerManifestList:
			p, err := blobPath(desc.Digest)
			if err != nil {
				return formatErrorf("resolve_manifest", err, "invalid index digest %q", desc.Digest)
			}
			var nested ocispec.Index
			if err := r.decode(p, "resolve_manifest", &nested); err != nil {
				return err
			}
			if err := r.collectManifests(nested, name, depth+1, out); err != nil {
				return err
			}
		case MediaTypeOCIManifest, MediaTypeDockerManifest, "":
			if isAttestation(desc) {
				continue
			}
			*out = append(*out, ociCandidate{desc: desc, refName: name})
		}
	}
	return nil
}

// selectManifest prefers the requested tag, then the requested platform, then the
// first manifest.
func (r *resolver) selectManifest(candidates []ociCandidate) ociCandidate {
	pool := candidates
	if r.opts.Tag != "" {
		var tagged []ociCandidate
		for _, c := range candidates {
			if c.refName != "" && refNameMatches(c.refName, r.opts.Tag) {
				tagged = append(tagged, c)
			}
		}
		if len(tagged) > 0 {
			pool = tagged
		}
	}

	want := r.opts.Platform
	if want.OS != "" && want.Architecture != "" {
		for _, c := range pool {
			p := c.desc.Platform
			if p == nil || p.OS != want.OS || p.Architecture != want.Architecture {
				continue
			}
			if want.Variant != "" && p.Variant != "" && p.Variant != want.Variant {
				continue
			}
			return c
		}
	}
	return pool[0]
}

func descriptorRefName(desc ocispec.Descriptor) string {
	if desc.Annotations == nil {
		return ""
	}
	if n := desc.Annotations[AnnotationContainerdName]; n != "" {
		return n
	}
	return desc.Annotations[AnnotationRefName]
}

// refNameMatches accepts a full reference or a bare tag as written by skopeo
func refNameMatches(refName, want string) bool {
	if tagMatches(refName, want) {
		return true
	}
	if i := strings.LastIndex(want, ":"); i >= 0 && i > strings.LastIndex(want, "/") {
		return refName == want[i+1:]
	}
	return false
}

func isAttestation(desc ocispec.Descriptor) bool {
	if desc.Annotations[AnnotationReferenceType] == "attestation-manifest" {
		return true
	}
	return desc.Platform != nil && desc.Platform.OS == "unknown" && desc.Platform.Architecture == "unknown"
}
