package manifest

import (
	"path"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/imginv/archive"
)

// dockerManifestEntry is one element of a docker-save manifest.json
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// legacyLayerJSON is the per-layer <id>/json document of pre-1.10 docker save output
type legacyLayerJSON struct {
	ID     string `json:"id"`
	Parent string `json:"parent"`
}

func (r *resolver) resolveDocker() (*LayerPlan, error) {
	if _, ok := r.meta[DockerManifestFile]; ok {
		return r.resolveDockerManifest()
	}
	if _, ok := r.meta[DockerRepositoriesFile]; ok {
		return r.resolveDockerLegacy()
	}
	return nil, formatErrorf("resolve_manifest", nil, "docker archive contains neither %s nor %s", DockerManifestFile, DockerRepositoriesFile)
}

func (r *resolver) resolveDockerManifest() (*LayerPlan, error) {
	var entries []dockerManifestEntry
	if err := r.decode(DockerManifestFile, "resolve_manifest", &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, formatErrorf("resolve_manifest", nil, "%s lists no images", DockerManifestFile)
	}

	entry := entries[0]
	if r.opts.Tag != "" {
		for _, e := range entries {
			if containsTag(e.RepoTags, r.opts.Tag) {
				entry = e
				break
			}
		}
	}

	if entry.Config == "" {
		return nil, formatErrorf("resolve_manifest", nil, "%s entry has no Config", DockerManifestFile)
	}
	configName := archive.CleanPath(entry.Config)

	plan := &LayerPlan{
		Dialect:  DialectDockerSave,
		ImageID:  dockerImageID(configName),
		RepoTags: entry.RepoTags,
		Layers:   make([]LayerRef, 0, len(entry.Layers)),
	}

	for _, l := range entry.Layers {
		locator := archive.CleanPath(l)
		if !r.hasEntry(locator) {
			return nil, formatErrorf("resolve_manifest", nil, "layer %s listed in %s not found in archive", locator, DockerManifestFile)
		}
		plan.Layers = append(plan.Layers, LayerRef{
			Digest:  dockerLayerDigest(locator),
			Locator: locator,
		})
	}

	cfg, err := r.readImageConfig(configName)
	if err != nil {
		return nil, err
	}
	applyConfig(plan, cfg)

	return plan, nil
}

func (r *resolver) resolveDockerLegacy() (*LayerPlan, error) {
	var repos map[string]map[string]string
	if err := r.decode(DockerRepositoriesFile, "resolve_manifest", &repos); err != nil {
		return nil, err
	}

	topID, repoTags := selectLegacyTop(repos, r.opts.Tag)
	if topID == "" {
		return nil, formatErrorf("resolve_manifest", nil, "%s lists no tagged images", DockerRepositoriesFile)
	}

	var chain []LayerRef
	seen := make(map[string]bool)
	for id := topID; id != ""; {
		if seen[id] {
			return nil, formatErrorf("resolve_manifest", nil, "layer %s has a cyclic parent chain", id)
		}
		seen[id] = true

		var layer legacyLayerJSON
		if err := r.decode(path.Join(id, "json"), "resolve_manifest", &layer); err != nil {
			return nil, err
		}
		locator := path.Join(id, "layer.tar")
		if !r.hasEntry(locator) {
			return nil, formatErrorf("resolve_manifest", nil, "layer %s not found in archive", locator)
		}
		chain = append(chain, LayerRef{Digest: id, Locator: locator})
		id = layer.Parent
	}

	plan := &LayerPlan{
		Dialect:  DialectDockerLegacy,
		ImageID:  topID,
		RepoTags: repoTags,
		Layers:   make([]LayerRef, 0, len(chain)),
	}
	for i := len(chain) - 1; i >= 0; i-- {
		plan.Layers = append(plan.Layers, chain[i])
	}

	// Legacy archives sometimes carry the image config as <id>.json
	if _, ok := r.meta[topID+".json"]; ok {
		if cfg, err := r.readImageConfig(topID + ".json"); err == nil {
			applyConfig(plan, cfg)
		}
	}
	return plan, nil
}

// selectLegacyTop picks the top layer id from a repositories document, preferring
// the requested tag and otherwise the first repo:tag in sorted order.
func selectLegacyTop(repos map[string]map[string]string, want string) (string, []string) {
	var refs []string
	ids := make(map[string]string)
	for repo, tags := range repos {
		for tag, id := range tags {
			ref := repo + ":" + tag
			refs = append(refs, ref)
			ids[ref] = id
		}
	}
	if len(refs) == 0 {
		return "", nil
	}
	sort.Strings(refs)

	top := ids[refs[0]]
	for _, ref := range refs {
		if want != "" && tagMatches(ref, want) {
			top = ids[ref]
			break
		}
	}

	var tags []string
	for _, ref := range refs {
		if ids[ref] == top {
			tags = append(tags, ref)
		}
	}
	return top, tags
}

// dockerImageID is the hex digest of the image config, taken from its entry name
// ("<hex>.json" or "blobs/sha256/<hex>").
func dockerImageID(configName string) string {
	if d, ok := digestFromBlobPath(configName); ok {
		return d.Encoded()
	}
	return strings.TrimSuffix(path.Base(configName), ".json")
}

func dockerLayerDigest(locator string) string {
	if d, ok := digestFromBlobPath(locator); ok {
		return d.String()
	}
	if path.Base(locator) == "layer.tar" {
		id := path.Dir(locator)
		if digest.Digest("sha256:"+id).Validate() == nil {
			return "sha256:" + id
		}
		return id
	}
	return locator
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if tagMatches(t, want) {
			return true
		}
	}
	return false
}

// tagMatches compares a stored repo tag with a requested one, tolerating a
// missing ":latest" and the docker.io/library/ prefixes docker strips.
func tagMatches(stored, want string) bool {
	normalize := func(s string) string {
		s = strings.TrimPrefix(s, "docker.io/")
		s = strings.TrimPrefix(s, "library/")
		if i := strings.LastIndex(s, ":"); i < 0 || i < strings.LastIndex(s, "/") {
			s += ":latest"
		}
		return s
	}
	return normalize(stored) == normalize(want)
}
