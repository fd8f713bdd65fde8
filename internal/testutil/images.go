// Package testutil builds small image archives in memory for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/afero"
)

var epoch = time.Unix(0, 0)

type File struct {
	Path    string
	Content string
}

// Layer describes one filesystem diff. Whiteouts and Opaque hold paths of deleted
// files and of directories whose lower content is hidden.
type Layer struct {
	Files     []File
	Whiteouts []string
	Opaque    []string
	Dirs      []string
	Symlinks  map[string]string
	// Hardlinks maps a link name to a file of the same layer; they are written
	// after Files
	Hardlinks map[string]string
}

type Image struct {
	Layers       []Layer
	RepoTags     []string
	OS           string
	Architecture string
}

// Entry is a raw file of an outer archive
type Entry struct {
	Name string
	Data []byte
}

// LayerTar returns the uncompressed tar stream for l
func LayerTar(l Layer) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range l.Dirs {
		mustWriteHeader(tw, &tar.Header{Name: strings.TrimSuffix(d, "/") + "/", Typeflag: tar.TypeDir, Mode: 0o755})
	}
	for _, dir := range l.Opaque {
		writeTarFile(tw, path.Join(dir, ".wh..wh..opq"), nil)
	}
	for _, p := range l.Whiteouts {
		writeTarFile(tw, path.Join(path.Dir(p), ".wh."+path.Base(p)), nil)
	}
	for _, f := range l.Files {
		writeTarFile(tw, f.Path, []byte(f.Content))
	}
	links := make([]string, 0, len(l.Symlinks))
	for name := range l.Symlinks {
		links = append(links, name)
	}
	sort.Strings(links)
	for _, name := range links {
		mustWriteHeader(tw, &tar.Header{Name: name, Linkname: l.Symlinks[name], Typeflag: tar.TypeSymlink, Mode: 0o777})
	}
	hardlinks := make([]string, 0, len(l.Hardlinks))
	for name := range l.Hardlinks {
		hardlinks = append(hardlinks, name)
	}
	sort.Strings(hardlinks)
	for _, name := range hardlinks {
		mustWriteHeader(tw, &tar.Header{Name: name, Linkname: l.Hardlinks[name], Typeflag: tar.TypeLink, Mode: 0o644})
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		panic(err)
	}
	if err := gw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func Zstd(data []byte) []byte {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil)
}

// TarEntries writes entries, in order, as an outer archive
func TarEntries(entries []Entry) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		writeTarFile(tw, e.Name, e.Data)
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (img Image) config(diffIDs []digest.Digest) []byte {
	osName := img.OS
	if osName == "" {
		osName = "linux"
	}
	arch := img.Architecture
	if arch == "" {
		arch = "amd64"
	}
	cfg := ocispec.Image{
		Platform: ocispec.Platform{OS: osName, Architecture: arch},
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: diffIDs},
	}
	return mustJSON(cfg)
}

// ConfigDigest returns the digest of the image config both archive builders write
func (img Image) ConfigDigest() digest.Digest {
	_, diffIDs := img.layerTars()
	return digest.FromBytes(img.config(diffIDs))
}

// DiffIDs returns the uncompressed layer digests base first
func (img Image) DiffIDs() []string {
	_, diffIDs := img.layerTars()
	out := make([]string, len(diffIDs))
	for i, d := range diffIDs {
		out[i] = d.String()
	}
	return out
}

func (img Image) layerTars() ([][]byte, []digest.Digest) {
	tars := make([][]byte, len(img.Layers))
	diffIDs := make([]digest.Digest, len(img.Layers))
	for i, l := range img.Layers {
		tars[i] = LayerTar(l)
		diffIDs[i] = digest.FromBytes(tars[i])
	}
	return tars, diffIDs
}

// DockerArchiveEntries lays img out the way docker save does: <id>/layer.tar per
// layer, <config-hex>.json and manifest.json.
func DockerArchiveEntries(img Image) []Entry {
	entries, manifestEntry := img.dockerEntries()
	manifest := []map[string]interface{}{manifestEntry}
	return append(entries, Entry{Name: "manifest.json", Data: mustJSON(manifest)})
}

// MultiDockerArchive saves several images into one archive, listed in
// manifest.json in the order given
func MultiDockerArchive(imgs ...Image) []byte {
	var entries []Entry
	var manifest []map[string]interface{}
	seen := make(map[string]bool)
	for _, img := range imgs {
		imgEntries, manifestEntry := img.dockerEntries()
		for _, e := range imgEntries {
			if !seen[e.Name] {
				seen[e.Name] = true
				entries = append(entries, e)
			}
		}
		manifest = append(manifest, manifestEntry)
	}
	entries = append(entries, Entry{Name: "manifest.json", Data: mustJSON(manifest)})
	return TarEntries(entries)
}

func (img Image) dockerEntries() ([]Entry, map[string]interface{}) {
	tars, diffIDs := img.layerTars()
	cfg := img.config(diffIDs)
	cfgDigest := digest.FromBytes(cfg)

	var entries []Entry
	var layerNames []string
	for i, t := range tars {
		name := diffIDs[i].Encoded() + "/layer.tar"
		layerNames = append(layerNames, name)
		entries = append(entries,
			Entry{Name: diffIDs[i].Encoded() + "/VERSION", Data: []byte("1.0")},
			Entry{Name: name, Data: t},
		)
	}
	configName := cfgDigest.Encoded() + ".json"
	entries = append(entries, Entry{Name: configName, Data: cfg})

	return entries, map[string]interface{}{
		"Config":   configName,
		"RepoTags": img.RepoTags,
		"Layers":   layerNames,
	}
}

func DockerArchive(img Image) []byte {
	return TarEntries(DockerArchiveEntries(img))
}

// LegacyDockerArchive lays img out with a repositories file and a parent chain
func LegacyDockerArchive(img Image, repo, tag string) []byte {
	tars, _ := img.layerTars()
	var entries []Entry
	parent := ""
	for i, t := range tars {
		id := digest.FromString(parent + string(rune('a'+i))).Encoded()
		meta := map[string]string{"id": id}
		if parent != "" {
			meta["parent"] = parent
		}
		entries = append(entries,
			Entry{Name: id + "/json", Data: mustJSON(meta)},
			Entry{Name: id + "/layer.tar", Data: t},
		)
		parent = id
	}
	repos := map[string]map[string]string{repo: {tag: parent}}
	entries = append(entries, Entry{Name: "repositories", Data: mustJSON(repos)})
	return TarEntries(entries)
}

// LegacyTopID returns the top layer id LegacyDockerArchive assigns
func LegacyTopID(layers int) string {
	parent := ""
	for i := 0; i < layers; i++ {
		parent = digest.FromString(parent + string(rune('a'+i))).Encoded()
	}
	return parent
}

// OCIOptions controls OCI layout generation
type OCIOptions struct {
	// Compression is "gzip" (default), "zstd" or "none"
	Compression string
	// RefName is written as the org.opencontainers.image.ref.name annotation
	RefName string
	// Nested wraps the manifest in a second index blob
	Nested bool
	// ExtraPlatforms adds manifests for other platforms ahead of img's own
	ExtraPlatforms []ocispec.Platform
}

// OCIArchiveEntries lays img out as an OCI image layout and returns the entries
// and the manifest digest.
func OCIArchiveEntries(img Image, opts OCIOptions) ([]Entry, digest.Digest) {
	tars, diffIDs := img.layerTars()
	cfg := img.config(diffIDs)
	cfgDigest := digest.FromBytes(cfg)

	entries := []Entry{{Name: "oci-layout", Data: []byte(`{"imageLayoutVersion":"1.0.0"}`)}}

	var layerDescs []ocispec.Descriptor
	for _, t := range tars {
		blob, mediaType := t, ocispec.MediaTypeImageLayer
		switch opts.Compression {
		case "", "gzip":
			blob, mediaType = Gzip(t), ocispec.MediaTypeImageLayerGzip
		case "zstd":
			blob, mediaType = Zstd(t), ocispec.MediaTypeImageLayerZstd
		}
		d := digest.FromBytes(blob)
		layerDescs = append(layerDescs, ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(blob))})
		entries = append(entries, blobEntry(d, blob))
	}
	entries = append(entries, blobEntry(cfgDigest, cfg))

	manifest := mustJSON(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     ocispec.MediaTypeImageManifest,
		"config":        ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: cfgDigest, Size: int64(len(cfg))},
		"layers":        layerDescs,
	})
	manifestDigest := digest.FromBytes(manifest)
	entries = append(entries, blobEntry(manifestDigest, manifest))

	osName, arch := img.OS, img.Architecture
	if osName == "" {
		osName = "linux"
	}
	if arch == "" {
		arch = "amd64"
	}

	var descs []ocispec.Descriptor
	for _, p := range opts.ExtraPlatforms {
		other := mustJSON(map[string]interface{}{
			"schemaVersion": 2,
			"mediaType":     ocispec.MediaTypeImageManifest,
			"config":        ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.FromString("missing-" + p.Architecture), Size: 2},
			"layers":        []ocispec.Descriptor{},
		})
		d := digest.FromBytes(other)
		entries = append(entries, blobEntry(d, other))
		platform := p
		descs = append(descs, ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: d, Size: int64(len(other)), Platform: &platform})
	}

	own := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    manifestDigest,
		Size:      int64(len(manifest)),
		Platform:  &ocispec.Platform{OS: osName, Architecture: arch},
	}
	descs = append(descs, own)

	top := descs
	if opts.Nested {
		nested := mustJSON(map[string]interface{}{
			"schemaVersion": 2,
			"mediaType":     ocispec.MediaTypeImageIndex,
			"manifests":     descs,
		})
		nd := digest.FromBytes(nested)
		entries = append(entries, blobEntry(nd, nested))
		top = []ocispec.Descriptor{{MediaType: ocispec.MediaTypeImageIndex, Digest: nd, Size: int64(len(nested))}}
	}
	if opts.RefName != "" {
		for i := range top {
			top[i].Annotations = map[string]string{"org.opencontainers.image.ref.name": opts.RefName}
		}
	}

	index := mustJSON(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     ocispec.MediaTypeImageIndex,
		"manifests":     top,
	})
	entries = append(entries, Entry{Name: "index.json", Data: index})
	return entries, manifestDigest
}

func OCIArchive(img Image, opts OCIOptions) ([]byte, digest.Digest) {
	entries, d := OCIArchiveEntries(img, opts)
	return TarEntries(entries), d
}

// WriteArchive stores data at path on a fresh in-memory filesystem
func WriteArchive(t testing.TB, data []byte, name string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return fs
}

func blobEntry(d digest.Digest, data []byte) Entry {
	return Entry{Name: path.Join("blobs", d.Algorithm().String(), d.Encoded()), Data: data}
}

func writeTarFile(tw *tar.Writer, name string, data []byte) {
	mustWriteHeader(tw, &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))})
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}

func mustWriteHeader(tw *tar.Writer, hdr *tar.Header) {
	hdr.ModTime = epoch
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
