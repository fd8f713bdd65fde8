package manifest

import (
	"context"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/imginv/archive"
	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/testutil"
	"github.com/bibin-skaria/imginv/internal/types"
)

var sampleImage = testutil.Image{
	RepoTags: []string{"example/app:1.0"},
	Layers: []testutil.Layer{
		{Files: []testutil.File{{Path: "etc/os-release", Content: "ID=debian\n"}}},
		{Files: []testutil.File{{Path: "var/lib/dpkg/status", Content: "Package: bash\n"}}},
	},
}

// collect walks an archive the way the extractor does and returns its metadata
// and layer entry names.
func collect(t *testing.T, data []byte) (Metadata, EntrySet) {
	t.Helper()
	fs := testutil.WriteArchive(t, data, "/image.tar")
	r, err := archive.Open(fs, "/image.tar")
	require.NoError(t, err)
	defer r.Close()

	meta := Metadata{}
	layers := EntrySet{}
	err = r.Walk(context.Background(), func(e *archive.Entry) error {
		if e.Kind == archive.EntryLayer {
			layers[e.Name] = true
			return nil
		}
		b, err := e.Bytes()
		if err != nil {
			return err
		}
		meta[e.Name] = b
		return nil
	})
	require.NoError(t, err)
	return meta, layers
}

func TestResolve_DockerArchive(t *testing.T) {
	meta, layers := collect(t, testutil.DockerArchive(sampleImage))

	plan, err := Resolve(types.ImageTypeDockerArchive, meta, layers, Options{})
	require.NoError(t, err)

	assert.Equal(t, DialectDockerSave, plan.Dialect)
	assert.Equal(t, sampleImage.ConfigDigest().Encoded(), plan.ImageID)
	assert.Equal(t, []string{"example/app:1.0"}, plan.RepoTags)
	require.Len(t, plan.Layers, 2)
	assert.Equal(t, sampleImage.DiffIDs(), plan.ManifestLayers())
	assert.Equal(t, "linux", plan.Platform.OS)
	for _, l := range plan.Layers {
		assert.True(t, layers[l.Locator], "locator %s should be a layer entry", l.Locator)
	}

	top := plan.TopDownLocators()
	assert.Equal(t, plan.Layers[1].Locator, top[0])
}

func TestResolve_OCIArchive(t *testing.T) {
	for _, compression := range []string{"gzip", "zstd", "none"} {
		t.Run(compression, func(t *testing.T) {
			data, manifestDigest := testutil.OCIArchive(sampleImage, testutil.OCIOptions{Compression: compression, RefName: "1.0"})
			meta, layers := collect(t, data)

			plan, err := Resolve(types.ImageTypeOciArchive, meta, layers, Options{})
			require.NoError(t, err)

			assert.Equal(t, DialectOCI, plan.Dialect)
			assert.Equal(t, manifestDigest.String(), plan.ImageID)
			assert.Equal(t, []string{"1.0"}, plan.RepoTags)
			assert.Equal(t, sampleImage.DiffIDs(), plan.ManifestLayers())
		})
	}
}

func TestResolve_ManifestLayersMatchAcrossFormats(t *testing.T) {
	dockerMeta, dockerLayers := collect(t, testutil.DockerArchive(sampleImage))
	ociData, _ := testutil.OCIArchive(sampleImage, testutil.OCIOptions{})
	ociMeta, ociLayers := collect(t, ociData)

	dockerPlan, err := Resolve(types.ImageTypeDockerArchive, dockerMeta, dockerLayers, Options{})
	require.NoError(t, err)
	ociPlan, err := Resolve(types.ImageTypeOciArchive, ociMeta, ociLayers, Options{})
	require.NoError(t, err)

	assert.Equal(t, dockerPlan.ManifestLayers(), ociPlan.ManifestLayers())
}

func TestResolve_OCINestedIndexAndPlatform(t *testing.T) {
	data, manifestDigest := testutil.OCIArchive(sampleImage, testutil.OCIOptions{
		Nested:         true,
		RefName:        "docker.io/example/app:1.0",
		ExtraPlatforms: []ocispec.Platform{{OS: "linux", Architecture: "arm64"}},
	})
	meta, layers := collect(t, data)

	plan, err := Resolve(types.ImageTypeOciArchive, meta, layers, Options{
		Platform: types.Platform{OS: "linux", Architecture: "amd64"},
		Tag:      "example/app:1.0",
	})
	require.NoError(t, err)
	assert.Equal(t, manifestDigest.String(), plan.ImageID)
	assert.Equal(t, []string{"docker.io/example/app:1.0"}, plan.RepoTags)
	assert.Len(t, plan.Layers, 2)
}

func TestResolve_OCIPlatformFallback(t *testing.T) {
	data, _ := testutil.OCIArchive(sampleImage, testutil.OCIOptions{
		ExtraPlatforms: []ocispec.Platform{{OS: "linux", Architecture: "arm64"}},
	})
	meta, layers := collect(t, data)

	// With no platform preference the first manifest wins, and its config is absent.
	_, err := Resolve(types.ImageTypeOciArchive, meta, layers, Options{})
	assert.True(t, errors.IsFormatError(err), "got %v", err)

	_, err = Resolve(types.ImageTypeOciArchive, meta, layers, Options{Platform: types.Platform{OS: "linux", Architecture: "amd64"}})
	assert.NoError(t, err)
}

func TestResolve_LegacyDockerArchive(t *testing.T) {
	meta, layers := collect(t, testutil.LegacyDockerArchive(sampleImage, "example/app", "1.0"))

	plan, err := Resolve(types.ImageTypeDockerArchive, meta, layers, Options{})
	require.NoError(t, err)

	assert.Equal(t, DialectDockerLegacy, plan.Dialect)
	assert.Equal(t, testutil.LegacyTopID(2), plan.ImageID)
	assert.Equal(t, []string{"example/app:1.0"}, plan.RepoTags)
	require.Len(t, plan.Layers, 2)
	assert.Equal(t, testutil.LegacyTopID(2)+"/layer.tar", plan.Layers[1].Locator)
	assert.Equal(t, testutil.LegacyTopID(1)+"/layer.tar", plan.Layers[0].Locator)
}

func TestResolve_EmptyLayerClassifiedAsMetadata(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{
		{Files: []testutil.File{{Path: "etc/os-release", Content: "ID=alpine\n"}}},
		{},
	}}
	meta, layers := collect(t, testutil.DockerArchive(img))

	plan, err := Resolve(types.ImageTypeDockerArchive, meta, layers, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	_, inMeta := meta[plan.Layers[1].Locator]
	assert.True(t, inMeta)
}

func TestResolve_FormatErrors(t *testing.T) {
	dockerMeta, dockerLayers := collect(t, testutil.DockerArchive(sampleImage))
	ociData, _ := testutil.OCIArchive(sampleImage, testutil.OCIOptions{})
	ociMeta, ociLayers := collect(t, ociData)

	tests := []struct {
		name      string
		imageType types.ImageType
		meta      Metadata
		layers    EntrySet
	}{
		{"docker archive declared as oci", types.ImageTypeOciArchive, dockerMeta, dockerLayers},
		{"oci archive declared as docker", types.ImageTypeDockerArchive, ociMeta, ociLayers},
		{"unparseable manifest", types.ImageTypeDockerArchive, Metadata{"manifest.json": []byte("{not json")}, EntrySet{}},
		{"empty manifest", types.ImageTypeDockerArchive, Metadata{"manifest.json": []byte("[]")}, EntrySet{}},
		{"missing layer", types.ImageTypeDockerArchive, Metadata{"manifest.json": []byte(`[{"Config":"abc.json","Layers":["missing/layer.tar"]}]`)}, EntrySet{}},
		{"missing config", types.ImageTypeDockerArchive, Metadata{"manifest.json": []byte(`[{"Config":"abc.json","Layers":[]}]`)}, EntrySet{}},
		{"invalid index digest", types.ImageTypeOciArchive, Metadata{"index.json": []byte(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"sha256:zz","size":1}]}`)}, EntrySet{}},
		{"empty index", types.ImageTypeOciArchive, Metadata{"index.json": []byte(`{"schemaVersion":2,"manifests":[]}`)}, EntrySet{}},
		{"unknown image type", types.ImageType("tarball"), dockerMeta, dockerLayers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.imageType, tt.meta, tt.layers, Options{})
			require.Error(t, err)
			assert.True(t, errors.IsFormatError(err), "expected format error, got %v", err)
		})
	}
}

func TestDetectImageType(t *testing.T) {
	dockerMeta, _ := collect(t, testutil.DockerArchive(sampleImage))
	ociData, _ := testutil.OCIArchive(sampleImage, testutil.OCIOptions{})
	ociMeta, _ := collect(t, ociData)

	got, ok := DetectImageType(dockerMeta)
	assert.True(t, ok)
	assert.Equal(t, types.ImageTypeDockerArchive, got)

	got, ok = DetectImageType(ociMeta)
	assert.True(t, ok)
	assert.Equal(t, types.ImageTypeOciArchive, got)

	_, ok = DetectImageType(Metadata{})
	assert.False(t, ok)
}

func TestTagMatches(t *testing.T) {
	assert.True(t, tagMatches("nginx:latest", "nginx"))
	assert.True(t, tagMatches("docker.io/library/nginx:1.18", "nginx:1.18"))
	assert.False(t, tagMatches("nginx:1.18", "nginx:1.19"))
	assert.True(t, refNameMatches("1.18", "nginx:1.18"))
}
