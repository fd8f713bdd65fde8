package layers

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/testutil"
	"github.com/bibin-skaria/imginv/internal/types"
)

func quietExtractor() *Extractor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	e := NewExtractor()
	e.Logger = logger
	return e
}

func extract(t *testing.T, e *Extractor, imageType types.ImageType, data []byte, actions ...ExtractAction) *ExtractionResult {
	t.Helper()
	fs := testutil.WriteArchive(t, data, "/image.tar")
	result, err := e.ExtractFile(context.Background(), fs, imageType, "/image.tar", actions)
	require.NoError(t, err)
	return result
}

func readAction(name string, patterns ...string) ExtractAction {
	return MustGlobAction(name, ReadAll, patterns...)
}

func layer(files ...string) testutil.Layer {
	var l testutil.Layer
	for i := 0; i+1 < len(files); i += 2 {
		l.Files = append(l.Files, testutil.File{Path: files[i], Content: files[i+1]})
	}
	return l
}

func TestExtract_CallbacksReceiveContent(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("snyk/mock.txt", "Hello, world!")}}

	second := MustGlobAction("read_twice", func(ctx context.Context, r io.Reader) (interface{}, error) {
		b, err := io.ReadAll(r)
		return string(b) + " Second callback!", err
	}, "/snyk/mock.txt")

	result := extract(t, quietExtractor(), types.ImageTypeDockerArchive, testutil.DockerArchive(img),
		readAction("read_as_string", "/snyk/mock.txt"), second)

	assert.Equal(t, types.ExtractedLayers{
		"/snyk/mock.txt": {
			"read_as_string": "Hello, world!",
			"read_twice":     "Hello, world! Second callback!",
		},
	}, result.ExtractedLayers)
	assert.Equal(t, img.ConfigDigest().Encoded(), result.ImageID)
	assert.Equal(t, img.DiffIDs(), result.ManifestLayers)
	assert.Empty(t, result.Errors)
}

func TestExtract_FormatEquivalence(t *testing.T) {
	img := testutil.Image{
		RepoTags: []string{"example/app:1.0"},
		Layers: []testutil.Layer{
			layer("etc/os-release", "ID=debian\n", "var/lib/dpkg/status", "Package: base\n", "etc/passwd", "root"),
			{Files: []testutil.File{{Path: "var/lib/dpkg/status", Content: "Package: top\n"}}, Whiteouts: []string{"etc/passwd"}},
			{},
		},
	}
	actions := []ExtractAction{
		readAction("os-release", "/etc/os-release"),
		readAction("dpkg", "/var/lib/dpkg/status"),
		readAction("passwd", "/etc/passwd"),
	}

	dockerResult := extract(t, quietExtractor(), types.ImageTypeDockerArchive, testutil.DockerArchive(img), actions...)
	for _, compression := range []string{"gzip", "zstd", "none"} {
		t.Run(compression, func(t *testing.T) {
			data, _ := testutil.OCIArchive(img, testutil.OCIOptions{Compression: compression})
			ociResult := extract(t, quietExtractor(), types.ImageTypeOciArchive, data, actions...)

			assert.Equal(t, dockerResult.ExtractedLayers, ociResult.ExtractedLayers)
			assert.Equal(t, dockerResult.ManifestLayers, ociResult.ManifestLayers)
		})
	}

	assert.Equal(t, types.ExtractedLayers{
		"/etc/os-release":      {"os-release": "ID=debian\n"},
		"/var/lib/dpkg/status": {"dpkg": "Package: top\n"},
	}, dockerResult.ExtractedLayers)
}

func TestExtract_LayerMerging(t *testing.T) {
	tests := []struct {
		name   string
		layers []testutil.Layer
		want   types.ExtractedLayers
	}{
		{
			name:   "higher layer shadows lower",
			layers: []testutil.Layer{layer("etc/conf", "low"), layer("etc/conf", "high")},
			want:   types.ExtractedLayers{"/etc/conf": {"read": "high"}},
		},
		{
			name: "whiteout removes lower file",
			layers: []testutil.Layer{
				layer("etc/conf", "low", "etc/other", "kept"),
				{Whiteouts: []string{"etc/conf"}},
			},
			want: types.ExtractedLayers{"/etc/other": {"read": "kept"}},
		},
		{
			name: "whiteout of a directory removes its content",
			layers: []testutil.Layer{
				layer("etc/app/a", "1", "etc/app/b", "2", "etc/appendix", "3"),
				{Whiteouts: []string{"etc/app"}},
			},
			want: types.ExtractedLayers{"/etc/appendix": {"read": "3"}},
		},
		{
			name: "opaque directory hides lower content only",
			layers: []testutil.Layer{
				layer("etc/app/a", "1", "etc/app/b", "2"),
				{Opaque: []string{"etc/app"}, Files: []testutil.File{{Path: "etc/app/c", Content: "3"}}},
			},
			want: types.ExtractedLayers{"/etc/app/c": {"read": "3"}},
		},
		{
			name: "file recreated above its whiteout",
			layers: []testutil.Layer{
				layer("etc/conf", "v1"),
				{Whiteouts: []string{"etc/conf"}},
				layer("etc/conf", "v3"),
			},
			want: types.ExtractedLayers{"/etc/conf": {"read": "v3"}},
		},
		{
			name: "whiteout in a lower layer does not hide higher content",
			layers: []testutil.Layer{
				{Whiteouts: []string{"etc/conf"}},
				layer("etc/conf", "top"),
			},
			want: types.ExtractedLayers{"/etc/conf": {"read": "top"}},
		},
		{
			name: "directories and symlinks are ignored",
			layers: []testutil.Layer{{
				Dirs:     []string{"etc/dir"},
				Symlinks: map[string]string{"etc/link": "/etc/target"},
				Files:    []testutil.File{{Path: "etc/target", Content: "real"}},
			}},
			want: types.ExtractedLayers{"/etc/target": {"read": "real"}},
		},
		{
			name: "symlink in higher layer replaces lower file",
			layers: []testutil.Layer{
				layer("etc/os-release", "ID=old\n"),
				{Symlinks: map[string]string{"etc/os-release": "../usr/lib/os-release"}},
			},
			want: types.ExtractedLayers{},
		},
		{
			name: "symlink in higher layer replaces lower directory",
			layers: []testutil.Layer{
				layer("etc/app/a", "1", "etc/other", "kept"),
				{Symlinks: map[string]string{"etc/app": "/opt/app"}},
			},
			want: types.ExtractedLayers{"/etc/other": {"read": "kept"}},
		},
		{
			name: "directory in higher layer replaces lower file",
			layers: []testutil.Layer{
				layer("etc/conf", "file"),
				{Dirs: []string{"etc/conf"}, Files: []testutil.File{{Path: "etc/conf/part", Content: "new"}}},
			},
			want: types.ExtractedLayers{"/etc/conf/part": {"read": "new"}},
		},
		{
			name: "hard link takes the content of its target",
			layers: []testutil.Layer{
				layer("etc/conf", "old"),
				{
					Files:     []testutil.File{{Path: "etc/conf.orig", Content: "new"}},
					Hardlinks: map[string]string{"etc/conf": "etc/conf.orig"},
				},
			},
			want: types.ExtractedLayers{
				"/etc/conf":      {"read": "new"},
				"/etc/conf.orig": {"read": "new"},
			},
		},
		{
			name: "hard link to an unmatched file still replaces lower file",
			layers: []testutil.Layer{
				layer("etc/conf", "old"),
				{
					Files:     []testutil.File{{Path: "usr/share/conf", Content: "new"}},
					Hardlinks: map[string]string{"etc/conf": "usr/share/conf"},
				},
			},
			want: types.ExtractedLayers{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := testutil.Image{Layers: tt.layers}
			action := readAction("read", "/etc/**")

			dockerResult := extract(t, quietExtractor(), types.ImageTypeDockerArchive, testutil.DockerArchive(img), action)
			assert.Equal(t, tt.want, dockerResult.ExtractedLayers)

			data, _ := testutil.OCIArchive(img, testutil.OCIOptions{})
			ociResult := extract(t, quietExtractor(), types.ImageTypeOciArchive, data, action)
			assert.Equal(t, tt.want, ociResult.ExtractedLayers)
		})
	}
}

func TestExtract_LegacyDockerArchive(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{
		layer("etc/os-release", "ID=old\n"),
		layer("etc/os-release", "ID=new\n"),
	}}
	data := testutil.LegacyDockerArchive(img, "example/legacy", "latest")

	result := extract(t, quietExtractor(), types.ImageTypeDockerArchive, data, readAction("os", "/etc/os-release"))
	assert.Equal(t, "ID=new\n", result.ExtractedLayers["/etc/os-release"]["os"])
	assert.Equal(t, testutil.LegacyTopID(2), result.ImageID)
	assert.Equal(t, []string{"example/legacy:latest"}, result.RepoTags)
}

func TestExtract_ActionFailureIsolated(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("etc/a", "a", "etc/b", "b")}}

	failing := MustGlobAction("failing", func(ctx context.Context, r io.Reader) (interface{}, error) {
		return nil, fmt.Errorf("cannot parse")
	}, "/etc/a")
	panicking := MustGlobAction("panicking", func(ctx context.Context, r io.Reader) (interface{}, error) {
		panic("boom")
	}, "/etc/b")

	result := extract(t, quietExtractor(), types.ImageTypeDockerArchive, testutil.DockerArchive(img),
		failing, panicking, readAction("read", "/etc/*"))

	assert.Equal(t, types.ExtractedLayers{
		"/etc/a": {"read": "a"},
		"/etc/b": {"read": "b"},
	}, result.ExtractedLayers)

	require.Len(t, result.Errors, 2)
	for _, err := range result.Errors {
		assert.True(t, errors.IsExtractionError(err), "got %v", err)
	}
}

func TestExtract_EachActionRunsOncePerFile(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{
		layer("data/1", "x", "data/2", "x", "data/3", "x"),
		layer("data/1", "y", "data/4", "y"),
		layer("data/1", "z"),
	}}

	var calls int64
	counting := MustGlobAction("count", func(ctx context.Context, r io.Reader) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return ReadAll(ctx, r)
	}, "/data/*")

	e := quietExtractor()
	e.Workers = 2
	result := extract(t, e, types.ImageTypeDockerArchive, testutil.DockerArchive(img), counting)

	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
	assert.Equal(t, "z", result.ExtractedLayers["/data/1"]["count"])
	assert.Equal(t, "y", result.ExtractedLayers["/data/4"]["count"])
}

func TestExtract_OversizedFile(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("etc/big", "0123456789", "etc/small", "ok")}}

	e := quietExtractor()
	e.MaxFileSize = 4
	result := extract(t, e, types.ImageTypeDockerArchive, testutil.DockerArchive(img), readAction("read", "/etc/*"))

	assert.Equal(t, types.ExtractedLayers{"/etc/small": {"read": "ok"}}, result.ExtractedLayers)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/etc/big", result.Errors[0].Path)
}

func TestExtract_NoMatchingFiles(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("usr/bin/sh", "#!")}}
	result := extract(t, quietExtractor(), types.ImageTypeDockerArchive, testutil.DockerArchive(img), readAction("read", "/etc/*"))
	assert.Empty(t, result.ExtractedLayers)
	assert.Len(t, result.ManifestLayers, 1)
}

func TestExtract_FormatError(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("etc/a", "a")}}
	fs := testutil.WriteArchive(t, testutil.DockerArchive(img), "/image.tar")

	_, err := quietExtractor().ExtractFile(context.Background(), fs, types.ImageTypeOciArchive, "/image.tar", nil)
	require.Error(t, err)
	assert.True(t, errors.IsFormatError(err))
}

func TestExtract_DetectsImageType(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("etc/a", "a")}}
	oci, _ := testutil.OCIArchive(img, testutil.OCIOptions{Compression: "gzip"})

	for name, data := range map[string][]byte{"docker": testutil.DockerArchive(img), "oci": oci} {
		t.Run(name, func(t *testing.T) {
			result := extract(t, quietExtractor(), "", data, readAction("read", "/etc/*"))
			assert.Equal(t, types.ExtractedLayers{"/etc/a": {"read": "a"}}, result.ExtractedLayers)
		})
	}

	fs := testutil.WriteArchive(t, testutil.TarEntries([]testutil.Entry{{Name: "notes.txt", Data: []byte("hi")}}), "/plain.tar")
	_, err := quietExtractor().ExtractFile(context.Background(), fs, "", "/plain.tar", nil)
	assert.True(t, errors.IsFormatError(err))
}

func TestExtract_Cancelled(t *testing.T) {
	img := testutil.Image{Layers: []testutil.Layer{layer("etc/a", "a")}}
	fs := testutil.WriteArchive(t, testutil.DockerArchive(img), "/image.tar")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := quietExtractor().ExtractFile(ctx, fs, types.ImageTypeDockerArchive, "/image.tar", []ExtractAction{readAction("read", "/etc/*")})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorKindCancelled, errors.KindOf(err))
}

func TestExtractionResult_MatchedPaths(t *testing.T) {
	r := &ExtractionResult{ExtractedLayers: types.ExtractedLayers{"/b": nil, "/a": nil, "/c/d": nil}}
	assert.Equal(t, []string{"/a", "/b", "/c/d"}, r.MatchedPaths())
}
