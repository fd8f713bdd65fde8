package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/testutil"
)

func writeImage(t *testing.T) string {
	t.Helper()
	img := testutil.Image{
		RepoTags: []string{"example/app:1.0"},
		Layers: []testutil.Layer{
			{Files: []testutil.File{
				{Path: "etc/os-release", Content: "ID=debian\nVERSION_ID=\"12\"\n"},
				{Path: "var/lib/dpkg/status", Content: "Package: bash\nStatus: install ok installed\nVersion: 5.2\nDepends: base-files\n\nPackage: base-files\nStatus: install ok installed\nVersion: 12.4\n"},
			}},
		},
	}
	path := filepath.Join(t.TempDir(), "app.tar")
	require.NoError(t, os.WriteFile(path, testutil.DockerArchive(img), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScanCommand_JSON(t *testing.T) {
	archive := writeImage(t)

	out, err := execute(t, "scan", "--archive", archive, "--log-level", "error")
	require.NoError(t, err)

	var result struct {
		PackageManager string `json:"packageManager"`
		Package        struct {
			Name         string                     `json:"name"`
			Version      string                     `json:"version"`
			Dependencies map[string]json.RawMessage `json:"dependencies"`
		} `json:"package"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "deb", result.PackageManager)
	assert.Equal(t, "docker-image|example/app", result.Package.Name)
	assert.Equal(t, "1.0", result.Package.Version)
	assert.Contains(t, result.Package.Dependencies, "bash")
}

func TestScanCommand_ArchiveTargetAndOutputFile(t *testing.T) {
	archive := writeImage(t)
	outFile := filepath.Join(t.TempDir(), "result.yaml")

	out, err := execute(t, "scan", "docker-archive:"+archive, "-o", "yaml", "--output-file", outFile, "--log-level", "error")
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: docker-image|example/app")
}

func TestScanCommand_Progress(t *testing.T) {
	archive := writeImage(t)

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"scan", "--archive", archive, "--progress", "-o", "tree", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, stderr.String(), "[1/4] acquire...")
	assert.Contains(t, stderr.String(), "build_tree done")
	assert.Contains(t, stdout.String(), "bash @ 5.2")
}

func TestScanCommand_Errors(t *testing.T) {
	archive := writeImage(t)

	tests := []struct {
		name string
		args []string
		kind errors.ErrorKind
	}{
		{"no target", []string{"scan"}, errors.ErrorKindConfiguration},
		{"unknown output", []string{"scan", "--archive", archive, "-o", "xml"}, errors.ErrorKindConfiguration},
		{"bad type", []string{"scan", "--archive", archive, "--type", "zip"}, errors.ErrorKindConfiguration},
		{"bad workers", []string{"scan", "--archive", archive, "--workers", "0"}, errors.ErrorKindConfiguration},
		{"invalid reference", []string{"scan", "Invalid//Ref"}, errors.ErrorKindInvalidReference},
		{"missing rpm output", []string{"scan", "--archive", archive, "--rpm-output", filepath.Join(t.TempDir(), "missing")}, errors.ErrorKindFilesystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			if kind := errors.KindOf(err); kind != tt.kind {
				t.Errorf("KindOf() = %v, want %v (%v)", kind, tt.kind, err)
			}
		})
	}
}

func TestLayersCommand(t *testing.T) {
	archive := writeImage(t)

	out, err := execute(t, "layers", "--archive", archive, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Format: docker")
	assert.Contains(t, out, "/var/lib/dpkg/status")
	assert.Contains(t, out, "dpkg-status")
	assert.Contains(t, out, "/etc/os-release")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "imginv "+Version)
	assert.Contains(t, out, "commit: "+GitCommit)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid reference", errors.NewInvalidReferenceError("x", "bad"), exitCodeUsage},
		{"format", errors.NewFormatError("read", "bad archive", nil), exitCodeUsage},
		{"configuration", errors.NewConfigurationError("load", "bad", nil), exitCodeUsage},
		{"registry", errors.NewRegistryError("pull", "unauthorized", nil), exitCodeFailure},
		{"wrapped format", fmt.Errorf("scan: %w", errors.NewFormatError("read", "bad", nil)), exitCodeUsage},
		{"plain", fmt.Errorf("boom"), exitCodeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrintError(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printError(&buf, errors.NewConfigurationError("load", "workers must be positive", nil))
	assert.Contains(t, buf.String(), "Error (configuration): workers must be positive")

	buf.Reset()
	printError(&buf, fmt.Errorf("boom"))
	assert.Equal(t, "Error: boom\n", buf.String())
}
