// Package registry turns image references into on-disk image archives for imginv.
//
// This package provides:
// - Image reference parsing with Docker Hub defaulting (hostname, image name, tag)
// - Pulling an image from a registry into a docker-archive tarball
// - Exporting an image from a local docker daemon into a docker-archive tarball
// - Credential discovery from configuration, environment and the docker keychain
//
// Every source implements ArchiveSource so the scanner can try the local daemon
// first and fall back to the registry.
//
// Example usage:
//
//	ref, err := registry.ParseImageReference("nginx:1.18")
//	if err != nil {
//		return err
//	}
//
//	client := registry.NewClient(nil)
//	if err := client.SaveToArchive(ctx, ref, afero.NewOsFs(), "/tmp/nginx.tar"); err != nil {
//		return err
//	}
package registry

import (
	"context"

	"github.com/spf13/afero"
)

const (
	// DockerHubRegistry is the hostname assumed when a reference names no registry
	DockerHubRegistry = "registry-1.docker.io"
	// DockerHubIndex is the hostname go-containerregistry and credential helpers use for Docker Hub
	DockerHubIndex = "index.docker.io"
	// DockerHubLibrary is the namespace of official Docker Hub images
	DockerHubLibrary = "library"
	DefaultTag       = "latest"
)

// ArchiveSource writes the image named by ref as a docker-archive tarball at
// path on fs. A source that fails removes whatever it wrote.
type ArchiveSource interface {
	Name() string
	SaveToArchive(ctx context.Context, ref ImageReference, fs afero.Fs, path string) error
}
