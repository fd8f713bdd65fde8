package registry

import (
	"context"
	"fmt"
	"testing"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/imginv/internal/errors"
)

type fakeDaemon struct {
	pingErr    error
	images     map[string]bool
	payload    string
	exportErr  error
	exportedAs string
}

func (f *fakeDaemon) PingWithContext(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeDaemon) InspectImage(name string) (*docker.Image, error) {
	if !f.images[name] {
		return nil, docker.ErrNoSuchImage
	}
	return &docker.Image{ID: "sha256:abc"}, nil
}

func (f *fakeDaemon) ExportImage(opts docker.ExportImageOptions) error {
	f.exportedAs = opts.Name
	if f.exportErr != nil {
		return f.exportErr
	}
	_, err := fmt.Fprint(opts.OutputStream, f.payload)
	return err
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDaemonClient_SaveToArchive(t *testing.T) {
	fake := &fakeDaemon{images: map[string]bool{"nginx:1.18": true}, payload: "tar-bytes"}
	client := NewDaemonClientWithAPI(fake, quietLogger())

	ref, err := ParseImageReference("nginx:1.18")
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, client.SaveToArchive(context.Background(), ref, fs, "/stage/image.tar"))

	data, err := afero.ReadFile(fs, "/stage/image.tar")
	require.NoError(t, err)
	assert.Equal(t, "tar-bytes", string(data))
	assert.Equal(t, "nginx:1.18", fake.exportedAs)
	assert.Equal(t, "daemon", client.Name())
}

func TestDaemonClient_MissingImage(t *testing.T) {
	client := NewDaemonClientWithAPI(&fakeDaemon{images: map[string]bool{}}, quietLogger())

	ref, err := ParseImageReference("alpine:3.18")
	require.NoError(t, err)

	err = client.SaveToArchive(context.Background(), ref, afero.NewMemMapFs(), "/image.tar")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorKindDaemon, errors.KindOf(err))

	var scanErr *errors.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.False(t, scanErr.Retryable)
}

func TestDaemonClient_Unreachable(t *testing.T) {
	client := NewDaemonClientWithAPI(&fakeDaemon{pingErr: fmt.Errorf("dial unix /var/run/docker.sock: connect: no such file or directory")}, quietLogger())

	ref, err := ParseImageReference("alpine")
	require.NoError(t, err)

	err = client.SaveToArchive(context.Background(), ref, afero.NewMemMapFs(), "/image.tar")
	assert.Equal(t, errors.ErrorKindDaemon, errors.KindOf(err))
}

func TestDaemonClient_ExportFailureRemovesArchive(t *testing.T) {
	fake := &fakeDaemon{images: map[string]bool{"alpine": true}, exportErr: fmt.Errorf("stream closed")}
	client := NewDaemonClientWithAPI(fake, quietLogger())

	ref, err := ParseImageReference("alpine")
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	err = client.SaveToArchive(context.Background(), ref, fs, "/image.tar")
	require.Error(t, err)

	exists, statErr := afero.Exists(fs, "/image.tar")
	require.NoError(t, statErr)
	assert.False(t, exists)
}
