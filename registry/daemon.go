package registry

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bibin-skaria/imginv/internal/errors"
)

// DaemonAPI is the subset of the docker client used to export images
type DaemonAPI interface {
	PingWithContext(ctx context.Context) error
	InspectImage(name string) (*docker.Image, error)
	ExportImage(opts docker.ExportImageOptions) error
}

// DaemonClient exports images that are already present in a local docker daemon
type DaemonClient struct {
	api               DaemonAPI
	inactivityTimeout time.Duration
	logger            logrus.FieldLogger
}

// NewDaemonClient connects using DOCKER_HOST, DOCKER_TLS_VERIFY and DOCKER_CERT_PATH
func NewDaemonClient(logger logrus.FieldLogger) (*DaemonClient, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, errors.NewDaemonError("connect_daemon", "failed to create docker client", err)
	}
	return NewDaemonClientWithAPI(client, logger), nil
}

func NewDaemonClientWithAPI(api DaemonAPI, logger logrus.FieldLogger) *DaemonClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DaemonClient{
		api:               api,
		inactivityTimeout: 2 * time.Minute,
		logger:            logger,
	}
}

func (d *DaemonClient) Name() string {
	return "daemon"
}

// SaveToArchive runs the equivalent of "docker save" for ref into path on fs
func (d *DaemonClient) SaveToArchive(ctx context.Context, ref ImageReference, fs afero.Fs, path string) error {
	if err := d.api.PingWithContext(ctx); err != nil {
		return errors.NewErrorBuilder().
			Kind(errors.ErrorKindDaemon).
			Operation("ping_daemon").
			Message("docker daemon is not reachable").
			Cause(err).
			Retryable(false).
			Build()
	}

	imageName := daemonImageName(ref)
	if _, err := d.api.InspectImage(imageName); err != nil {
		retryable := !stderrors.Is(err, docker.ErrNoSuchImage)
		return errors.NewErrorBuilder().
			Kind(errors.ErrorKindDaemon).
			Operation("inspect_image").
			Messagef("image %s is not available in the local daemon", imageName).
			Cause(err).
			Retryable(retryable).
			Build()
	}

	f, err := fs.Create(path)
	if err != nil {
		return errors.NewFilesystemError("create_archive", "failed to create archive file", err)
	}

	err = d.api.ExportImage(docker.ExportImageOptions{
		Name:              imageName,
		OutputStream:      f,
		InactivityTimeout: d.inactivityTimeout,
		Context:           ctx,
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = fs.Remove(path)
		if ctx.Err() != nil {
			return errors.NewCancelledError("export_image", ctx.Err())
		}
		return errors.NewDaemonError("export_image", "failed to export image from daemon", err)
	}

	d.logger.WithFields(logrus.Fields{
		"image":   imageName,
		"archive": path,
	}).Debug("exported image from docker daemon")
	return nil
}

// daemonImageName prefers the reference as the user wrote it, which is how the
// daemon indexes local tags.
func daemonImageName(ref ImageReference) string {
	if original := strings.TrimSpace(ref.Original); original != "" {
		return original
	}
	return ref.Repository + ":" + ref.Tag
}
