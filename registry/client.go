package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/types"
)

// Client pulls images from container registries into docker-archive tarballs
type Client struct {
	options *ClientOptions
	auth    *AuthProvider
}

// ClientOptions configures the registry client
type ClientOptions struct {
	Transport   http.RoundTripper
	UserAgent   string
	Timeout     time.Duration
	Platform    types.Platform
	RetryConfig *errors.RetryConfig
	Registry    *types.RegistryConfig
	Logger      logrus.FieldLogger
}

func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		UserAgent:   "imginv/1.0",
		Timeout:     5 * time.Minute,
		Platform:    types.Platform{OS: "linux", Architecture: "amd64"},
		RetryConfig: errors.DefaultRetryConfig(),
		Logger:      logrus.StandardLogger(),
	}
}

func NewClient(options *ClientOptions) *Client {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.RetryConfig == nil {
		options.RetryConfig = errors.DefaultRetryConfig()
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	return &Client{
		options: options,
		auth:    NewAuthProvider(options.Registry),
	}
}

func (c *Client) Name() string {
	return "registry"
}

// SaveToArchive pulls ref for the configured platform and writes it to path on
// fs in docker-archive format. Configured mirrors are tried before the origin
// registry.
func (c *Client) SaveToArchive(ctx context.Context, ref ImageReference, fs afero.Fs, path string) error {
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	var lastErr error
	for _, candidate := range c.candidates(ref) {
		err := errors.RetryWithContext(ctx, c.options.RetryConfig, "pull_image", func() error {
			return c.pullOnce(ctx, candidate, fs, path)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.KindOf(err) == errors.ErrorKindCancelled {
			break
		}
		c.options.Logger.WithFields(logrus.Fields{
			"registry":  candidate.Registry,
			"reference": candidate.String(),
		}).Warnf("registry.SaveToArchive: pull failed - %v", err)
	}
	return lastErr
}

// candidates returns ref rewritten onto each configured mirror, then ref itself
func (c *Client) candidates(ref ImageReference) []ImageReference {
	var refs []ImageReference
	for _, mirror := range c.auth.Mirrors(ref.Registry) {
		m := ref
		m.Registry = mirror
		refs = append(refs, m)
	}
	return append(refs, ref)
}

func (c *Client) pullOnce(ctx context.Context, ref ImageReference, fs afero.Fs, path string) error {
	var nameOpts []name.Option
	if c.auth.IsInsecure(ref.Registry) {
		nameOpts = append(nameOpts, name.Insecure)
	}

	nameRef, err := name.ParseReference(ref.PullString(), nameOpts...)
	if err != nil {
		return errors.NewErrorBuilder().
			Kind(errors.ErrorKindInvalidReference).
			Operation("parse_reference").
			Messagef("invalid image reference %s", ref.String()).
			Cause(err).
			Build()
	}

	remoteOpts := []remote.Option{
		remote.WithAuth(c.auth.GetAuthenticator(ref.Registry)),
		remote.WithContext(ctx),
		remote.WithUserAgent(c.options.UserAgent),
	}
	if c.options.Transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(c.options.Transport))
	}
	if p := c.options.Platform; p.OS != "" && p.Architecture != "" {
		remoteOpts = append(remoteOpts, remote.WithPlatform(v1.Platform{
			OS:           p.OS,
			Architecture: p.Architecture,
			Variant:      p.Variant,
		}))
	}

	img, err := remote.Image(nameRef, remoteOpts...)
	if err != nil {
		return classifyRemoteError("pull_image", ref, err)
	}

	if err := writeArchive(fs, path, nameRef, img); err != nil {
		_ = fs.Remove(path)
		if ctx.Err() != nil {
			return errors.NewCancelledError("pull_image", ctx.Err())
		}
		return classifyRemoteError("write_archive", ref, err)
	}

	c.options.Logger.WithFields(logrus.Fields{
		"reference": nameRef.String(),
		"archive":   path,
	}).Debug("pulled image into docker archive")
	return nil
}

// writeArchive truncates path, so a retried pull starts from an empty file
func writeArchive(fs afero.Fs, path string, ref name.Reference, img v1.Image) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if err := tarball.Write(ref, img, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func classifyRemoteError(operation string, ref ImageReference, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewCancelledError(operation, err)
	}

	builder := errors.NewErrorBuilder().
		Kind(errors.ErrorKindRegistry).
		Operation(operation).
		Messagef("failed to pull %s", ref.String()).
		Cause(err).
		Metadata("registry", ref.Registry)

	var terr *transport.Error
	if stderrors.As(err, &terr) {
		builder.Retryable(terr.Temporary()).Metadata("status_code", terr.StatusCode)
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			builder.Suggestion("Provide registry credentials in the config file or environment")
		case http.StatusNotFound:
			builder.Suggestion(fmt.Sprintf("Check that %s exists on %s", ref.Repository, ref.Registry))
		}
	}
	return builder.Build()
}
