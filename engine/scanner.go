package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/bibin-skaria/imginv/frontends"
	_ "github.com/bibin-skaria/imginv/frontends/apk"
	_ "github.com/bibin-skaria/imginv/frontends/dpkg"
	"github.com/bibin-skaria/imginv/frontends/osrelease"
	_ "github.com/bibin-skaria/imginv/frontends/rpm"
	"github.com/bibin-skaria/imginv/internal/config"
	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/logging"
	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/layers"
	"github.com/bibin-skaria/imginv/registry"
)

// fallbackImageName names the tree root when neither a reference nor a repo
// tag identifies the image
const fallbackImageName = "image"

// Scanner runs the whole pipeline for one image: acquire an archive, extract
// package databases, analyze them and build the dependency tree.
type Scanner struct {
	config    *types.ScanConfig
	logger    *logging.StructuredLogger
	fs        afero.Fs
	sources   []registry.ArchiveSource
	extractor *layers.Extractor
	progress  *ProgressTracker
}

func NewScanner(cfg *types.ScanConfig, logger *logging.StructuredLogger) (*Scanner, error) {
	if cfg == nil {
		return nil, errors.NewConfigurationError("new_scanner", "scan configuration is required", nil)
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewStructuredLogger(logging.NewScanID())
	}

	extractor := layers.NewExtractor()
	extractor.Workers = cfg.Workers
	extractor.MaxFileSize = cfg.MaxFileSize
	extractor.Platform = types.ParsePlatform(cfg.Platform)
	extractor.Logger = logger.Entry()
	if cfg.ImagePath != "" && cfg.TargetImage != "" {
		// the reference picks one image out of a multi-image archive
		if _, _, ok := ParseArchiveTarget(cfg.TargetImage); !ok {
			extractor.Tag = cfg.TargetImage
		}
	}

	return &Scanner{
		config:    cfg,
		logger:    logger,
		fs:        afero.NewOsFs(),
		extractor: extractor,
	}, nil
}

// SetFs replaces the filesystem archives are read from and staged on. Image
// sources write pulled archives to the same filesystem.
func (s *Scanner) SetFs(fs afero.Fs) {
	s.fs = fs
}

// SetSources replaces the image sources tried, in order, for references that
// are not archives on disk.
func (s *Scanner) SetSources(sources ...registry.ArchiveSource) {
	s.sources = sources
}

// SetProgress reports each scan stage to tracker. nil disables reporting.
func (s *Scanner) SetProgress(tracker *ProgressTracker) {
	s.progress = tracker
}

// ParseArchiveTarget splits "docker-archive:<path>" and "oci-archive:<path>"
// targets. ok is false for anything else.
func ParseArchiveTarget(target string) (imageType types.ImageType, archivePath string, ok bool) {
	for _, t := range []types.ImageType{types.ImageTypeDockerArchive, types.ImageTypeOciArchive} {
		prefix := string(t) + ":"
		if strings.HasPrefix(target, prefix) && len(target) > len(prefix) {
			return t, target[len(prefix):], true
		}
	}
	return "", "", false
}

func (s *Scanner) Scan(ctx context.Context) (*types.ScanResult, error) {
	start := time.Now()
	image := s.config.TargetImage
	if image == "" {
		image = s.config.ImagePath
	}
	s.logger.LogScanStart(ctx, image, s.sourceName())

	result, err := s.scan(ctx)
	if err != nil {
		s.logger.LogScanComplete(ctx, false, time.Since(start), 0, 0)
		s.progress.Finish(false)
		return nil, err
	}
	result.Duration = time.Since(start).String()
	s.progress.Finish(true)
	s.logger.LogScanComplete(ctx, true, time.Since(start), countNodes(result.Package), len(result.Errors))
	return result, nil
}

func (s *Scanner) scan(ctx context.Context) (*types.ScanResult, error) {
	s.progress.StartStage(StageAcquire)
	archivePath, imageType, cleanup, err := s.acquire(ctx)
	s.progress.CompleteStage(StageAcquire, 1, err)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	s.progress.StartStage(StageExtract)
	extraction, err := s.Extract(ctx, imageType, archivePath)
	if err != nil {
		s.progress.CompleteStage(StageExtract, 0, err)
		return nil, err
	}
	s.progress.CompleteStage(StageExtract, len(extraction.ExtractedLayers), nil)

	s.progress.StartStage(StageAnalyze)
	stageStart := time.Now()
	analyses, analysisErrs := frontends.Analyze(extraction.ExtractedLayers, &frontends.Options{RpmQueryOutput: s.config.RpmQueryOutput})
	analysis := frontends.SelectAnalysis(analyses)
	targetOS := osrelease.TargetOS(extraction.ExtractedLayers)
	s.logger.LogStage(ctx, StageAnalyze, time.Since(stageStart), nil)
	s.progress.CompleteStage(StageAnalyze, len(analysis.Packages), nil)

	s.progress.StartStage(StageBuildTree)
	stageStart = time.Now()
	tree, err := BuildTree(s.targetImage(extraction, archivePath), analysis.Type, analysis.Packages, targetOS)
	s.logger.LogStage(ctx, StageBuildTree, time.Since(stageStart), err)
	s.progress.CompleteStage(StageBuildTree, countNodes(tree), err)
	if err != nil {
		return nil, err
	}

	result := &types.ScanResult{
		ScanID:         s.logger.ScanID(),
		ImageID:        extraction.ImageID,
		ImageLayers:    extraction.ManifestLayers,
		PackageManager: analysis.Type.DepType(),
		Package:        tree,
	}
	if len(s.config.ManifestGlobs) > 0 {
		result.ManifestFiles = frontends.CollectManifestFiles(extraction.ExtractedLayers)
	}
	for _, e := range extraction.Errors {
		result.Errors = append(result.Errors, e.Error())
	}
	for _, e := range analysisErrs {
		result.Errors = append(result.Errors, e.Error())
	}
	return result, nil
}

// Extract runs the layer extraction engine over the archive at archivePath
// with the registered actions plus the manifest file action when configured.
func (s *Scanner) Extract(ctx context.Context, imageType types.ImageType, archivePath string) (*layers.ExtractionResult, error) {
	actions, err := s.actions()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.extractor.ExtractFile(ctx, s.fs, imageType, archivePath, actions)
	s.logger.LogStage(ctx, StageExtract, time.Since(start), err)
	return result, err
}

func (s *Scanner) actions() ([]layers.ExtractAction, error) {
	actions := layers.DefaultActions()
	if len(s.config.ManifestGlobs) == 0 {
		return actions, nil
	}
	manifestAction, err := frontends.NewManifestFileAction(s.config.ManifestGlobs, s.config.ManifestExcludeGlobs)
	if err != nil {
		return nil, errors.NewConfigurationError("manifest_globs", err.Error(), err)
	}
	return append(actions, manifestAction), nil
}

// Archive resolves the configured target to an archive on the scanner's
// filesystem. The returned cleanup removes any archive staged by a source.
func (s *Scanner) Archive(ctx context.Context) (string, types.ImageType, func(), error) {
	return s.acquire(ctx)
}

func (s *Scanner) acquire(ctx context.Context) (string, types.ImageType, func(), error) {
	noop := func() {}

	if s.config.ImagePath != "" {
		return s.config.ImagePath, s.config.ImageType, noop, nil
	}
	if imageType, archivePath, ok := ParseArchiveTarget(s.config.TargetImage); ok {
		return archivePath, imageType, noop, nil
	}
	if s.config.TargetImage == "" {
		return "", "", noop, errors.NewConfigurationError("acquire_image", "an image reference or archive path is required", nil)
	}

	ref, err := registry.ParseImageReference(s.config.TargetImage)
	if err != nil {
		return "", "", noop, err
	}

	sources := s.sources
	if sources == nil {
		sources = s.defaultSources()
	}
	if len(sources) == 0 {
		return "", "", noop, errors.NewConfigurationError("acquire_image", "no image sources are available", nil)
	}

	var lastErr error
	for _, source := range sources {
		archivePath, err := s.stage(ctx, source, ref)
		if err == nil {
			return archivePath, types.ImageTypeDockerArchive, func() { _ = s.fs.Remove(archivePath) }, nil
		}
		lastErr = err
		if errors.KindOf(err) == errors.ErrorKindCancelled {
			break
		}
	}
	return "", "", noop, lastErr
}

// stage asks source to write ref into a fresh temporary archive
func (s *Scanner) stage(ctx context.Context, source registry.ArchiveSource, ref registry.ImageReference) (string, error) {
	if err := s.fs.MkdirAll(s.config.TmpDir, 0o755); err != nil {
		return "", errors.NewFilesystemError("stage_archive", fmt.Sprintf("failed to create %s", s.config.TmpDir), err)
	}
	f, err := afero.TempFile(s.fs, s.config.TmpDir, "imginv-*.tar")
	if err != nil {
		return "", errors.NewFilesystemError("stage_archive", "failed to create temporary archive", err)
	}
	archivePath := f.Name()
	_ = f.Close()

	start := time.Now()
	err = source.SaveToArchive(ctx, ref, s.fs, archivePath)
	s.logger.LogAcquire(ctx, source.Name(), ref.String(), err == nil, time.Since(start))
	if err != nil {
		_ = s.fs.Remove(archivePath)
		if ctx.Err() != nil {
			return "", errors.NewCancelledError("acquire_image", ctx.Err())
		}
		return "", err
	}
	return archivePath, nil
}

func (s *Scanner) defaultSources() []registry.ArchiveSource {
	var sources []registry.ArchiveSource
	if daemon, err := registry.NewDaemonClient(s.logger.Entry()); err == nil {
		sources = append(sources, daemon)
	} else {
		s.logger.Entry().WithError(err).Debug("Docker daemon source unavailable")
	}

	opts := registry.DefaultClientOptions()
	opts.Platform = types.ParsePlatform(s.config.Platform)
	opts.Registry = s.config.Registry
	opts.Logger = s.logger.Entry()
	return append(sources, registry.NewClient(opts))
}

func (s *Scanner) sourceName() string {
	switch {
	case s.config.ImagePath != "":
		return "archive"
	case strings.Contains(s.config.TargetImage, "-archive:"):
		return "archive"
	default:
		return "reference"
	}
}

// targetImage names the tree root: the reference scanned, else the archive's
// first repo tag, else the archive file name.
func (s *Scanner) targetImage(extraction *layers.ExtractionResult, archivePath string) string {
	if s.config.TargetImage != "" {
		if _, _, ok := ParseArchiveTarget(s.config.TargetImage); !ok {
			return s.config.TargetImage
		}
	}
	for _, tag := range extraction.RepoTags {
		if _, err := registry.ParseImageReference(tag); err == nil {
			return tag
		}
	}
	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	if _, err := registry.ParseImageReference(base); err == nil && !strings.HasPrefix(base, "imginv-") {
		return base
	}
	return fallbackImageName
}

func countNodes(tree *types.DepTree) int {
	if tree == nil {
		return 0
	}
	seen := make(map[string]bool)
	stack := make([]*types.DependencyNode, 0, len(tree.Dependencies))
	for _, n := range tree.Dependencies {
		stack = append(stack, n)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Name != MetaPackageName {
			seen[n.Name] = true
		}
		for _, c := range n.Dependencies {
			stack = append(stack, c)
		}
	}
	return len(seen)
}
