package layers

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/imginv/archive"
	"github.com/bibin-skaria/imginv/internal/errors"
	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/manifest"
)

const (
	DefaultWorkers           = 4
	DefaultMaxFileSize int64 = 256 << 20
)

// Extractor merges the layers of an image archive and runs extract actions on the
// files visible in the squashed filesystem.
type Extractor struct {
	// Workers bounds how many action callbacks run at once
	Workers int
	// MaxFileSize is the largest file buffered for actions
	MaxFileSize int64
	// Platform and Tag select an image from multi-image archives
	Platform types.Platform
	Tag      string
	Logger   logrus.FieldLogger
}

// ExtractionResult is the merged view of one image
type ExtractionResult struct {
	ImageID         string
	ExtractedLayers types.ExtractedLayers
	ManifestLayers  []string
	RepoTags        []string
	Platform        types.Platform
	Plan            *manifest.LayerPlan
	// Errors holds isolated per-path and per-action failures
	Errors []*errors.ScanError
}

func NewExtractor() *Extractor {
	return &Extractor{
		Workers:     DefaultWorkers,
		MaxFileSize: DefaultMaxFileSize,
		Logger:      logrus.StandardLogger(),
	}
}

// layerContent is what one layer entry contributes: the action-matched files it
// writes, in tar order, and the paths it hides from lower layers. replaced
// holds the symlinks and other non-regular entries, which hide the lower path
// and everything below it. dirs holds matched directory entries, which hide
// only a lower file at the same path.
type layerContent struct {
	files     map[string]*layerFile
	order     []string
	whiteouts []string
	opaques   []string
	replaced  []string
	dirs      []string
	size      int64
}

type layerFile struct {
	data      []byte
	size      int64
	oversized bool
}

func newLayerContent() *layerContent {
	return &layerContent{files: make(map[string]*layerFile)}
}

func (lc *layerContent) add(p string, f *layerFile) {
	if _, seen := lc.files[p]; !seen {
		lc.order = append(lc.order, p)
	}
	lc.files[p] = f
	lc.size += int64(len(f.data))
}

// fileTask is one visible file with its content, ready for dispatch
type fileTask struct {
	path  string
	layer string
	file  *layerFile
}

// ExtractFile opens the archive at archivePath on fs and extracts it
func (e *Extractor) ExtractFile(ctx context.Context, fs afero.Fs, imageType types.ImageType, archivePath string, actions []ExtractAction) (*ExtractionResult, error) {
	r, err := archive.Open(fs, archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return e.Extract(ctx, imageType, r, actions)
}

// Extract reads the archive once, resolves its layer plan and runs actions on
// the files visible from the top layer.
func (e *Extractor) Extract(ctx context.Context, imageType types.ImageType, r *archive.Reader, actions []ExtractAction) (*ExtractionResult, error) {
	log := e.logger().WithFields(logrus.Fields{
		"archive":    r.Path(),
		"image_type": imageType,
	})
	collector := errors.NewErrorCollector()

	meta, layerSet, contents, err := e.readArchive(ctx, r, actions, collector)
	if err != nil {
		return nil, err
	}

	if imageType == "" {
		detected, ok := manifest.DetectImageType(meta)
		if !ok {
			return nil, errors.NewFormatError("resolve_manifest", "archive has no manifest.json, index.json or repositories entry", nil)
		}
		imageType = detected
	}

	plan, err := manifest.Resolve(imageType, meta, layerSet, manifest.Options{Platform: e.Platform, Tag: e.Tag})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"image_id": plan.ImageID,
		"dialect":  plan.Dialect,
		"layers":   len(plan.Layers),
	}).Debug("Resolved layer plan")

	// Layers sniffed as metadata (empty tars, v7 headers) are parsed from their buffered bytes
	for _, l := range plan.Layers {
		if _, ok := contents[l.Locator]; ok {
			continue
		}
		data, ok := meta[l.Locator]
		if !ok {
			continue
		}
		lc, err := e.scanLayer(ctx, tar.NewReader(bytes.NewReader(data)), actions)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewCancelledError("extract_layers", ctx.Err())
			}
			collector.AddError(errors.NewExtractionError(l.Locator, "read_layer", err))
		}
		contents[l.Locator] = lc
	}

	tasks := e.mergeLayers(plan, contents)
	log.WithField("files", len(tasks)).Debug("Merged layers")

	extracted, err := e.dispatch(ctx, tasks, actions, collector)
	if err != nil {
		return nil, err
	}

	result := &ExtractionResult{
		ImageID:         plan.ImageID,
		ExtractedLayers: extracted,
		ManifestLayers:  plan.ManifestLayers(),
		RepoTags:        plan.RepoTags,
		Platform:        plan.Platform,
		Plan:            plan,
		Errors:          collector.GetErrors(),
	}
	log.WithFields(logrus.Fields{
		"paths":  len(extracted),
		"errors": len(result.Errors),
	}).Info("Layer extraction completed")
	return result, nil
}

// readArchive is the single sequential pass over the outer archive
func (e *Extractor) readArchive(ctx context.Context, r *archive.Reader, actions []ExtractAction, collector *errors.ErrorCollector) (manifest.Metadata, manifest.EntrySet, map[string]*layerContent, error) {
	meta := manifest.Metadata{}
	layerSet := manifest.EntrySet{}
	contents := make(map[string]*layerContent)
	log := e.logger()

	err := r.Walk(ctx, func(entry *archive.Entry) error {
		if entry.Kind == archive.EntryLayer {
			layerSet[entry.Name] = true
			tr, closer, err := entry.Layer()
			if err != nil {
				collector.AddError(errors.NewExtractionError(entry.Name, "read_layer", err))
				contents[entry.Name] = newLayerContent()
				return nil
			}
			defer closer.Close()

			lc, err := e.scanLayer(ctx, tr, actions)
			if err != nil {
				if ctx.Err() != nil {
					return errors.NewCancelledError("extract_layers", ctx.Err())
				}
				collector.AddError(errors.NewExtractionError(entry.Name, "read_layer", err))
			}
			contents[entry.Name] = lc
			log.WithFields(logrus.Fields{
				"layer":    entry.Name,
				"size":     humanize.Bytes(uint64(entry.Size)),
				"buffered": humanize.Bytes(uint64(lc.size)),
				"matched":  len(lc.order),
			}).Debug("Scanned layer")
			return nil
		}

		if r.MaxMetadataSize > 0 && entry.Size > r.MaxMetadataSize {
			log.WithFields(logrus.Fields{
				"entry": entry.Name,
				"size":  humanize.Bytes(uint64(entry.Size)),
			}).Debug("Skipping oversized metadata entry")
			return nil
		}
		data, err := entry.Bytes()
		if err != nil {
			if ctx.Err() != nil {
				return errors.NewCancelledError("extract_layers", ctx.Err())
			}
			return errors.NewFormatError("read_archive", fmt.Sprintf("failed to read archive entry %s", entry.Name), err)
		}
		meta[entry.Name] = data
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return meta, layerSet, contents, nil
}

// scanLayer records the whiteouts and non-regular entries of one layer and
// buffers every regular file at least one action matches. On error the content read so far is returned.
func (e *Extractor) scanLayer(ctx context.Context, tr *tar.Reader, actions []ExtractAction) (*layerContent, error) {
	lc := newLayerContent()
	maxSize := e.maxFileSize()

	for {
		if err := ctx.Err(); err != nil {
			return lc, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return lc, nil
		}
		if err != nil {
			return lc, err
		}

		name := "/" + archive.CleanPath(hdr.Name)
		if target, opaque, ok := parseWhiteout(name); ok {
			if opaque {
				lc.opaques = append(lc.opaques, target)
			} else {
				lc.whiteouts = append(lc.whiteouts, target)
			}
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
		case tar.TypeDir:
			if anyMatch(actions, name) {
				lc.dirs = append(lc.dirs, name)
			}
			continue
		case tar.TypeLink:
			// the target precedes the link in the same layer
			target := "/" + archive.CleanPath(hdr.Linkname)
			if f, ok := lc.files[target]; ok && anyMatch(actions, name) {
				lc.add(name, f)
			} else {
				lc.replaced = append(lc.replaced, name)
			}
			continue
		default:
			lc.replaced = append(lc.replaced, name)
			continue
		}
		if !anyMatch(actions, name) {
			continue
		}

		if hdr.Size > maxSize {
			lc.add(name, &layerFile{size: hdr.Size, oversized: true})
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return lc, fmt.Errorf("read %s: %w", name, err)
		}
		lc.add(name, &layerFile{data: data, size: hdr.Size})
	}
}

// mergeLayers walks the plan top to base and returns the file each visible path
// resolves to. A layer's whiteouts only take effect for the layers below it.
func (e *Extractor) mergeLayers(plan *manifest.LayerPlan, contents map[string]*layerContent) []fileTask {
	hidden := newWhiteoutIndex()
	resolved := make(map[string]bool)
	var tasks []fileTask

	for _, locator := range plan.TopDownLocators() {
		lc, ok := contents[locator]
		if !ok {
			continue
		}
		for _, p := range lc.order {
			if resolved[p] || hidden.hides(p) {
				continue
			}
			resolved[p] = true
			tasks = append(tasks, fileTask{path: p, layer: locator, file: lc.files[p]})
		}
		for _, d := range lc.dirs {
			if !hidden.hides(d) {
				resolved[d] = true
			}
		}
		for _, w := range lc.whiteouts {
			hidden.addWhiteout(w)
		}
		for _, r := range lc.replaced {
			hidden.addWhiteout(r)
		}
		for _, dir := range lc.opaques {
			hidden.addOpaque(dir)
		}
	}
	return tasks
}

// dispatch runs every matching action on every task through a bounded worker
// pool. Action failures are collected and never stop other work.
func (e *Extractor) dispatch(ctx context.Context, tasks []fileTask, actions []ExtractAction, collector *errors.ErrorCollector) (types.ExtractedLayers, error) {
	extracted := types.ExtractedLayers{}
	var mu sync.Mutex

	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, task := range tasks {
		for _, action := range actions {
			if !action.Match(task.path) {
				continue
			}
			if task.file.oversized {
				collector.AddError(errors.NewExtractionError(task.path, action.Name(),
					fmt.Errorf("file is %s, larger than the %s limit", humanize.Bytes(uint64(task.file.size)), humanize.Bytes(uint64(e.maxFileSize())))))
				continue
			}
			if gctx.Err() != nil {
				break
			}

			task, action := task, action
			g.Go(func() error {
				result, err := runAction(gctx, action, task.file.data)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					e.logger().WithFields(logrus.Fields{
						"path":   task.path,
						"action": action.Name(),
						"layer":  task.layer,
					}).WithError(err).Warn("Extract action failed")
					collector.AddError(errors.NewExtractionError(task.path, action.Name(), err))
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				if extracted[task.path] == nil {
					extracted[task.path] = make(map[string]interface{})
				}
				extracted[task.path][action.Name()] = result
				return nil
			})
		}
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("extract_layers", err)
	}
	return extracted, nil
}

func runAction(ctx context.Context, action ExtractAction, data []byte) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action.Handle(ctx, bytes.NewReader(data))
}

func anyMatch(actions []ExtractAction, p string) bool {
	for _, a := range actions {
		if a.Match(p) {
			return true
		}
	}
	return false
}

func (e *Extractor) maxFileSize() int64 {
	if e.MaxFileSize <= 0 {
		return DefaultMaxFileSize
	}
	return e.MaxFileSize
}

func (e *Extractor) logger() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

// MatchedPaths returns the extracted paths, sorted
func (r *ExtractionResult) MatchedPaths() []string {
	paths := make([]string, 0, len(r.ExtractedLayers))
	for p := range r.ExtractedLayers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
