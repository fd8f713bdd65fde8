// Package layers reconstructs the squashed filesystem view of a container image
// from its layer archives, without writing it to disk.
//
// Files are selected by extract actions. An action has a name, a path predicate and
// a handler; package-manager frontends register theirs with RegisterAction:
//
//	layers.RegisterAction(layers.MustGlobAction("os-release", layers.ReadAll,
//		"/etc/os-release", "/usr/lib/os-release"))
//
// # Extraction
//
// The Extractor reads the outer archive exactly once. Every layer blob is scanned
// as it streams past: whiteout markers are recorded and files matched by at least
// one action are buffered. The layer plan is then resolved from the archive's
// manifest and the layers are merged from the top layer toward the base:
//
//   - a path is taken from the highest layer that writes it
//   - a ".wh.<name>" marker hides <name> (and anything under it) in lower layers
//   - a ".wh..wh..opq" marker hides all lower content of its directory
//
// Finally every visible file is handed to each matching action on a bounded
// worker pool. The result maps path to action name to handler result:
//
//	extractor := layers.NewExtractor()
//	result, err := extractor.ExtractFile(ctx, afero.NewOsFs(), types.ImageTypeOciArchive,
//		"image.tar", layers.DefaultActions())
//
// # Error Handling
//
// Manifest problems abort the extraction with a format error. A failing or
// panicking action, an unreadable layer or an oversized file is recorded in
// ExtractionResult.Errors and does not affect other paths or actions.
package layers
