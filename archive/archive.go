// Package archive streams the entries of an on-disk image archive.
//
// Both docker-save tarballs and OCI image layout tarballs are plain tar files whose
// entries are either small metadata documents (manifest.json, index.json, image
// configs, legacy layer json) or layer blobs. The Reader walks the archive once,
// in order, and classifies every regular file by sniffing its leading bytes so the
// caller never needs to know which dialect produced the archive.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/bibin-skaria/imginv/internal/errors"
)

// DefaultMaxMetadataSize bounds how much of a non-layer entry is buffered
const DefaultMaxMetadataSize int64 = 64 << 20

type EntryKind int

const (
	EntryMetadata EntryKind = iota
	EntryLayer
)

func (k EntryKind) String() string {
	if k == EntryLayer {
		return "layer"
	}
	return "metadata"
}

// Entry is one regular file of the outer archive. It is only valid inside the
// WalkFunc it was passed to.
type Entry struct {
	Name        string
	Size        int64
	Kind        EntryKind
	Compression CompressionType

	reader   *bufio.Reader
	maxBytes int64
	consumed bool
}

// Bytes reads a metadata entry fully
func (e *Entry) Bytes() ([]byte, error) {
	if e.consumed {
		return nil, fmt.Errorf("entry %s already consumed", e.Name)
	}
	e.consumed = true
	if e.maxBytes > 0 && e.Size > e.maxBytes {
		return nil, fmt.Errorf("entry %s is %d bytes, larger than the %d byte metadata limit", e.Name, e.Size, e.maxBytes)
	}
	return io.ReadAll(e.reader)
}

// Layer returns a tar reader over the decompressed layer stream. The returned
// closer releases the decoder.
func (e *Entry) Layer() (*tar.Reader, io.Closer, error) {
	if e.consumed {
		return nil, nil, fmt.Errorf("entry %s already consumed", e.Name)
	}
	e.consumed = true
	rc, err := Decompress(e.reader, e.Compression)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress %s: %w", e.Name, err)
	}
	return tar.NewReader(rc), rc, nil
}

// WalkFunc is called for every regular file in archive order
type WalkFunc func(entry *Entry) error

type Reader struct {
	path            string
	file            afero.File
	MaxMetadataSize int64
}

// Open opens the archive at path on fs
func Open(fs afero.Fs, archivePath string) (*Reader, error) {
	f, err := fs.Open(archivePath)
	if err != nil {
		return nil, errors.NewFilesystemError("open_archive", fmt.Sprintf("failed to open image archive %s", archivePath), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.NewFilesystemError("open_archive", fmt.Sprintf("failed to stat image archive %s", archivePath), err)
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.NewFormatError("open_archive", fmt.Sprintf("%s is a directory, not an image archive", archivePath), nil)
	}
	return &Reader{
		path:            archivePath,
		file:            f,
		MaxMetadataSize: DefaultMaxMetadataSize,
	}, nil
}

func (r *Reader) Path() string {
	return r.path
}

// Walk streams the archive once and calls fn for each regular file. It stops at the
// first error from fn or when ctx is done, and may be called more than once.
func (r *Reader) Walk(ctx context.Context, fn WalkFunc) error {
	if r.file == nil {
		return fmt.Errorf("archive %s is closed", r.path)
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return errors.NewFilesystemError("read_archive", "failed to rewind image archive", err)
	}

	outer := bufio.NewReaderSize(&contextReader{ctx: ctx, r: r.file}, 64<<10)
	head, _ := outer.Peek(sniffSize)
	stream, err := Decompress(outer, DetectCompression(head))
	if err != nil {
		return errors.NewFormatError("read_archive", "failed to decompress image archive", err)
	}
	defer stream.Close()

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError("read_archive", err)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return errors.NewCancelledError("read_archive", ctx.Err())
			}
			return errors.NewFormatError("read_archive", fmt.Sprintf("malformed image archive %s", r.path), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		entry := &Entry{
			Name:     CleanPath(hdr.Name),
			Size:     hdr.Size,
			reader:   bufio.NewReaderSize(tr, sniffSize),
			maxBytes: r.MaxMetadataSize,
		}
		entryHead, _ := entry.reader.Peek(sniffSize)
		entry.Compression = DetectCompression(entryHead)
		if entry.Compression != CompressionNone || isTarHeader(entryHead) {
			entry.Kind = EntryLayer
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Close releases the underlying file
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// CleanPath normalizes a tar entry name to a slash separated path with no leading
// "./" or "/".
func CleanPath(name string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimPrefix(cleaned, "/")
}

// contextReader fails reads once ctx is done so a cancelled scan stops mid-entry
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
