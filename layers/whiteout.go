package layers

import (
	"path"
	"strings"

	radix "github.com/armon/go-radix"
)

const (
	WhiteoutPrefix = ".wh."
	WhiteoutOpaque = ".wh..wh..opq"
)

// whiteoutIndex records paths hidden from lower layers. Deleted files are held
// exactly; deleted and opaque directories are held as "dir/" prefixes in a radix
// tree so a single LongestPrefix lookup answers for any descendant.
type whiteoutIndex struct {
	exact    map[string]struct{}
	prefixes *radix.Tree
}

func newWhiteoutIndex() *whiteoutIndex {
	return &whiteoutIndex{
		exact:    make(map[string]struct{}),
		prefixes: radix.New(),
	}
}

// addWhiteout hides p and, if p was a directory, everything below it
func (w *whiteoutIndex) addWhiteout(p string) {
	w.exact[p] = struct{}{}
	w.prefixes.Insert(dirPrefix(p), struct{}{})
}

// addOpaque hides everything below dir but not dir itself
func (w *whiteoutIndex) addOpaque(dir string) {
	w.prefixes.Insert(dirPrefix(dir), struct{}{})
}

func (w *whiteoutIndex) hides(p string) bool {
	if _, ok := w.exact[p]; ok {
		return true
	}
	_, _, ok := w.prefixes.LongestPrefix(p)
	return ok
}

func (w *whiteoutIndex) Len() int {
	return len(w.exact) + w.prefixes.Len()
}

func dirPrefix(dir string) string {
	if dir == "/" {
		return "/"
	}
	return strings.TrimSuffix(dir, "/") + "/"
}

// parseWhiteout reports whether name is a whiteout marker. For a plain whiteout
// target is the deleted path; for an opaque marker it is the cleared directory.
func parseWhiteout(name string) (target string, opaque bool, ok bool) {
	dir, base := path.Split(name)
	if !strings.HasPrefix(base, WhiteoutPrefix) {
		return "", false, false
	}
	dir = path.Clean("/" + dir)
	if base == WhiteoutOpaque {
		return dir, true, true
	}
	deleted := strings.TrimPrefix(base, WhiteoutPrefix)
	if deleted == "" {
		return "", false, false
	}
	return path.Join(dir, deleted), false, true
}
