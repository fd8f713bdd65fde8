// Package exporters renders scan results for the command line and for
// downstream consumers.
package exporters

import (
	"fmt"
	"io"
	"sort"

	"github.com/bibin-skaria/imginv/internal/types"
)

type Exporter interface {
	Export(result *types.ScanResult, w io.Writer) error
}

var exporters = make(map[string]Exporter)

func RegisterExporter(name string, exporter Exporter) {
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	exporter, exists := exporters[name]
	if !exists {
		return nil, fmt.Errorf("exporter %s not found", name)
	}
	return exporter, nil
}

func ListExporters() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// walkFunc is called for every node below the root in depth-first, insertion
// order. parent is empty for the root's direct dependencies.
type walkFunc func(node *types.DependencyNode, depth int, parent string)

func walkTree(tree *types.DepTree, fn walkFunc) {
	if tree == nil {
		return
	}
	type item struct {
		node   *types.DependencyNode
		depth  int
		parent string
	}

	keys := tree.ChildKeys()
	stack := make([]item, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		stack = append(stack, item{node: tree.Dependencies[keys[i]], depth: 1})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(it.node, it.depth, it.parent)

		children := it.node.ChildKeys()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, item{node: it.node.Dependencies[children[i]], depth: it.depth + 1, parent: it.node.Name})
		}
	}
}
