package exporters

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/list"

	"github.com/bibin-skaria/imginv/internal/types"
)

// TreeExporter draws the dependency tree with box-drawing connectors
type TreeExporter struct{}

func init() {
	RegisterExporter("tree", &TreeExporter{})
}

func (e *TreeExporter) Export(result *types.ScanResult, w io.Writer) error {
	if result == nil || result.Package == nil {
		return fmt.Errorf("scan result has no dependency tree")
	}
	tree := result.Package

	lw := list.NewWriter()
	lw.SetStyle(list.StyleConnectedLight)
	lw.AppendItem(label(tree.Name, tree.Version))
	lw.Indent()

	depth := 1
	walkTree(tree, func(node *types.DependencyNode, d int, _ string) {
		for depth < d {
			lw.Indent()
			depth++
		}
		for depth > d {
			lw.UnIndent()
			depth--
		}
		lw.AppendItem(label(node.Name, node.Version))
	})

	_, err := fmt.Fprintln(w, lw.Render())
	return err
}

func label(name, version string) string {
	if version == "" {
		return name
	}
	return name + " @ " + version
}
