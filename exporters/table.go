package exporters

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/bibin-skaria/imginv/internal/types"
)

// TableExporter lists every tree node with its depth and parent
type TableExporter struct{}

func init() {
	RegisterExporter("table", &TableExporter{})
}

func (e *TableExporter) Export(result *types.ScanResult, w io.Writer) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Name", "Version", "Depth", "Parent"})

	rows := 0
	if result != nil {
		walkTree(result.Package, func(node *types.DependencyNode, depth int, parent string) {
			tw.AppendRow(table.Row{node.Name, node.Version, depth, parent})
			rows++
		})
	}
	tw.AppendFooter(table.Row{"", "", "Total", humanize.Comma(int64(rows))})

	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Render()

	if result != nil && len(result.Errors) > 0 {
		fmt.Fprintf(w, "\n%d errors during scan\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	return nil
}
