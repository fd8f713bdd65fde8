package exporters

import (
	"encoding/json"
	"io"

	"github.com/bibin-skaria/imginv/internal/types"
)

type JSONExporter struct {
	Indent string
}

func init() {
	RegisterExporter("json", &JSONExporter{Indent: "  "})
}

func (e *JSONExporter) Export(result *types.ScanResult, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if e.Indent != "" {
		enc.SetIndent("", e.Indent)
	}
	return enc.Encode(result)
}
