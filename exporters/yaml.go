package exporters

import (
	"io"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/imginv/internal/types"
)

type YAMLExporter struct{}

func init() {
	RegisterExporter("yaml", &YAMLExporter{})
}

func (e *YAMLExporter) Export(result *types.ScanResult, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(result); err != nil {
		return err
	}
	return enc.Close()
}
