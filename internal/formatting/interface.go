// Package formatting renders controller results for the CLI: go-pretty
// tables for people, YAML and JSON for scripts.
package formatting

import (
	"fmt"
	"io"
	"os"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
)

// OutputFormat represents the desired output format
type OutputFormat string

const (
	FormatTable OutputFormat = "table" // Rich table output
	FormatJSON  OutputFormat = "json"  // JSON output
	FormatYAML  OutputFormat = "yaml"  // YAML output
)

// ParseFormat validates an --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table, yaml or json)", s)
	}
}

// Options configures the formatter behavior
type Options struct {
	Format OutputFormat
	Quiet  bool // Suppress decorative elements
	Color  bool // Enable colored output
	// Out receives the rendered output. Defaults to os.Stdout.
	Out io.Writer
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// Formatter renders controller results.
type Formatter interface {
	// FormatConfigs renders the registered declarations and the ones
	// pending removal.
	FormatConfigs(configs, pending []*config.ConfigFile) error
	// FormatConfigDetail renders declarations with their services.
	FormatConfigDetail(configs []*config.ConfigFile) error
	// FormatInstances renders one entry per instance.
	FormatInstances(instances []*config.Instance) error
	// FormatStatus renders replica states.
	FormatStatus(statuses []procmgr.ServiceStatus) error
	// FormatData renders any YAML-tagged value.
	FormatData(data interface{}) error
}

// NewFormatter creates the formatter for options.Format.
func NewFormatter(options Options) Formatter {
	switch options.Format {
	case FormatJSON:
		return NewJSONFormatter(options)
	case FormatYAML:
		return NewYAMLFormatter(options)
	default:
		return NewTableFormatter(options)
	}
}
