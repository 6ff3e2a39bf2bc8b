package formatting

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// NewJSONFormatter creates a new JSON formatter. Values are marshalled
// through their yaml tags, which are the canonical field names of the state
// document, and then converted to JSON.
func NewJSONFormatter(options Options) Formatter {
	return &structuredFormatter{
		options: options,
		marshal: func(data interface{}) ([]byte, error) {
			return toJSON(data, options.Quiet)
		},
	}
}

func toJSON(data interface{}, compact bool) ([]byte, error) {
	y, err := yaml.Marshal(data)
	if err != nil {
		return nil, err
	}
	j, err := sigsyaml.YAMLToJSON(y)
	if err != nil {
		return nil, err
	}
	if compact {
		return append(j, '\n'), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, j, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
