package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Settings is a layered, service-type specific configuration mapping.
type Settings map[string]any

// Merge combines layers into a new mapping. Later layers win; nested
// mappings are merged recursively. Inputs are never modified.
func Merge(layers ...Settings) Settings {
	out := Settings{}
	for _, layer := range layers {
		for k, v := range layer {
			if src, ok := asSettings(v); ok {
				if dst, ok := asSettings(out[k]); ok {
					out[k] = Merge(dst, src)
					continue
				}
				out[k] = src.Clone()
				continue
			}
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Has reports whether key is set to a non-nil value.
func (s Settings) Has(key string) bool {
	v, ok := s[key]
	return ok && v != nil
}

// String returns the value of key rendered as a string, or def.
func (s Settings) String(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value of key as an int, or def when unset or not numeric.
func (s Settings) Int(key string, def int) int {
	switch t := s[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Float returns the value of key as a float64.
func (s Settings) Float(key string) (float64, bool) {
	switch t := s[key].(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool returns the value of key as a bool, or def.
func (s Settings) Bool(key string, def bool) bool {
	switch t := s[key].(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	case int:
		return t != 0
	}
	return def
}

// StringSlice returns a list setting. A scalar is treated as a one-element
// list; a comma separated string is split.
func (s Settings) StringSlice(key string) []string {
	switch t := s[key].(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			out = append(out, fmt.Sprint(v))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

// StringMap returns a mapping setting with values rendered as strings.
func (s Settings) StringMap(key string) map[string]string {
	m, ok := asSettings(s[key])
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = m.String(k, "")
	}
	return out
}

// Section returns the nested mapping stored under key.
func (s Settings) Section(key string) (Settings, bool) {
	return asSettings(s[key])
}

func asSettings(v any) (Settings, bool) {
	switch t := v.(type) {
	case Settings:
		return t, true
	case map[string]any:
		return Settings(t), true
	case map[any]any:
		out := make(Settings, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func cloneValue(v any) any {
	if m, ok := asSettings(v); ok {
		return m.Clone()
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
