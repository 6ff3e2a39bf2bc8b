package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_LaterLayersWin(t *testing.T) {
	defaults := Settings{"bind": "localhost:8080", "workers": 1, "nested": map[string]any{"a": 1, "b": 2}}
	declared := Settings{"workers": 4, "nested": map[string]any{"b": 3}}
	override := Settings{"bind": "unix:/run/galaxy.sock"}

	merged := Merge(defaults, declared, override)

	assert.Equal(t, "unix:/run/galaxy.sock", merged.String("bind", ""))
	assert.Equal(t, 4, merged.Int("workers", 0))
	nested, ok := merged.Section("nested")
	require.True(t, ok)
	assert.Equal(t, 1, nested.Int("a", 0))
	assert.Equal(t, 3, nested.Int("b", 0))

	// inputs untouched
	assert.Equal(t, 1, defaults.Int("workers", 0))
	orig, _ := defaults.Section("nested")
	assert.Equal(t, 2, orig.Int("b", 0))
}

func TestSettings_Accessors(t *testing.T) {
	s := Settings{
		"int":    8,
		"float":  2.5,
		"str":    "42",
		"yes":    "true",
		"list":   []any{"a", "b"},
		"csv":    "x, y,,z",
		"nil":    nil,
		"mapping": map[string]any{
			"FOO": "bar",
			"N":   1,
		},
	}

	assert.Equal(t, 8, s.Int("int", 0))
	assert.Equal(t, 42, s.Int("str", 0))
	assert.Equal(t, 7, s.Int("missing", 7))
	f, ok := s.Float("float")
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)
	assert.Equal(t, "2.5", s.String("float", ""))
	assert.True(t, s.Bool("yes", false))
	assert.Equal(t, []string{"a", "b"}, s.StringSlice("list"))
	assert.Equal(t, []string{"x", "y", "z"}, s.StringSlice("csv"))
	assert.Nil(t, s.StringSlice("nil"))
	assert.False(t, s.Has("nil"))
	assert.Equal(t, map[string]string{"FOO": "bar", "N": "1"}, s.StringMap("mapping"))
}

func TestSettings_CloneIsDeep(t *testing.T) {
	s := Settings{"nested": map[string]any{"a": 1}, "list": []any{"x"}}
	c := s.Clone()

	nested, _ := c.Section("nested")
	nested["a"] = 2
	c["list"].([]any)[0] = "y"

	orig, _ := s.Section("nested")
	assert.Equal(t, 1, orig.Int("a", 0))
	assert.Equal(t, "x", s["list"].([]any)[0])
}
