package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type row struct {
	ID     string   `yaml:"id"`
	Active bool     `yaml:"active"`
	Tags   []string `yaml:"tags"`
	Secret string   `yaml:"-"`
}

type inner struct {
	Total int `yaml:"total"`
}

type report struct {
	Name   string           `yaml:"name"`
	Rate   float64          `yaml:"rate"`
	Inner  inner            `yaml:"requests"`
	Errors map[string]int64 `yaml:"errors"`
}

func TestTableFormatter_Slice(t *testing.T) {
	out := NewFormatter("table").Format([]row{
		{ID: "r1", Active: true, Tags: []string{"a", "b"}, Secret: "pw"},
		{ID: "r2"},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"ID", "ACTIVE", "TAGS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"r1", "true", "a,b"}, strings.Fields(lines[1]))
	assert.NotContains(t, out, "pw")
}

func TestTableFormatter_Empty(t *testing.T) {
	assert.Equal(t, "No resources found.\n", NewFormatter("").Format([]row{}))
}

func TestTableFormatter_Struct(t *testing.T) {
	out := NewFormatter("table").Format(&report{
		Name:   "gw",
		Rate:   97.5,
		Inner:  inner{Total: 12},
		Errors: map[string]int64{"B": 2, "A": 1},
	})
	assert.Contains(t, out, "name:")
	assert.Contains(t, out, "97.50")
	assert.Contains(t, out, "requests.total:")
	assert.Less(t, strings.Index(out, "errors.A:"), strings.Index(out, "errors.B:"))
}

func TestJSONAndYAMLFormatters(t *testing.T) {
	data := []row{{ID: "r1", Active: true}}

	var fromJSON []map[string]any
	require.NoError(t, json.Unmarshal([]byte(NewFormatter("json").Format(data)), &fromJSON))
	assert.Equal(t, "r1", fromJSON[0]["ID"])

	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(NewFormatter("YAML").Format(data)), &fromYAML))
	assert.Equal(t, "r1", fromYAML[0]["id"])
	assert.NotContains(t, fromYAML[0], "Secret")
}
