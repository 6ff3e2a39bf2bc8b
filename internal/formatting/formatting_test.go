package formatting

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
)

func sampleConfigs() []*config.ConfigFile {
	return []*config.ConfigFile{
		{
			SourcePath:     "/srv/galaxy/config/galaxy.yml",
			ConfigType:     "galaxy",
			InstanceName:   "main",
			ProcessManager: config.ProcessManagerSystemd,
			Attribs:        config.Attribs{GalaxyRoot: "/srv/galaxy/server", LogDir: "/srv/galaxy/log"},
			Services: []*config.Service{
				{ConfigType: "galaxy", ServiceType: "gunicorn", ServiceName: "gunicorn", Count: 1, Enable: true, GracefulMethod: config.GracefulRolling},
			},
		},
		{
			SourcePath:     "/srv/reports/reports.yml",
			ConfigType:     "reports",
			InstanceName:   "reports",
			ProcessManager: config.ProcessManagerSupervisor,
			LastLoadError:  "unable to load declaration",
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{"": FormatTable, "table": FormatTable, "yaml": FormatYAML, "json": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestTableFormatter_Configs(t *testing.T) {
	var out bytes.Buffer
	f := NewFormatter(Options{Format: FormatTable, Out: &out})
	configs := sampleConfigs()

	require.NoError(t, f.FormatConfigs(configs[:1], configs[1:]))
	assert.Contains(t, out.String(), "INSTANCE")
	assert.Contains(t, out.String(), "/srv/galaxy/config/galaxy.yml")
	assert.Contains(t, out.String(), "pending removal")

	out.Reset()
	require.NoError(t, f.FormatConfigs(configs, nil))
	assert.Contains(t, out.String(), "degraded")

	out.Reset()
	require.NoError(t, f.FormatConfigs(nil, nil))
	assert.Equal(t, "No config files registered\n", out.String())
}

func TestTableFormatter_Detail(t *testing.T) {
	var out bytes.Buffer
	f := NewFormatter(Options{Format: FormatTable, Out: &out})

	require.NoError(t, f.FormatConfigDetail(sampleConfigs()))
	assert.Contains(t, out.String(), "/srv/galaxy/server")
	assert.Contains(t, out.String(), "rolling")
	assert.Contains(t, out.String(), "unable to load declaration")
}

func TestTableFormatter_Status(t *testing.T) {
	var out bytes.Buffer
	f := NewFormatter(Options{Format: FormatTable, Out: &out, Color: true})

	require.NoError(t, f.FormatStatus([]procmgr.ServiceStatus{
		{Instance: "main", Service: "celery", Program: "galaxy-main-celery@0.service", State: procmgr.StateRunning},
	}))
	assert.Contains(t, out.String(), "galaxy-main-celery@0.service")
	assert.Contains(t, out.String(), "\x1b[", "states are colored")
}

func TestYAMLFormatter(t *testing.T) {
	var out bytes.Buffer
	f := NewFormatter(Options{Format: FormatYAML, Out: &out})

	require.NoError(t, f.FormatConfigs(sampleConfigs(), nil))
	var got map[string][]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.Len(t, got["configs"], 2)
	assert.Equal(t, "main", got["configs"][0]["instance_name"])
	assert.NotContains(t, got, "pending_removal")
}

func TestJSONFormatter(t *testing.T) {
	var out bytes.Buffer
	f := NewFormatter(Options{Format: FormatJSON, Out: &out})

	require.NoError(t, f.FormatStatus(nil))
	assert.Equal(t, "[]\n", out.String())

	out.Reset()
	require.NoError(t, f.FormatConfigDetail(sampleConfigs()[:1]))
	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "systemd", got[0]["process_manager"])
	attribs := got[0]["attribs"].(map[string]interface{})
	assert.Equal(t, "/srv/galaxy/server", attribs["galaxy_root"])
	assert.Contains(t, out.String(), "\n  ", "indented unless quiet")

	out.Reset()
	quiet := NewFormatter(Options{Format: FormatJSON, Out: &out, Quiet: true})
	require.NoError(t, quiet.FormatData(map[string]int{"written": 2}))
	assert.Equal(t, "{\"written\":2}\n", out.String())
}

func sampleInstances() []*config.Instance {
	configs := sampleConfigs()
	return []*config.Instance{
		{Name: "main", ConfigFiles: map[string]*config.ConfigFile{configs[0].SourcePath: configs[0]}},
		{Name: "reports", ConfigFiles: map[string]*config.ConfigFile{configs[1].SourcePath: configs[1]}},
	}
}

func TestFormatInstances(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		var out bytes.Buffer
		f := NewFormatter(Options{Format: FormatTable, Out: &out})

		require.NoError(t, f.FormatInstances(sampleInstances()))
		assert.Contains(t, out.String(), "MANAGER")
		assert.Contains(t, out.String(), "gunicorn")
		assert.Contains(t, out.String(), "/srv/reports/reports.yml")

		out.Reset()
		require.NoError(t, f.FormatInstances(nil))
		assert.Contains(t, out.String(), "No instances registered")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		f := NewFormatter(Options{Format: FormatJSON, Out: &out})

		require.NoError(t, f.FormatInstances(sampleInstances()))
		var got []map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "main", got[0]["name"])
		assert.Equal(t, []interface{}{"systemd"}, got[0]["process_managers"])
		assert.Equal(t, []interface{}{"gunicorn"}, got[0]["services"])
		assert.Equal(t, []interface{}{}, got[1]["services"])

		out.Reset()
		require.NoError(t, f.FormatInstances(nil))
		assert.Equal(t, "[]\n", out.String())
	})
}
