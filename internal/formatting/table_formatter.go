package formatting

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
	pkgstrings "galaxyctl/pkg/strings"
)

// TableFormatter provides rich table output formatting
type TableFormatter struct {
	options Options
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(options Options) Formatter {
	return &TableFormatter{
		options: options,
	}
}

// FormatConfigs renders one row per declaration.
func (f *TableFormatter) FormatConfigs(configs, pending []*config.ConfigFile) error {
	if len(configs) == 0 && len(pending) == 0 {
		f.printEmpty("No config files registered")
		return nil
	}

	t := f.createTable()
	t.AppendHeader(f.header("INSTANCE", "TYPE", "MANAGER", "CONFIG", "STATE"))
	for _, cfg := range configs {
		st := "ok"
		if cfg.Degraded() {
			st = f.color(text.FgYellow, "degraded")
		}
		t.AppendRow(table.Row{cfg.InstanceName, cfg.ConfigType, cfg.ProcessManager, cfg.SourcePath, st})
	}
	for _, cfg := range pending {
		t.AppendRow(table.Row{cfg.InstanceName, cfg.ConfigType, cfg.ProcessManager, cfg.SourcePath, f.color(text.FgHiBlack, "pending removal")})
	}
	t.Render()
	return nil
}

// FormatConfigDetail renders the attributes of each declaration followed
// by a table of its services.
func (f *TableFormatter) FormatConfigDetail(configs []*config.ConfigFile) error {
	if len(configs) == 0 {
		f.printEmpty("No config files registered")
		return nil
	}
	for i, cfg := range configs {
		if i > 0 {
			fmt.Fprintln(f.options.out())
		}
		attrs := f.createTable()
		attrs.AppendRows([]table.Row{
			{f.key("Instance"), cfg.InstanceName},
			{f.key("Config"), cfg.SourcePath},
			{f.key("Type"), cfg.ConfigType},
			{f.key("Process manager"), cfg.ProcessManager},
			{f.key("Galaxy root"), cfg.Attribs.GalaxyRoot},
			{f.key("Log dir"), cfg.Attribs.LogDir},
			{f.key("Virtualenv"), orDash(cfg.Attribs.Virtualenv)},
			{f.key("Command style"), cfg.Attribs.ServiceCommandStyle},
		})
		if cfg.Degraded() {
			attrs.AppendRow(table.Row{f.key("Load error"), f.color(text.FgYellow, pkgstrings.Truncate(cfg.LastLoadError, pkgstrings.DefaultCellMaxLen))})
		}
		attrs.Render()

		svcs := f.createTable()
		svcs.AppendHeader(f.header("SERVICE", "TYPE", "COUNT", "GRACEFUL", "ENABLED"))
		for _, svc := range cfg.Services {
			svcs.AppendRow(table.Row{svc.ServiceName, svc.ServiceType, svc.Count, svc.GracefulMethod, svc.Enable})
		}
		svcs.Render()
	}
	return nil
}

// FormatInstances renders one row per instance.
func (f *TableFormatter) FormatInstances(instances []*config.Instance) error {
	if len(instances) == 0 {
		f.printEmpty("No instances registered")
		return nil
	}
	t := f.createTable()
	t.AppendHeader(f.header("INSTANCE", "MANAGER", "SERVICES", "CONFIGS"))
	for _, inst := range instances {
		s := summarize(inst)
		managers := make([]string, len(s.ProcessManagers))
		for i, pm := range s.ProcessManagers {
			managers[i] = string(pm)
		}
		t.AppendRow(table.Row{
			s.Name,
			strings.Join(managers, ", "),
			pkgstrings.Truncate(orDash(strings.Join(s.Services, ", ")), pkgstrings.DefaultCellMaxLen),
			strings.Join(s.ConfigFiles, "\n"),
		})
	}
	t.Render()
	return nil
}

// FormatStatus renders one row per replica.
func (f *TableFormatter) FormatStatus(statuses []procmgr.ServiceStatus) error {
	if len(statuses) == 0 {
		f.printEmpty("No services found")
		return nil
	}
	t := f.createTable()
	t.AppendHeader(f.header("INSTANCE", "SERVICE", "PROGRAM", "STATE", "DETAIL"))
	for _, st := range statuses {
		t.AppendRow(table.Row{st.Instance, st.Service, st.Program, f.state(st.State), pkgstrings.Truncate(st.Detail, pkgstrings.DefaultCellMaxLen)})
	}
	t.Render()
	return nil
}

// FormatData renders maps as key/value tables and anything else with %v.
func (f *TableFormatter) FormatData(data interface{}) error {
	switch d := data.(type) {
	case map[string]interface{}:
		t := f.createTable()
		t.AppendHeader(f.header("KEY", "VALUE"))
		for key, value := range d {
			t.AppendRow(table.Row{f.key(key), fmt.Sprintf("%v", value)})
		}
		t.SortBy([]table.SortBy{{Number: 1, Mode: table.Asc}})
		t.Render()
	case []string:
		fmt.Fprintln(f.options.out(), strings.Join(d, "\n"))
	default:
		fmt.Fprintf(f.options.out(), "%v\n", d)
	}
	return nil
}

// createTable creates a new table with standard styling
func (f *TableFormatter) createTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(f.options.out())
	if f.options.Quiet {
		t.SetStyle(table.StyleLight)
		t.Style().Options = table.OptionsNoBordersAndSeparators
	} else {
		t.SetStyle(table.StyleRounded)
	}
	return t
}

func (f *TableFormatter) header(names ...string) table.Row {
	row := make(table.Row, len(names))
	for i, n := range names {
		row[i] = f.color(text.FgHiCyan, n)
	}
	return row
}

func (f *TableFormatter) key(k string) string {
	return f.color(text.FgHiCyan, k)
}

func (f *TableFormatter) state(s procmgr.State) string {
	switch s {
	case procmgr.StateRunning:
		return f.color(text.FgGreen, string(s))
	case procmgr.StateFailed:
		return f.color(text.FgRed, string(s))
	case procmgr.StateStarting, procmgr.StateStopping:
		return f.color(text.FgYellow, string(s))
	default:
		return string(s)
	}
}

func (f *TableFormatter) color(c text.Color, s string) string {
	if !f.options.Color {
		return s
	}
	return c.Sprint(s)
}

func (f *TableFormatter) printEmpty(message string) {
	fmt.Fprintln(f.options.out(), f.color(text.FgYellow, message))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
