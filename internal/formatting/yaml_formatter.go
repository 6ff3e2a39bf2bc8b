package formatting

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
)

// configListing is the structured form of `list`.
type configListing struct {
	Configs []*config.ConfigFile `yaml:"configs"`
	Pending []*config.ConfigFile `yaml:"pending_removal,omitempty"`
}

// instanceSummary is the structured form of one `instances` entry.
type instanceSummary struct {
	Name            string                  `yaml:"name"`
	ProcessManagers []config.ProcessManager `yaml:"process_managers"`
	Services        []string                `yaml:"services"`
	ConfigFiles     []string                `yaml:"config_files"`
}

func summarize(inst *config.Instance) instanceSummary {
	s := instanceSummary{Name: inst.Name, ConfigFiles: inst.Paths(), Services: []string{}}
	seen := map[config.ProcessManager]bool{}
	for _, path := range s.ConfigFiles {
		cfg := inst.ConfigFiles[path]
		if !seen[cfg.ProcessManager] {
			seen[cfg.ProcessManager] = true
			s.ProcessManagers = append(s.ProcessManagers, cfg.ProcessManager)
		}
		s.Services = append(s.Services, cfg.ServiceNames()...)
	}
	return s
}

// structuredFormatter renders every result as one marshalled document.
type structuredFormatter struct {
	options Options
	marshal func(data interface{}) ([]byte, error)
}

func (f *structuredFormatter) FormatConfigs(configs, pending []*config.ConfigFile) error {
	return f.FormatData(configListing{Configs: nonNil(configs), Pending: pending})
}

func (f *structuredFormatter) FormatConfigDetail(configs []*config.ConfigFile) error {
	return f.FormatData(nonNil(configs))
}

func (f *structuredFormatter) FormatInstances(instances []*config.Instance) error {
	out := make([]instanceSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, summarize(inst))
	}
	return f.FormatData(out)
}

func (f *structuredFormatter) FormatStatus(statuses []procmgr.ServiceStatus) error {
	if statuses == nil {
		statuses = []procmgr.ServiceStatus{}
	}
	return f.FormatData(statuses)
}

func (f *structuredFormatter) FormatData(data interface{}) error {
	out, err := f.marshal(data)
	if err != nil {
		return fmt.Errorf("failed to format %s: %w", f.options.Format, err)
	}
	_, err = f.options.out().Write(out)
	return err
}

// nonNil makes empty lists render as [] rather than null.
func nonNil(configs []*config.ConfigFile) []*config.ConfigFile {
	if configs == nil {
		return []*config.ConfigFile{}
	}
	return configs
}

// NewYAMLFormatter creates a new YAML formatter
func NewYAMLFormatter(options Options) Formatter {
	return &structuredFormatter{options: options, marshal: yaml.Marshal}
}
