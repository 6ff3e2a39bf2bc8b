package procmgr

import (
	"fmt"
	"path/filepath"
	"strconv"

	"galaxyctl/internal/config"
)

// ProgramNames returns the names supervisorctl addresses the replicas of a
// service by. group is the instance name when grouping is in effect and
// empty otherwise; start is the first replica number.
func ProgramNames(service string, count, start int, group string) []string {
	if count < 1 {
		count = 1
	}
	if count == 1 {
		if group == "" {
			return []string{service}
		}
		return []string{group + ":" + service}
	}
	names := make([]string, count)
	for i := range count {
		n := strconv.Itoa(start + i)
		if group == "" {
			names[i] = fmt.Sprintf("%s:%s_%s", service, service, n)
		} else {
			names[i] = fmt.Sprintf("%s:%s%s", group, service, n)
		}
	}
	return names
}

// supervisorProgram is the [program:x] name of a service's stanza.
func supervisorProgram(cfg *config.ConfigFile, svc *config.Service, grouped bool) string {
	if grouped {
		return cfg.InstanceName + "_" + svc.ServiceName
	}
	return svc.ServiceName
}

// stanzaFileName is the file name of a service's supervisor stanza.
func stanzaFileName(svc *config.Service) string {
	return fmt.Sprintf("%s_%s_%s.conf", svc.ConfigType, svc.ServiceType, svc.ServiceName)
}

// unitName is the systemd unit of one replica of a service. Replicated
// services get one instantiated unit per replica.
func unitName(cfg *config.ConfigFile, svc *config.Service, replica int) string {
	base := fmt.Sprintf("%s-%s-%s", svc.ConfigType, cfg.InstanceName, svc.ServiceName)
	if svc.Replicas() == 1 {
		return base + ".service"
	}
	return fmt.Sprintf("%s@%d.service", base, replica)
}

// unitNames returns the units of every replica of a service.
func unitNames(cfg *config.ConfigFile, svc *config.Service) []string {
	names := make([]string, svc.Replicas())
	for i := range names {
		names[i] = unitName(cfg, svc, i)
	}
	return names
}

// targetName is the systemd target grouping the units of a declaration.
func targetName(cfg *config.ConfigFile) string {
	return fmt.Sprintf("%s-%s.target", cfg.ConfigType, cfg.InstanceName)
}

// logFile is where the output of a program is written.
func logFile(cfg *config.ConfigFile, program string) string {
	return filepath.Join(cfg.Attribs.LogDir, program+".log")
}
