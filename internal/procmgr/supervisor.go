package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

const supervisordConfTemplate = `[unix_http_server]
file = %[1]s

[supervisord]
logfile = %%(here)s/supervisord.log
pidfile = %%(here)s/supervisord.pid
loglevel = info
nodaemon = false

[rpcinterface:supervisor]
supervisor.rpcinterface_factory = supervisor.rpcinterface:make_main_rpcinterface

[supervisorctl]
serverurl = unix://%[1]s

[include]
files = supervisord.conf.d/*.d/*.conf supervisord.conf.d/*.conf
`

// SupervisorBackend manages services as supervisord programs. Each
// service is one stanza file; replicas are numbered processes of the
// program. When more than one instance is registered every instance's
// programs are collected in a supervisor group named after the instance.
type SupervisorBackend struct {
	opts        Options
	dir         string
	confPath    string
	confDir     string
	ctl         SupervisorControl
	coordinator *Coordinator

	grouped bool
}

// NewSupervisorBackend returns the supervisor backend rooted at
// <state_dir>/supervisor.
func NewSupervisorBackend(opts Options) *SupervisorBackend {
	dir := filepath.Join(opts.StateDir, "supervisor")
	b := &SupervisorBackend{
		opts:        opts,
		dir:         dir,
		confPath:    filepath.Join(dir, "supervisord.conf"),
		confDir:     filepath.Join(dir, "supervisord.conf.d"),
		ctl:         opts.Supervisor,
		coordinator: opts.Coordinator,
	}
	if b.ctl == nil {
		b.ctl = newSupervisord(dir, opts.startTimeout())
	}
	if b.coordinator == nil {
		b.coordinator = NewCoordinator()
	}
	return b
}

func (b *SupervisorBackend) Name() config.ProcessManager {
	return config.ProcessManagerSupervisor
}

// observe decides grouping from the registered declarations.
func (b *SupervisorBackend) observe(req Request) {
	configs := req.AllConfigs
	if len(configs) == 0 {
		configs = req.Configs
	}
	instances := make(map[string]bool)
	for _, cfg := range configs {
		instances[cfg.InstanceName] = true
	}
	b.grouped = len(instances) > 1
}

func (b *SupervisorBackend) group(cfg *config.ConfigFile) string {
	if b.grouped {
		return cfg.InstanceName
	}
	return ""
}

func (b *SupervisorBackend) programNames(cfg *config.ConfigFile, svc *config.Service) []string {
	return ProgramNames(svc.ServiceName, svc.Replicas(), 0, b.group(cfg))
}

func (b *SupervisorBackend) stanzaPath(cfg *config.ConfigFile, svc *config.Service) string {
	return filepath.Join(b.confDir, cfg.InstanceName+".d", stanzaFileName(svc))
}

func (b *SupervisorBackend) groupPath(instance string) string {
	return filepath.Join(b.confDir, "group_"+instance+".conf")
}

func (b *SupervisorBackend) IntendedArtifacts(cfg *config.ConfigFile) (ArtifactSet, error) {
	set := make(ArtifactSet)
	for _, svc := range cfg.EnabledServices() {
		set.Add(Artifact{
			Path: b.stanzaPath(cfg, svc),
			Name: strings.Join(b.programNames(cfg, svc), " "),
		})
	}
	if b.grouped && len(set) > 0 {
		set.Add(Artifact{Path: b.groupPath(cfg.InstanceName), Name: cfg.InstanceName + ":*", Group: true})
	}
	return set, nil
}

func (b *SupervisorBackend) PresentArtifacts(cfg *config.ConfigFile) (ArtifactSet, error) {
	all, err := b.AllPresentArtifacts()
	if err != nil {
		return nil, err
	}
	return attributed(all, cfg), nil
}

// AllPresentArtifacts scans the include directory. Stanzas are attributed
// by the config hash in their marker and group files by instance; files
// without our marker are ignored.
func (b *SupervisorBackend) AllPresentArtifacts() ([]OwnedArtifacts, error) {
	owners := make(map[Owner]ArtifactSet)
	add := func(o Owner, a Artifact) {
		if owners[o] == nil {
			owners[o] = make(ArtifactSet)
		}
		owners[o].Add(a)
	}

	groups, err := filepath.Glob(filepath.Join(b.confDir, "group_*.conf"))
	if err != nil {
		return nil, err
	}
	for _, path := range groups {
		markers, ours, err := readMarkers(path)
		if err != nil {
			return nil, err
		}
		instance := markers[markerInstance]
		if !ours || instance == "" || filepath.Base(path) != "group_"+instance+".conf" {
			logging.Debug("Supervisor", "Ignoring foreign file %s", path)
			continue
		}
		add(Owner{Instance: instance}, Artifact{Path: path, Name: instance + ":*", Group: true})
	}

	stanzas, err := filepath.Glob(filepath.Join(b.confDir, "*.d", "*.conf"))
	if err != nil {
		return nil, err
	}
	for _, path := range stanzas {
		markers, ours, err := readMarkers(path)
		if err != nil {
			return nil, err
		}
		hash := markers[markerConfigHash]
		if !ours || hash == "" {
			logging.Debug("Supervisor", "Ignoring foreign file %s", path)
			continue
		}
		add(Owner{PathHash: hash}, Artifact{Path: path, Name: markers[markerPrograms]})
	}
	return groupByOwner(owners), nil
}

func (b *SupervisorBackend) artifactRoots() []string {
	return []string{b.confDir}
}

// deactivate stops the programs of artifacts about to be removed. The
// following supervisorctl update unloads them.
func (b *SupervisorBackend) deactivate(ctx context.Context, artifacts []Artifact) error {
	if !b.ctl.Running() {
		return nil
	}
	var names []string
	for _, a := range artifacts {
		names = append(names, strings.Fields(a.Name)...)
	}
	if len(names) == 0 {
		return nil
	}
	if _, err := b.ctl.Ctl(ctx, append([]string{"stop"}, names...)...); err != nil {
		// programs that were never loaded cannot be stopped
		logging.Warn("Supervisor", "Stopping removed programs: %v", err)
	}
	return nil
}

func (b *SupervisorBackend) Update(ctx context.Context, req Request) (UpdateResult, error) {
	b.observe(req)
	var res UpdateResult
	if err := os.MkdirAll(b.confDir, 0o755); err != nil {
		return res, err
	}

	if req.Clean {
		removed, err := cleanArtifacts(ctx, b, req)
		res.Removed = removed
		if err != nil {
			return res, err
		}
		return res, b.refresh(ctx, &res)
	}

	removed, err := ReconcileOwnership(ctx, b, req)
	res.Removed = removed
	if err != nil {
		return res, err
	}

	var conflicts []error
	for _, cfg := range req.Configs {
		written, err := b.renderConfig(cfg, req.Force)
		res.Written += written
		if errdefs.IsOwnershipConflict(err) {
			logging.UserWarn("%v", err)
			conflicts = append(conflicts, err)
			continue
		}
		if err != nil {
			return res, err
		}
	}
	if b.grouped {
		written, err := b.renderGroups(req)
		res.Written += written
		if err != nil {
			return res, err
		}
	}
	if err := b.refresh(ctx, &res); err != nil {
		return res, err
	}
	return res, errors.Join(conflicts...)
}

// refresh makes a running daemon reread its configuration, once, and only
// when something changed. A stopped daemon picks changes up on start.
func (b *SupervisorBackend) refresh(ctx context.Context, res *UpdateResult) error {
	if !res.Changed() || !b.ctl.Running() {
		return nil
	}
	if _, err := b.ctl.Ctl(ctx, "update"); err != nil {
		return err
	}
	res.Refreshed = true
	return nil
}

// renderConfig writes one stanza per enabled service of cfg. A stanza that
// conflicts with a file we do not own is skipped; the other services are
// still rendered and the conflicts are returned together.
func (b *SupervisorBackend) renderConfig(cfg *config.ConfigFile, force bool) (int, error) {
	written := 0
	var conflicts []error
	services := cfg.EnabledServices()
	if len(services) > 0 {
		if err := os.MkdirAll(cfg.Attribs.LogDir, 0o755); err != nil {
			return 0, fmt.Errorf("creating log directory: %w", err)
		}
	}
	for _, svc := range services {
		content, err := b.renderStanza(cfg, svc)
		if err != nil {
			return written, fmt.Errorf("rendering %s of %s: %w", svc.ServiceName, cfg.SourcePath, err)
		}
		path := b.stanzaPath(cfg, svc)
		changed, err := writeArtifact(path, content, cfg.PathHash(), force)
		if errdefs.IsOwnershipConflict(err) {
			conflicts = append(conflicts, err)
			continue
		}
		if err != nil {
			return written, err
		}
		if changed {
			logging.Info("Supervisor", "Updated service %s of %s", svc.ServiceName, cfg.InstanceName)
			written++
		}
	}
	return written, errors.Join(conflicts...)
}

func supervisorEscape(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func (b *SupervisorBackend) renderStanza(cfg *config.ConfigFile, svc *config.Service) (string, error) {
	replicas := svc.Replicas()
	program := supervisorProgram(cfg, svc, b.grouped)

	var command string
	var env map[string]string
	if usesExecStyle(cfg, svc) {
		command = supervisorEscape(execStyleCommand(b.opts.execCommand(), cfg, svc, ""))
		if replicas > 1 {
			command += " --replica %(process_num)d"
		}
	} else {
		resolved, err := Resolve(cfg, svc, 0, b.opts.StateDir, "%(ENV_PATH)s")
		if err != nil {
			return "", err
		}
		command = supervisorEscape(resolved.Command)
		env = resolved.Environment
	}

	var s strings.Builder
	s.WriteString(markerBlock(";",
		[2]string{markerConfigHash, cfg.PathHash()},
		[2]string{markerPrograms, strings.Join(b.programNames(cfg, svc), " ")},
	))
	fmt.Fprintf(&s, "\n[program:%s]\n", program)
	option := func(key, value string) {
		fmt.Fprintf(&s, "%-15s = %s\n", key, value)
	}
	option("command", command)
	option("directory", supervisorEscape(cfg.Attribs.GalaxyRoot))
	option("umask", svc.EffectiveUmask(cfg))
	option("autostart", "true")
	option("autorestart", "true")
	option("startsecs", fmt.Sprint(svc.Settings.Int("start_timeout", 15)))
	option("stopwaitsecs", fmt.Sprint(svc.Settings.Int("stop_timeout", 65)))
	if b.opts.privileged() && cfg.Attribs.User != "" {
		option("user", cfg.Attribs.User)
	}
	if len(env) > 0 {
		option("environment", supervisorEnvironment(env))
	}
	option("numprocs", fmt.Sprint(replicas))
	switch {
	case b.grouped && replicas > 1:
		option("process_name", svc.ServiceName+"%(process_num)d")
	case b.grouped:
		option("process_name", svc.ServiceName)
	case replicas > 1:
		option("process_name", "%(program_name)s_%(process_num)d")
	}
	if replicas > 1 {
		option("stdout_logfile", supervisorEscape(filepath.Join(cfg.Attribs.LogDir, program))+"_%(process_num)d.log")
	} else {
		option("stdout_logfile", supervisorEscape(logFile(cfg, program)))
	}
	option("redirect_stderr", "true")
	return s.String(), nil
}

func supervisorEnvironment(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := supervisorEscape(env[k])
		v = strings.ReplaceAll(v, "%%(ENV_PATH)s", "%(ENV_PATH)s")
		v = strings.ReplaceAll(v, `"`, `\"`)
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return strings.Join(pairs, ",")
}

// renderGroups writes one group file per instance listing the programs of
// every declaration of the instance.
func (b *SupervisorBackend) renderGroups(req Request) (int, error) {
	programs := make(map[string][]string)
	var instances []string
	for _, cfg := range managedConfigs(b.Name(), req) {
		if _, ok := programs[cfg.InstanceName]; !ok {
			instances = append(instances, cfg.InstanceName)
		}
		for _, svc := range cfg.EnabledServices() {
			programs[cfg.InstanceName] = append(programs[cfg.InstanceName], supervisorProgram(cfg, svc, true))
		}
	}
	written := 0
	for _, instance := range instances {
		if len(programs[instance]) == 0 {
			continue
		}
		content := markerBlock(";", [2]string{markerInstance, instance}) +
			fmt.Sprintf("\n[group:%s]\nprograms = %s\n", instance, strings.Join(programs[instance], ","))
		changed, err := writeArtifact(b.groupPath(instance), content, "", req.Force)
		if err != nil {
			return written, err
		}
		if changed {
			logging.Info("Supervisor", "Updated group %s", instance)
			written++
		}
	}
	return written, nil
}

func (b *SupervisorBackend) writeMainConf() error {
	if err := os.MkdirAll(b.confDir, 0o755); err != nil {
		return err
	}
	content := markerBlock(";") + "\n" + fmt.Sprintf(supervisordConfTemplate, supervisorSocket(b.dir))
	return os.WriteFile(b.confPath, []byte(content), 0o644)
}

// ensureDaemon starts supervisord unless it is running. Its main
// configuration is rewritten whenever it is not.
func (b *SupervisorBackend) ensureDaemon(ctx context.Context, req Request) error {
	if b.ctl.Running() {
		return nil
	}
	if err := b.writeMainConf(); err != nil {
		return err
	}
	return b.ctl.StartDaemon(ctx, req.Foreground)
}

// targets returns the supervisorctl names the request addresses.
func (b *SupervisorBackend) targets(req Request) []string {
	var names []string
	for _, cfg := range req.Configs {
		if !req.filtered() && b.grouped {
			names = append(names, cfg.InstanceName+":*")
			continue
		}
		for _, svc := range req.services(cfg) {
			names = append(names, b.programNames(cfg, svc)...)
		}
	}
	if !req.filtered() && !b.grouped && len(names) > 0 {
		return []string{"all"}
	}
	return dedupe(names)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (b *SupervisorBackend) lifecycle(ctx context.Context, op string, req Request) error {
	targets := b.targets(req)
	if len(targets) == 0 {
		logging.Info("Supervisor", "No services to %s", op)
		return nil
	}
	out, err := b.ctl.Ctl(ctx, append([]string{op}, targets...)...)
	fmt.Fprint(req.out(), out)
	return err
}

func (b *SupervisorBackend) Start(ctx context.Context, req Request) error {
	b.observe(req)
	if err := b.ensureDaemon(ctx, req); err != nil {
		return err
	}
	if err := b.lifecycle(ctx, "start", req); err != nil {
		return err
	}
	if req.Foreground {
		return b.Follow(ctx, req)
	}
	return nil
}

// Stop stops the addressed programs and shuts supervisord down once no
// process is left running.
func (b *SupervisorBackend) Stop(ctx context.Context, req Request) error {
	b.observe(req)
	if !b.ctl.Running() {
		logging.UserWarn("supervisord is not running")
		return nil
	}
	if err := b.lifecycle(ctx, "stop", req); err != nil {
		return err
	}
	states, err := b.processStates(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st != StateStopped && st != StateFailed {
			logging.Info("Supervisor", "Not all processes stopped, supervisord not shut down (hint: see `galaxyctl status`)")
			return nil
		}
	}
	logging.Info("Supervisor", "All processes stopped, supervisord will exit")
	return b.ctl.Shutdown(ctx)
}

func (b *SupervisorBackend) Restart(ctx context.Context, req Request) error {
	b.observe(req)
	if err := b.ensureDaemon(ctx, req); err != nil {
		return err
	}
	return b.lifecycle(ctx, "restart", req)
}

func (b *SupervisorBackend) Graceful(ctx context.Context, req Request) error {
	b.observe(req)
	if !b.ctl.Running() {
		logging.UserWarn("supervisord is not running, nothing to reload")
		return nil
	}
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			if err := b.coordinator.Reload(ctx, b, cfg, svc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *SupervisorBackend) RestartService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service) error {
	_, err := b.ctl.Ctl(ctx, append([]string{"restart"}, b.programNames(cfg, svc)...)...)
	return err
}

func (b *SupervisorBackend) RestartReplica(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error {
	_, err := b.ctl.Ctl(ctx, "restart", b.programNames(cfg, svc)[replica])
	return err
}

func (b *SupervisorBackend) SignalService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, signal string) error {
	_, err := b.ctl.Ctl(ctx, append([]string{"signal", signal}, b.programNames(cfg, svc)...)...)
	return err
}

// processStates parses `supervisorctl status` into process name -> state.
func (b *SupervisorBackend) processStates(ctx context.Context) (map[string]State, error) {
	out, err := b.ctl.Ctl(ctx, "status")
	// status exits 3 when some process is not running
	if err != nil && exitCode(err) != 3 {
		return nil, err
	}
	states := make(map[string]State)
	details := bufio.NewScanner(strings.NewReader(out))
	for details.Scan() {
		fields := strings.Fields(details.Text())
		if len(fields) < 2 {
			continue
		}
		states[fields[0]] = mapSupervisorState(fields[1])
	}
	return states, nil
}

func (b *SupervisorBackend) Status(ctx context.Context, req Request) ([]ServiceStatus, error) {
	b.observe(req)
	running := b.ctl.Running()
	var states map[string]State
	if running {
		var err error
		if states, err = b.processStates(ctx); err != nil {
			return nil, err
		}
	}
	var out []ServiceStatus
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i, name := range b.programNames(cfg, svc) {
				st := ServiceStatus{Instance: cfg.InstanceName, Service: svc.ServiceName, Replica: i, Program: name, State: StateStopped}
				if !running {
					st.Detail = "supervisord is not running"
				} else if s, ok := states[name]; ok {
					st.State = s
				} else {
					st.State = StateUnknown
					st.Detail = "not loaded (hint: galaxyctl update)"
				}
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func (b *SupervisorBackend) Shutdown(ctx context.Context, req Request) error {
	if !b.ctl.Running() {
		logging.Info("Supervisor", "supervisord is not running")
		return nil
	}
	return b.ctl.Shutdown(ctx)
}

// logFiles returns the log files of the addressed services.
func (b *SupervisorBackend) logFiles(req Request) []string {
	var files []string
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			program := supervisorProgram(cfg, svc, b.grouped)
			if svc.Replicas() == 1 {
				files = append(files, logFile(cfg, program))
				continue
			}
			for i := range svc.Replicas() {
				files = append(files, logFile(cfg, fmt.Sprintf("%s_%d", program, i)))
			}
		}
	}
	return files
}

func (b *SupervisorBackend) Follow(ctx context.Context, req Request) error {
	b.observe(req)
	files := b.logFiles(req)
	if len(files) == 0 {
		files = []string{filepath.Join(b.dir, "supervisord.log")}
	}
	return tail(ctx, files, req.out())
}

// Terminate waits for a foreground supervisord, which exits on the same
// interrupt the controller received.
func (b *SupervisorBackend) Terminate() error {
	return b.ctl.Wait()
}

// tail follows files until ctx is done.
func tail(ctx context.Context, files []string, out io.Writer) error {
	path, err := exec.LookPath("tail")
	if err != nil {
		return fmt.Errorf("`tail` not found on $PATH, please install it: %w", err)
	}
	args := append([]string{"-F"}, slices.Clone(files)...)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return commandError("tail", args, "", err)
	}
	return nil
}

// commands that make no sense against a daemon started just for them
var noStartCommands = []string{"shutdown", "status"}

// PM runs supervisorctl with args. supervisord is started first unless the
// command is one that only inspects or stops it.
func (b *SupervisorBackend) PM(ctx context.Context, req Request, args []string) error {
	b.observe(req)
	if len(args) > 0 && slices.Contains(noStartCommands, args[0]) {
		if !b.ctl.Running() {
			logging.UserWarn("supervisord is not running")
			return nil
		}
	} else if err := b.ensureDaemon(ctx, req); err != nil {
		return err
	}
	out, err := b.ctl.Ctl(ctx, args...)
	fmt.Fprint(req.out(), out)
	return err
}
