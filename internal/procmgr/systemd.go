package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/coreos/go-systemd/v22/unit"
	"golang.org/x/sys/unix"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

// SystemdBackend manages services as systemd units. Every replica is its
// own unit, and each declaration gets a target that wants all of them, so
// the declaration can be started, stopped and enabled as a whole.
type SystemdBackend struct {
	opts        Options
	unitDir     string
	user        bool
	systemctl   Systemctl
	coordinator *Coordinator
}

// NewSystemdBackend returns the systemd backend. Units are installed
// system-wide when running privileged and into the user's unit directory
// otherwise.
func NewSystemdBackend(opts Options) (*SystemdBackend, error) {
	b := &SystemdBackend{
		opts:        opts,
		unitDir:     opts.UnitDir,
		user:        !opts.privileged(),
		systemctl:   opts.Systemctl,
		coordinator: opts.Coordinator,
	}
	if b.unitDir == "" {
		if b.user {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locating user unit directory: %w", err)
			}
			b.unitDir = filepath.Join(home, ".config", "systemd", "user")
		} else {
			b.unitDir = "/etc/systemd/system"
		}
	}
	if b.systemctl == nil {
		b.systemctl = newDBusSystemctl(b.user)
	}
	if b.coordinator == nil {
		b.coordinator = NewCoordinator()
	}
	return b, nil
}

func (b *SystemdBackend) Name() config.ProcessManager {
	return config.ProcessManagerSystemd
}

func (b *SystemdBackend) unitPath(name string) string {
	return filepath.Join(b.unitDir, name)
}

func (b *SystemdBackend) IntendedArtifacts(cfg *config.ConfigFile) (ArtifactSet, error) {
	set := make(ArtifactSet)
	for _, svc := range cfg.EnabledServices() {
		for _, name := range unitNames(cfg, svc) {
			set.Add(Artifact{Path: b.unitPath(name), Name: name})
		}
	}
	if len(set) > 0 {
		target := targetName(cfg)
		set.Add(Artifact{Path: b.unitPath(target), Name: target, Group: true})
	}
	return set, nil
}

// PresentArtifacts returns the units in the unit directory whose marker
// carries the path hash of cfg.
func (b *SystemdBackend) PresentArtifacts(cfg *config.ConfigFile) (ArtifactSet, error) {
	all, err := b.AllPresentArtifacts()
	if err != nil {
		return nil, err
	}
	return attributed(all, cfg), nil
}

func (b *SystemdBackend) AllPresentArtifacts() ([]OwnedArtifacts, error) {
	entries, err := os.ReadDir(b.unitDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	owners := make(map[Owner]ArtifactSet)
	for _, e := range entries {
		name := e.Name()
		isTarget := strings.HasSuffix(name, ".target")
		if e.IsDir() || (!isTarget && !strings.HasSuffix(name, ".service")) {
			continue
		}
		path := b.unitPath(name)
		markers, ours, err := readMarkers(path)
		if err != nil {
			return nil, err
		}
		hash := markers[markerConfigHash]
		if !ours || hash == "" {
			continue
		}
		o := Owner{PathHash: hash}
		if owners[o] == nil {
			owners[o] = make(ArtifactSet)
		}
		owners[o].Add(Artifact{Path: path, Name: name, Group: isTarget})
	}
	return groupByOwner(owners), nil
}

func (b *SystemdBackend) artifactRoots() []string {
	return []string{b.unitDir}
}

// deactivate stops every unit before it is unlinked and disables targets.
func (b *SystemdBackend) deactivate(ctx context.Context, artifacts []Artifact) error {
	var names, targets []string
	for _, a := range artifacts {
		names = append(names, a.Name)
		if a.Group {
			targets = append(targets, a.Name)
		}
	}
	for _, name := range names {
		logging.Info("Systemd", "Ensuring unit is stopped: %s", name)
		if err := b.systemctl.Stop(ctx, name); err != nil {
			// a unit that was never loaded is already stopped
			logging.Warn("Systemd", "Stopping %s: %v", name, err)
		}
	}
	if len(targets) > 0 {
		if err := b.systemctl.Disable(ctx, targets...); err != nil {
			logging.Warn("Systemd", "Disabling %s: %v", strings.Join(targets, " "), err)
		}
	}
	return nil
}

func (b *SystemdBackend) Update(ctx context.Context, req Request) (UpdateResult, error) {
	var res UpdateResult
	if req.Clean {
		removed, err := cleanArtifacts(ctx, b, req)
		res.Removed = removed
		if err != nil {
			return res, err
		}
		return res, b.refresh(ctx, &res, nil)
	}

	removed, err := ReconcileOwnership(ctx, b, req)
	res.Removed = removed
	if err != nil {
		return res, err
	}

	var conflicts []error
	var targets []string
	for _, cfg := range req.Configs {
		written, targetWritten, err := b.renderConfig(cfg, req.Force)
		res.Written += written
		if errdefs.IsOwnershipConflict(err) {
			logging.UserWarn("%v", err)
			conflicts = append(conflicts, err)
			continue
		}
		if err != nil {
			return res, err
		}
		if targetWritten {
			targets = append(targets, targetName(cfg))
		}
	}
	if err := b.refresh(ctx, &res, targets); err != nil {
		return res, err
	}
	return res, errors.Join(conflicts...)
}

// refresh reloads the unit database once when anything changed, then
// enables the targets that were (re)written.
func (b *SystemdBackend) refresh(ctx context.Context, res *UpdateResult, targets []string) error {
	if !res.Changed() {
		return nil
	}
	if err := b.systemctl.DaemonReload(ctx); err != nil {
		return err
	}
	res.Refreshed = true
	if len(targets) > 0 {
		return b.systemctl.Enable(ctx, targets...)
	}
	return nil
}

// renderConfig writes the target and then the units of cfg, stopping at
// the first conflict. A target owned by another declaration therefore
// leaves every unit of cfg unwritten.
func (b *SystemdBackend) renderConfig(cfg *config.ConfigFile, force bool) (int, bool, error) {
	services := cfg.EnabledServices()
	if len(services) == 0 {
		return 0, false, nil
	}
	hash := cfg.PathHash()
	target := targetName(cfg)

	type file struct{ name, content string }
	var files []file
	var wants []string
	for _, svc := range services {
		for i := range svc.Replicas() {
			content, err := b.renderUnit(cfg, svc, i)
			if err != nil {
				return 0, false, fmt.Errorf("rendering %s of %s: %w", svc.ServiceName, cfg.SourcePath, err)
			}
			name := unitName(cfg, svc, i)
			files = append(files, file{name, content})
			wants = append(wants, name)
		}
	}
	files = append([]file{{target, b.renderTarget(cfg, wants)}}, files...)

	written := 0
	targetWritten := false
	for _, f := range files {
		changed, err := writeArtifact(b.unitPath(f.name), f.content, hash, force)
		if err != nil {
			return written, targetWritten, err
		}
		if changed {
			logging.Info("Systemd", "Updated unit %s", f.name)
			written++
			targetWritten = targetWritten || f.name == target
		}
	}
	return written, targetWritten, nil
}

// systemdEscape escapes specifier and variable expansion.
func systemdEscape(s string) string {
	return strings.NewReplacer("%", "%%", "$", "$$").Replace(s)
}

func (b *SystemdBackend) renderUnit(cfg *config.ConfigFile, svc *config.Service, replica int) (string, error) {
	var execStart string
	var env map[string]string
	if cfg.Attribs.ServiceCommandStyle != config.CommandStyleDirect {
		r := ""
		if svc.Replicas() > 1 {
			r = strconv.Itoa(replica)
		}
		execStart = execStyleCommand(b.opts.execCommand(), cfg, svc, r)
	} else {
		resolved, err := Resolve(cfg, svc, replica, b.opts.StateDir, defaultSystemPath)
		if err != nil {
			return "", err
		}
		execStart = "/bin/sh -c " + shellescape.Quote("exec "+resolved.Command)
		env = resolved.Environment
	}

	description := fmt.Sprintf("Galaxy %s %s", cfg.InstanceName, svc.ServiceName)
	if svc.Replicas() > 1 {
		description += fmt.Sprintf(" (replica %d)", replica)
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", description),
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Unit", "After", "time-sync.target"),
		unit.NewUnitOption("Unit", "PartOf", targetName(cfg)),
		unit.NewUnitOption("Service", "UMask", svc.EffectiveUmask(cfg)),
		unit.NewUnitOption("Service", "Type", "simple"),
	}
	if !b.user {
		if cfg.Attribs.User != "" {
			opts = append(opts, unit.NewUnitOption("Service", "User", cfg.Attribs.User))
		}
		if cfg.Attribs.Group != "" {
			opts = append(opts, unit.NewUnitOption("Service", "Group", cfg.Attribs.Group))
		}
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "WorkingDirectory", cfg.Attribs.GalaxyRoot),
		unit.NewUnitOption("Service", "TimeoutStartSec", strconv.Itoa(svc.Settings.Int("start_timeout", 15))),
		unit.NewUnitOption("Service", "TimeoutStopSec", strconv.Itoa(svc.Settings.Int("stop_timeout", 65))),
		unit.NewUnitOption("Service", "ExecStart", systemdEscape(execStart)),
	)
	for _, kv := range (&Resolved{Environment: env}).EnvironmentList() {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", strconv.Quote(strings.ReplaceAll(kv, "%", "%%"))))
	}
	if limit := svc.EffectiveMemoryLimit(cfg); limit != nil {
		opts = append(opts, unit.NewUnitOption("Service", "MemoryLimit", formatGB(*limit)))
	}
	if high := svc.EffectiveMemoryHigh(cfg); high != nil {
		opts = append(opts, unit.NewUnitOption("Service", "MemoryHigh", formatGB(*high)))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "MemoryAccounting", "yes"),
		unit.NewUnitOption("Service", "CPUAccounting", "yes"),
		unit.NewUnitOption("Service", "IOAccounting", "yes"),
	)
	return serializeUnit(cfg.PathHash(), opts)
}

func (b *SystemdBackend) renderTarget(cfg *config.ConfigFile, wants []string) string {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("Galaxy %s (%s)", cfg.InstanceName, cfg.ConfigType)),
	}
	for _, w := range wants {
		opts = append(opts, unit.NewUnitOption("Unit", "Wants", w))
	}
	wantedBy := "multi-user.target"
	if b.user {
		wantedBy = "default.target"
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", wantedBy))
	// options built here always serialize
	content, _ := serializeUnit(cfg.PathHash(), opts)
	return content
}

func serializeUnit(hash string, opts []*unit.UnitOption) (string, error) {
	body, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", err
	}
	return markerBlock("#", [2]string{markerConfigHash, hash}) + "\n" + string(body), nil
}

func formatGB(gb float64) string {
	return strconv.FormatFloat(gb, 'f', -1, 64) + "G"
}

// units returns the units the request addresses: a declaration's target
// when no service filter is given, the service units otherwise.
func (b *SystemdBackend) units(req Request) []string {
	var names []string
	for _, cfg := range req.Configs {
		if !req.filtered() {
			if len(cfg.EnabledServices()) > 0 {
				names = append(names, targetName(cfg))
			}
			continue
		}
		for _, svc := range req.services(cfg) {
			names = append(names, unitNames(cfg, svc)...)
		}
	}
	return dedupe(names)
}

func (b *SystemdBackend) lifecycle(ctx context.Context, op string, req Request, fn func(context.Context, ...string) error) error {
	units := b.units(req)
	if len(units) == 0 {
		logging.Info("Systemd", "No units to %s", op)
		return nil
	}
	logging.Info("Systemd", "Running %s on %s", op, strings.Join(units, " "))
	return fn(ctx, units...)
}

func (b *SystemdBackend) Start(ctx context.Context, req Request) error {
	if err := b.lifecycle(ctx, "start", req, b.systemctl.Start); err != nil {
		return err
	}
	if req.Foreground {
		return b.Follow(ctx, req)
	}
	return nil
}

func (b *SystemdBackend) Stop(ctx context.Context, req Request) error {
	return b.lifecycle(ctx, "stop", req, b.systemctl.Stop)
}

func (b *SystemdBackend) Restart(ctx context.Context, req Request) error {
	return b.lifecycle(ctx, "restart", req, b.systemctl.Restart)
}

func (b *SystemdBackend) Graceful(ctx context.Context, req Request) error {
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			if err := b.coordinator.Reload(ctx, b, cfg, svc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *SystemdBackend) RestartService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service) error {
	return b.systemctl.Restart(ctx, unitNames(cfg, svc)...)
}

func (b *SystemdBackend) RestartReplica(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error {
	return b.systemctl.Restart(ctx, unitName(cfg, svc, replica))
}

func (b *SystemdBackend) SignalService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, signal string) error {
	sig := unix.SignalNum(signal)
	if sig == 0 {
		return fmt.Errorf("unknown signal %s", signal)
	}
	for _, name := range unitNames(cfg, svc) {
		if err := b.systemctl.Kill(ctx, name, sig); err != nil {
			return err
		}
	}
	return nil
}

func (b *SystemdBackend) Status(ctx context.Context, req Request) ([]ServiceStatus, error) {
	type replica struct {
		cfg   *config.ConfigFile
		svc   *config.Service
		index int
	}
	byUnit := make(map[string]replica)
	var names []string
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i, name := range unitNames(cfg, svc) {
				byUnit[name] = replica{cfg, svc, i}
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	states, err := b.systemctl.Status(ctx, names...)
	if err != nil {
		return nil, err
	}
	found := make(map[string]UnitState, len(states))
	for _, st := range states {
		found[st.Name] = st
	}
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		r := byUnit[name]
		st := ServiceStatus{Instance: r.cfg.InstanceName, Service: r.svc.ServiceName, Replica: r.index, Program: name, State: StateUnknown}
		if us, ok := found[name]; ok {
			st.State = mapSystemdState(us.ActiveState)
			st.Detail = us.SubState
			if us.LoadState != "" && us.LoadState != "loaded" {
				st.Detail = us.LoadState
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Shutdown stops every declaration's target. systemd itself keeps running.
func (b *SystemdBackend) Shutdown(ctx context.Context, req Request) error {
	req.ServiceNames = nil
	return b.Stop(ctx, req)
}

func (b *SystemdBackend) Follow(ctx context.Context, req Request) error {
	args := []string{"-f"}
	if b.user {
		args = append(args, "--user")
	}
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for _, name := range unitNames(cfg, svc) {
				args = append(args, "-u", name)
			}
		}
	}
	cmd := exec.CommandContext(ctx, "journalctl", args...)
	cmd.Stdout = req.out()
	cmd.Stderr = req.out()
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return commandError("journalctl", args, "", err)
	}
	return nil
}

func (b *SystemdBackend) Terminate() error {
	b.systemctl.Close()
	return nil
}

// PM runs systemctl with args, in the user manager when units are
// installed per user.
func (b *SystemdBackend) PM(ctx context.Context, req Request, args []string) error {
	out, err := b.systemctl.Run(ctx, args...)
	fmt.Fprint(req.out(), out)
	return err
}
