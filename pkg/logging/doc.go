// Package logging provides the structured logging used throughout galaxyctl.
//
// It is a thin wrapper around log/slog. Every entry carries a subsystem
// attribute so that output from the reconciler, the backends and the CLI can
// be told apart:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Reconciler", "instance %s changed", name)
//	logging.Debug("Supervisor", "running supervisorctl %v", args)
//	logging.Error("Systemd", err, "daemon-reload failed")
//
// # Subsystems
//
//   - Config: declaration loading
//   - Store: state store reads and writes
//   - Reconciler: change-set computation
//   - Supervisor, Systemd, InProcess: backends
//   - Ownership: stale artifact cleanup
//   - Router, Graceful, Executor, Watcher
//
// # Console messages
//
// Messages meant for the operator rather than the log stream go through
// UserWarn and UserError. They are printed to the console writer (stderr by
// default) with a colored WARNING: or ERROR: marker, independent of the
// configured log level.
package logging
