// Package app is the galaxyctl controller. It wires the state store, the
// declaration loader, the reconciler and the process manager backends
// together and implements the operations the CLI exposes.
//
// # Components
//
//   - Bootstrap (bootstrap.go, services.go): logging setup and construction
//     of the Services bundle. Backends are built lazily on first use.
//   - Registry (registry.go): register, deregister, list and show.
//   - Update (update.go): one reconciliation pass. Declarations are
//     reloaded, every backend renders and prunes its artifacts, and only
//     then is the new state committed. update --watch repeats the pass
//     whenever a registered declaration changes.
//   - Router (router.go): resolves instance and service names and splits
//     lifecycle operations by backend.
//   - Lifecycle (lifecycle.go): start, stop, restart, graceful, status,
//     follow, shutdown and exec.
//
// # Failure handling
//
// A declaration that cannot be reloaded keeps its stored state and is
// reported as degraded; update fails with the load error unless
// AllowDegraded is set. A backend failure ends the pass before the state
// store is written, so the next update retries the same change.
package app
