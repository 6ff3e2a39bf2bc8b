// Package reconciler compares the declarations on disk with what was last
// applied and produces a change-set.
//
// # Overview
//
// A reconciliation pass has two halves that are deliberately separate:
//
//   - Compute reloads every registered declaration and diffs it against the
//     stored copy. It never writes anything.
//   - Apply merges a change-set into the state document. The controller calls
//     it only after every backend has rendered the new artifacts, so a failed
//     pass leaves the stored state describing what is actually deployed.
//
// A declaration that fails to reload keeps its stored copy, is reported in
// the change-set with its LoadError and still counts as referencing its
// instance, so its artifacts are never removed because of a typo.
//
// # Watching
//
// Watcher uses fsnotify to trigger a pass whenever a registered declaration
// changes on disk. Rapid successive writes are debounced into one pass.
//
// # Metrics
//
// Metrics exposes pass and artifact counters through a prometheus registry
// that can be written to a node-exporter textfile.
package reconciler
