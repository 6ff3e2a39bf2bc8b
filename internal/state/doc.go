// Package state persists what the controller last applied: every
// registered declaration, grouped by instance, and the declarations that
// were deregistered but whose artifacts have not been removed yet.
//
// The store is a single YAML document. Writes go to a temporary file in the
// same directory which is renamed over the document, so a failed write
// leaves the previous state intact. The store assumes a single writer.
package state
