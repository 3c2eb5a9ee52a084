// Package journal persists the dispatch trace in SQLite.
//
// A Journal implements engine.Recorder. Every routed action becomes a row in
// dispatches and every side-effect outcome a row in effects, both stamped
// with the Dispatcher's logical seq. Reads are ordered by seq, then by ID
// with binary collation, so a flow reads back identically on every run.
//
// Dispatch IDs are content-addressed (see canon.DispatchID), which makes
// writes idempotent: recording the same dispatch twice is a no-op.
//
// The schema is managed by golang-migrate with migrations embedded in the
// binary.
package journal
