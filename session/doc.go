// Package session holds the gateway's sessions: the Registry indexing them
// and the execution Slot serializing each session's queries.
//
// A Session snapshots its engine options at creation and owns one Slot. The
// Slot lets at most one query run against the session's engine binding at a
// time; later queries wait in FIFO order, bounded by a queue length and a
// wait timeout. The binding itself is opened lazily by the first query.
//
// Deleting a session cancels its running query, fails its waiters with
// core.ErrCancelled, waits for the slot to be released and closes the
// binding. Sessions are kept in memory only; nothing survives a restart.
package session
