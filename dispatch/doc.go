// Package dispatch turns one inbound query into an engine call and shapes
// its output.
//
// A query names a session or none. Without a session the Dispatcher opens a
// single-use engine binding from the query's own options and closes it when
// the call's stream ends; with a session it runs the prompt through that
// session's execution slot. Stream returns the ordered event stream for
// incremental delivery; Do drains the same stream into one core.Result, so
// both delivery modes carry the same content.
//
// Every dispatch is admitted by an Admitter (the lifecycle supervisor) and
// tracked until its stream closes, so shutdown can cancel whatever is still
// running.
package dispatch
