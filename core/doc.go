// Package core provides the shared vocabulary of agentgate: the typed events
// an engine call produces, the cancellable Stream that carries them, query and
// result shapes, engine options, and the error taxonomy surfaced to clients.
//
// The package keeps orchestration out of scope. Session bookkeeping lives in
// package session, engine bindings in package engine and output shaping in
// package dispatch; they all meet on the types declared here.
package core
