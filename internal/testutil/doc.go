// Package testutil contains helpers shared by tests across packages: a
// scripted model double with controllable pacing, blocking and failure, and
// a fluent builder for event sequences. They are not intended for
// production usage.
package testutil
