// Package util holds small helpers shared across packages that are not part of
// the public API.
package util
