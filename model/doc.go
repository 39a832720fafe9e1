// Package model defines the provider-agnostic interface engine bindings use to
// talk to language models.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool use representation so bindings never branch per vendor
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (Anthropic, OpenAI) live in sub-packages and implement Model.
package model
