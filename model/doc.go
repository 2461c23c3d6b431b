// Package model defines the provider‑agnostic abstractions for talking to
// inference endpoints.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition, core.FunctionCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (model/openai, model/anthropic) implement Model and, optionally,
// Pinger so the endpoint registry can health check them.
package model
