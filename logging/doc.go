// Package logging provides the small logging contract used across contextmesh
// and adapters onto concrete structured loggers.
//
// The Logger interface (Debug, Info, Warn, Error with key/value pairs) is what
// every component accepts. This package ships:
//
//   - SlogAdapter wrapping *slog.Logger
//   - ZerologAdapter wrapping zerolog.Logger (used by the CLI console output)
//   - StructuredLogger, a slog based logger with component scoping and
//     helpers for model calls and tool executions
//   - NoOpLogger for tests and silent setups
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mesh, err := contextmesh.New(func(o *contextmesh.Options) { o.Logger = logger })
package logging
