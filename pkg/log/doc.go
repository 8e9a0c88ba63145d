// Package log provides changeflo's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that routes records through a
// formatter/outputs pipeline, so every component emits the same shape of
// output whether it logs through the facade or through slog.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("demux"), log.Str("tenant", "t1"))
//	l.Info("incarnation created", log.Uint64("epoch", 2))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting and multiple outputs (console, rotating file, null).
// Redaction and sampling are configured on the same Config.
//
// # Interop
//
// Pebble and other libraries log through the standard library; RedirectStdLog
// sends that output through a Logger.
package log
