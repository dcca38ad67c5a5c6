// Package logging provides structured logging for the Gray Logic BACnet core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - stdout, stderr or append-only file output
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file: "/var/log/graylogic/bacnet.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("bacnet transport bound", "addr", "0.0.0.0:47808")
//	logger.Warn("device unreachable", "device", 100, "error", err)
//
// Components receive a child logger tagged with their name:
//
//	mux := multiplexer.New(cfg, transport)
//	mux.SetLogger(logger.With("component", "multiplexer"))
//
// # Security
//
// Never log secrets, tokens or device passwords. ReinitializeDevice
// passwords are never logged, not even on failure.
package logging
