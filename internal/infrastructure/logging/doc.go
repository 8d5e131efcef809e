// Package logging provides structured logging for the simulated device
// provider.
//
// # Configuration
//
// Logging is configured via the LoggingConfig section of the provider
// config:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "json"  # json, text
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("physics tick", "seq", tickSeq)
//	logger.Error("rule evaluation failed", "rule_id", id, "error", err)
//
// Output always goes to stderr: stdout is reserved for the framed
// request/response protocol.
package logging
