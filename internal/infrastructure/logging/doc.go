// Package logging provides structured logging for the bridge, built on
// log/slog.
//
// Every record carries the service name and version as default fields.
// Output is JSON in production and text for development, with level
// filtering configured in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8090)
//	logger.Error("failed to connect", "error", err)
//
// Never log secrets, tokens, or broker credentials.
package logging
