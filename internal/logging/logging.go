// Package logging wires up the zap loggers used across the cluster. zap is
// the structured logger the rest of the Go-Raft pack reaches for (e.g.
// justin0u0/raft, sumimakito/raft); this module follows it rather than
// hand-rolling a log.Printf wrapper.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development-style logger (readable console output, debug
// level enabled) tagged with the given component/id so every line can be
// attributed to a specific node.
func New(component string, id uint32) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		// Falling back to a no-op logger keeps the cluster usable even if
		// stderr is somehow unwritable; logging must never be fatal.
		logger = zap.NewNop()
	}
	return logger.Sugar().With("component", component, "node_id", id)
}
