package utils

import "go.uber.org/zap"

// ServiceName is attached to every log entry.
const ServiceName = "revisit"

// NewLogger returns the process logger. Debug mode uses zap's development
// config (console, debug level); otherwise the production config (JSON, info
// level).
func NewLogger(debug bool) (*zap.Logger, error) {
	return loggerConfig(debug).Build()
}

func loggerConfig(debug bool) zap.Config {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.InitialFields = map[string]interface{}{"service": ServiceName}
	return cfg
}
