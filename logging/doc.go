// Package logging provides the minimal logging interface agentgate components
// depend on, plus adapters over log/slog.
//
// Components accept a Logger through their functional options and default to
// NoOpLogger so library use stays silent unless a logger is supplied:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	reg := session.NewRegistry(factory, func(o *session.Options) { o.Logger = logger })
package logging
