/*
Package log provides Conflux's structured logging, a thin wrapper over
zerolog giving every component a JSON or console logger tagged with
request-scoped context.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.Info("conflux node starting")

	nodeLog := log.WithNodeID("node-1")
	nodeLog.Info().Str("bind_addr", ":8300").Msg("raft transport listening")

	watchLog := log.WithWatchKey("acme/web/prod/db-url")
	watchLog.Debug().Msg("subscriber attached")

Context loggers (WithComponent, WithNodeID, WithServiceID, WithTaskID,
WithWatchKey, WithLogID) each return a zerolog.Logger with one field
added, and compose by chaining: log.WithComponent("raftnode").With().
Str("node_id", id).Logger() when a call site needs more than one field.

# Levels

Debug is for development detail, Info for default production output,
Warn for recoverable anomalies (missed heartbeat, lagged watch
subscriber), Error for failed operations, and Fatal only for startup
failures the process cannot run without (unreadable config, corrupt
store) — Fatal calls os.Exit(1) after logging.
*/
package log
