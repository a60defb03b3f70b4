// Package logging provides structured logging for zonelink.
//
// This package wraps a global zap logger. Components that want their own name
// take a *zap.Logger and default to GetLogger().Named(...).
//
// # Log Levels
//
//   - Debug: raw payloads, individual requests, skipped polls
//   - Info: state transitions, channel switches, manual reconnects
//   - Warn: failed polls, fallbacks to cached data, tripped circuit breakers
//   - Error: authentication failures, unusable configuration
//
// # Configuration
//
// Logging is silent unless a level is given, either explicitly or through the
// ZONELINK_LOG_LEVEL environment variable:
//
//	if err := logging.InitializeFromEnv(); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Output goes to stderr so command output on stdout stays machine readable.
package logging
