/*
Package log provides structured logging for the scan engine using zerolog.

A single global logger is initialized once via Init; every subsystem then
derives a child logger carrying its own context fields (component name,
transaction id) so that a single scan's log lines can be grepped out of a
busy node's output.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	scanLog := log.WithTrid(42).With().Str("ns", "test").Logger()
	scanLog.Info().Msg("job admitted")
*/
package log
