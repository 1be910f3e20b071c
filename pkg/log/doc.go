/*
Package log provides structured logging for Skyfill using zerolog.

The log package wraps zerolog with a process-global logger configured once
at startup via Init, plus helpers that derive component- and entity-scoped
loggers. All output is JSON with timestamps; console mode renders
human-readable lines for interactive use.

# Usage

	log.Init(log.Config{Level: "info", Console: true})

	logger := log.WithComponent("coordinator")
	logger.Info().Str("job_id", job.ID).Msg("job submitted")

WithJobID, WithTaskID, and WithWorkerID attach the standard correlation
fields, so log lines for one job can be grepped across every component.
*/
package log
