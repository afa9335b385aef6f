// Package logger provides the structured logging interface used across pinscraper.
//
// It wraps zerolog. Console output is colored; when a log file is configured
// lines are also written to a lumberjack-rotated file.
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.Component("downloader").WithField("query", query)
//	log.InfoWithFields("Download completed", map[string]interface{}{
//	    "id":   rec.ID,
//	    "tier": "originals",
//	})
//
// Tests use NewNopLogger or NewTestLogger, which records every message.
package logger
