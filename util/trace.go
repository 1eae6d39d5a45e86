package util

import (
	"log/slog"
	"time"
)

// Trace 记录一段操作的耗时，用法：defer util.Trace(logger, "wait for predictions")()
func Trace(logger *slog.Logger, msg string) func() {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	return func() {
		logger.Info(msg, "elapsed", time.Since(start).Round(time.Millisecond).String())
	}
}
