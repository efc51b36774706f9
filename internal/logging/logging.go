// Package logging provides the package-wide structured logger, settable once
// by the embedding application and defaulting to slog.Default() otherwise.
// Grounded on the teacher's logger.go (sync.Once-guarded default logger).
package logging

import (
	"log/slog"
	"sync"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

// SetLogger installs a custom logger for the whole process. Call before
// starting any component; not safe to call concurrently with Get.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Get returns the configured logger, or slog.Default() if none was set.
func Get() *slog.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = slog.Default()
		}
	})
	return logger
}
