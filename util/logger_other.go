//go:build !linux

package util

import (
	"io"
	"log"
	"os"
)

var logWriter io.Writer = os.Stderr

// GetLogWriter returns the writer the standard logger currently targets, so
// other log consumers (gin, for one) can share it.
func GetLogWriter() io.Writer {
	return logWriter
}

// SetupLogging is a no-op off Linux, where journald does not exist.
func SetupLogging(withJournald bool) {
	if withJournald {
		log.Println("Journald not available on this platform, logging to stderr")
	}
}
