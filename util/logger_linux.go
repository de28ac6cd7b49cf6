//go:build linux

package util

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

var logWriter io.Writer = os.Stderr

// journaldWriter sends each log line to journald tagged with the service
// identifier. Falls back to stderr when the journal socket is gone.
type journaldWriter struct{}

func (w *journaldWriter) Write(p []byte) (int, error) {
	// journald records one message per Send and stamps its own newline.
	msg := strings.TrimSuffix(string(p), "\n")
	err := journal.Send(msg, journal.PriInfo, map[string]string{
		"SYSLOG_IDENTIFIER": Name,
	})
	if err != nil {
		return os.Stderr.Write(p)
	}
	return len(p), nil
}

// GetLogWriter returns the writer the standard logger currently targets, so
// other log consumers (gin, for one) can share it.
func GetLogWriter() io.Writer {
	return logWriter
}

// SetupLogging routes the standard logger to journald when asked and the
// journal is reachable. Otherwise logging stays on stderr.
func SetupLogging(withJournald bool) {
	if !withJournald {
		return
	}
	if !journal.Enabled() {
		log.Println("Journald not available, logging to stderr")
		return
	}
	logWriter = &journaldWriter{}
	log.SetOutput(logWriter)
	// journald stamps its own timestamps.
	log.SetFlags(0)
}
