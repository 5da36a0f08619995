// Package logging sets up the process-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger that writes to out (stdout or a log file per
// ServerRecord.logFileLocation) with the given level name. An
// unrecognized level falls back to info.
func New(out io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// OpenLogFile opens (creating if needed) the file at path for append,
// or returns os.Stdout when path is the literal "stdout".
func OpenLogFile(path string) (io.Writer, func() error, error) {
	if path == "stdout" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
