package logger

import "github.com/sirupsen/logrus"

// NewLogger builds the process logger. An unknown level falls back to debug,
// format "json" switches to JSON output.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
