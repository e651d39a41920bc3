package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the daemon-wide logger. Components attach session and node
// context through the helpers below rather than formatting ids into
// messages.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	// CORENET_LOG overrides the initial level so one-off debugging never
	// needs a config edit; the daemon applies its configured level later.
	level := logrus.InfoLevel
	if env := os.Getenv("CORENET_LOG"); env != "" {
		if parsed, err := logrus.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	l.SetLevel(level)
	return l
}

// SetLogLevel applies a named level ("debug", "info", "warn", ...).
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput redirects log output, e.g. to a daemon log file.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches to structured JSON lines for log collectors.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger with one extra field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple extra fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithSession returns a logger carrying session context.
func WithSession(id int) *logrus.Entry {
	return Logger.WithField("session", id)
}

// WithNode returns a logger carrying session and node context.
func WithNode(sessionID, nodeID int) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"session": sessionID, "node": nodeID})
}

// WithService returns a logger carrying node and service context.
func WithService(sessionID, nodeID int, service string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"session": sessionID,
		"node":    nodeID,
		"service": service,
	})
}
