// Package logging holds the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is shared by every package. Init configures it once at startup;
// until then it logs at INFO to stderr.
var Logger = logrus.New()

type appNameHook struct {
	appName string
}

// Levels implements logrus.Hook interface.
func (h *appNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook interface.
func (h *appNameHook) Fire(entry *logrus.Entry) error {
	entry.Message = "[" + h.appName + "] " + entry.Message
	return nil
}

// Init points the logger at stdout, applies level (falling back to the
// LOG_LEVEL env var, then "info") and tags every line with appName.
func Init(appName, level string) {
	Configure(Logger, os.Stdout, appName, level)
}

// Configure applies the standard setup to any logger. Tests use it with a
// buffer as output.
func Configure(l *logrus.Logger, out io.Writer, appName, level string) {
	l.SetOutput(out)

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	level = strings.ToLower(level)
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warnf("Invalid LOG_LEVEL '%s', defaulting to INFO", level)
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if appName != "" {
		l.AddHook(&appNameHook{appName})
	}
}
