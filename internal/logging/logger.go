// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Config selects level and output format.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Init applies cfg to the shared logger.
func Init(cfg Config) {
	std.SetLevel(parseLevel(cfg.Level))
	if strings.EqualFold(cfg.Format, "json") {
		std.SetFormatter(&logrus.JSONFormatter{})
	} else {
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	return std
}

// Module returns an entry tagged with the owning module name.
func Module(name string) *logrus.Entry {
	return std.WithField("module", name)
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
