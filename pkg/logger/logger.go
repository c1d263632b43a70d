// Package logger wraps logrus with the handful of constructors every
// component in this module shares, so log shape (level, format, output) is
// configured once per process rather than ad hoc per package.
package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger embeds *logrus.Logger so callers get the full logrus API
// (WithField, WithFields, Infof, WithError, ...) alongside the
// constructors below.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format and destination.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New builds a Logger from cfg, defaulting to info/text/stdout.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "app"
		}
		if err := os.MkdirAll("logs", 0o755); err == nil {
			name := filepath.Join("logs", prefix+"-"+time.Now().Format("20060102")+".log")
			if f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				l.SetOutput(f)
			}
		}
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted, stdout logger. The name
// is reserved for future component tagging; callers that need persistent
// fields should chain WithField on the result.
func NewDefault(name string) *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout"})
}
