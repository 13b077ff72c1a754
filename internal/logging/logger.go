package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config controls how component loggers are built.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	base      = newBase(Config{}, os.Stderr)
)

// Configure rebuilds the shared logger. Component loggers created earlier keep
// pointing at the old instance, so call this before NewLogger.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	base = newBase(cfg, os.Stderr)
	loggers = make(map[string]*logrus.Entry)
}

// SetOutput redirects all component loggers.
func SetOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	base.SetOutput(w)
}

// NewLogger returns the logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	logger := base.WithField("component", component)
	loggers[component] = logger
	return logger
}

func newBase(cfg Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	levelStr := "info"
	if env := os.Getenv("TERMRUN_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
