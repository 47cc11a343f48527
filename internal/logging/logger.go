// Package logging provides a structured logger shared across the broker.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/config"
)

// Logger is the structured logger type used throughout the broker.
type Logger = *logrus.Logger

// Fields is a structured set of key/value pairs attached to a log line.
type Fields = logrus.Fields

// New creates a configured logger instance.
func New() Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.LogLevel())
	return logger
}

// NewWithService creates a configured logger for the named service. It
// returns the same logger New does: the "service" field is not attached to
// its entries.
func NewWithService(service string) Logger {
	return New().WithField("service", service).Logger
}
