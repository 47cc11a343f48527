// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Load reads .env/.env.local files into the process environment, if present.
// Missing files are not an error. Files are applied with godotenv.Overload,
// so a variable set in a file replaces the process environment's value, and
// .env.local replaces values from .env.
func Load(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Overload(f); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", f)
			}
			continue
		}
		loaded = append(loaded, f)
	}
	if logger != nil {
		if len(loaded) == 0 {
			logger.Debug("no local env files loaded; relying on process environment")
		} else {
			logger.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
		}
	}
}

// String returns an environment variable or a default.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns an integer environment variable or a default.
func Int(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// DurationMs returns a millisecond-valued environment variable as a Duration.
func DurationMs(key string, defMs int) time.Duration {
	return time.Duration(Int(key, defMs)) * time.Millisecond
}

// Bool returns a boolean environment variable or a default.
func Bool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

// Require fetches a variable and exits the process if it is empty.
func Require(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return v
}

// LogLevel derives the logrus level from LOG_LEVEL.
func LogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Broker carries the runtime tunables for the message pipeline.
type Broker struct {
	DefaultReceiveLimit int
	MaxReceiveLimit     int
	LongPollTimeout     time.Duration
	EphemeralTTL        time.Duration
	ChannelDefaultAge   time.Duration
	SessionIdleTTL      time.Duration
	PBKDF2Iterations    int
}

// LoadBroker reads the broker tunables from the environment, falling back to
// the documented defaults.
func LoadBroker() Broker {
	return Broker{
		DefaultReceiveLimit: Int("DEFAULT_RECEIVE_LIMIT", 50),
		MaxReceiveLimit:     Int("MAX_RECEIVE_LIMIT", 500),
		LongPollTimeout:     DurationMs("LONG_POLL_MS", 40000),
		EphemeralTTL:        DurationMs("EPHEMERAL_TTL_MS", 30000),
		ChannelDefaultAge:   DurationMs("CHANNEL_DEFAULT_AGE_MS", 86400000),
		SessionIdleTTL:      DurationMs("SESSION_IDLE_TTL_MS", 5*60*1000),
		PBKDF2Iterations:    Int("PBKDF2_ITERATIONS", 100000),
	}
}
