// Package monitoring implements the /health liveness/readiness aggregator.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Status is the aggregated health document served at /health.
type Status struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Check is a single named dependency probe.
type Check func() CheckResult

// Checker aggregates named checks into one readiness document.
type Checker struct {
	service string
	checks  map[string]Check
}

// NewChecker creates an empty checker for the given service name.
func NewChecker(service string) *Checker {
	return &Checker{service: service, checks: make(map[string]Check)}
}

// Add registers a named check.
func (c *Checker) Add(name string, check Check) {
	c.checks[name] = check
}

// Run executes every registered check and aggregates the worst status.
func (c *Checker) Run() Status {
	out := Status{
		Service:   c.service,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(c.checks)),
	}

	degraded, unhealthy := false, false
	for name, check := range c.checks {
		result := check()
		out.Checks[name] = result
		switch result.Status {
		case StatusDegraded:
			degraded = true
		case StatusHealthy:
		default:
			unhealthy = true
		}
	}

	switch {
	case unhealthy:
		out.Status = StatusUnhealthy
	case degraded:
		out.Status = StatusDegraded
	default:
		out.Status = StatusHealthy
	}
	return out
}

// Handler serves the aggregated health document over HTTP.
func (c *Checker) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		status := c.Run()
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, status)
	}
}

// PostgresCheck probes the channel store's backing database.
func PostgresCheck(db *sql.DB) Check {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("postgres ping failed: %v", err), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}

// KafkaCheck probes the durable log's Kafka client.
func KafkaCheck(client *kgo.Client) Check {
	return func() CheckResult {
		start := time.Now()
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "kafka client not initialized"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("kafka ping failed: %v", err), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}

// RedisCheck probes the gossip layer's Redis connection.
func RedisCheck(ping func(context.Context) error) Check {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("redis ping failed: %v", err), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}
