package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/taskrouter/internal/models"
)

// slowThreshold marks a responsive dependency as degraded
const slowThreshold = 100 * time.Millisecond

func pingResult(err error, elapsed time.Duration, what string) CheckResult {
	details := map[string]interface{}{"latency_ms": elapsed.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Message: what + " ping failed", Error: err.Error(), Details: details}
	case elapsed > slowThreshold:
		return CheckResult{Status: StatusDegraded, Message: what + " responding but with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: what + " healthy", Details: details}
	}
}

// RedisChecker pings the event stream backend
type RedisChecker struct {
	client   redis.UniversalClient
	critical bool
}

func NewRedisChecker(client redis.UniversalClient, critical bool) *RedisChecker {
	return &RedisChecker{client: client, critical: critical}
}

func (r *RedisChecker) Name() string   { return "redis" }
func (r *RedisChecker) Critical() bool { return r.critical }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	return pingResult(err, time.Since(start), "Redis")
}

// Pinger is satisfied by the run archive
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker pings the run archive database
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (d *DatabaseChecker) Name() string   { return "archive" }
func (d *DatabaseChecker) Critical() bool { return false }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := d.db.Ping(ctx)
	return pingResult(err, time.Since(start), "Archive database")
}

// RegistryChecker reports whether a usable model registry snapshot is loaded
type RegistryChecker struct {
	current func() *models.Registry
}

func NewRegistryChecker(current func() *models.Registry) *RegistryChecker {
	return &RegistryChecker{current: current}
}

func (c *RegistryChecker) Name() string   { return "registry" }
func (c *RegistryChecker) Critical() bool { return true }

func (c *RegistryChecker) Check(ctx context.Context) CheckResult {
	reg := c.current()
	if reg.Len() == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: "model registry is empty"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "model registry loaded",
		Details: map[string]interface{}{"models": reg.Len()},
	}
}
