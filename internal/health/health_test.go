package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskrouter/internal/models"
)

type staticChecker struct {
	name     string
	critical bool
	status   CheckStatus
}

func (s staticChecker) Name() string   { return s.name }
func (s staticChecker) Critical() bool { return s.critical }
func (s staticChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: s.status}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestManagerAggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     CheckStatus
		ready    bool
	}{
		{"all healthy", []Checker{
			staticChecker{"a", true, StatusHealthy},
			staticChecker{"b", false, StatusHealthy},
		}, StatusHealthy, true},
		{"non-critical failure degrades", []Checker{
			staticChecker{"a", true, StatusHealthy},
			staticChecker{"b", false, StatusUnhealthy},
		}, StatusDegraded, true},
		{"critical degraded", []Checker{
			staticChecker{"a", true, StatusDegraded},
		}, StatusDegraded, true},
		{"critical failure", []Checker{
			staticChecker{"a", true, StatusUnhealthy},
			staticChecker{"b", false, StatusDegraded},
		}, StatusUnhealthy, false},
		{"no checkers", nil, StatusHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(time.Second, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.Register(c))
			}
			report := m.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.ready, report.Ready)
			assert.Len(t, report.Components, len(tt.checkers))
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(0, nil)
	require.NoError(t, m.Register(staticChecker{name: "redis"}))
	assert.Error(t, m.Register(staticChecker{name: "redis"}))
	assert.Error(t, m.Register(staticChecker{name: ""}))
	assert.Equal(t, []string{"redis"}, m.Names())
}

func TestCheckTimeout(t *testing.T) {
	m := NewManager(20*time.Millisecond, nil)
	require.NoError(t, m.Register(NewDatabaseChecker(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))))
	report := m.Check(context.Background())
	res := report.Components["archive"]
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.False(t, res.Critical)
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	c := NewRedisChecker(client, true)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mr.Close()
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestRegistryChecker(t *testing.T) {
	var reg *models.Registry
	c := NewRegistryChecker(func() *models.Registry { return reg })
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)

	reg = models.MustRegistry(models.ModelConfig{ID: "gpt-4o"})
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 1, res.Details["models"])
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(time.Second, nil)
	require.NoError(t, m.Register(NewDatabaseChecker(pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "non-critical failure only degrades")
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])

	require.NoError(t, m.Register(staticChecker{"registry", true, StatusUnhealthy}))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
