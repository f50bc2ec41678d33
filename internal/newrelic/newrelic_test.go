package newrelic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/pool-backend/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Pool",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.IsEnabled() {
		t.Error("Agent should not be enabled before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.IsEnabled() {
		t.Error("Agent should stay disabled")
	}
	agent.Stop()
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "Test Pool"})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.IsEnabled() {
		t.Error("Agent should stay disabled with empty license key")
	}
}

func TestDisabledAgentIsNoop(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{})

	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction should return nil when disabled")
	}

	ctx := context.Background()
	cycleCtx, txn := agent.StartCycle(ctx, "unlocker")
	if txn != nil || cycleCtx != ctx {
		t.Error("StartCycle should pass the context through when disabled")
	}
	txn.End()

	agent.NoticeError(nil, errors.New("ignored"))
	agent.RecordBlockUnlocked(100, "abc", 1000, 990, 2)
	agent.RecordBlockOrphaned(101, "def")
	agent.UpdatePoolMetrics(1024, 3, 500)
	agent.UpdateNetworkMetrics(1000, 5000)
}

func TestNilAgent(t *testing.T) {
	var agent *Agent

	if agent.IsEnabled() {
		t.Error("nil agent should not be enabled")
	}
	agent.RecordBlockOrphaned(1, "x")
}

func TestMiddlewareDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	agent := NewAgent(&config.NewRelicConfig{})

	router := gin.New()
	router.Use(agent.Middleware())
	router.GET("/stats", func(c *gin.Context) {
		c.String(http.StatusTeapot, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent.IsEnabled()
			agent.StartTransaction("x")
			agent.RecordCustomMetric("Custom/Test", 1)
		}()
	}
	wg.Wait()
}
