// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/util"
)

// Agent wraps New Relic APM functionality. Every method is safe to call
// when the agent is disabled.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	app := a.application()
	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	return a.application() != nil
}

// StartTransaction starts a new transaction, or returns nil when disabled.
// Methods of a nil *newrelic.Transaction are no-ops.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// StartCycle starts a background transaction for one periodic cycle and
// returns a context carrying it
func (a *Agent) StartCycle(ctx context.Context, name string) (context.Context, *newrelic.Transaction) {
	txn := a.StartTransaction(name)
	if txn == nil {
		return ctx, nil
	}
	return newrelic.NewContext(ctx, txn), txn
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error on a transaction
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// Middleware returns a gin middleware that wraps each request in a web
// transaction named after its route
func (a *Agent) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := a.application()
		if app == nil {
			c.Next()
			return
		}

		name := c.FullPath()
		if name == "" {
			name = "NotFound"
		}
		txn := app.StartTransaction(c.Request.Method + " " + name)
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Writer = &responseWriter{ResponseWriter: c.Writer, txn: txn}
		c.Request = c.Request.WithContext(newrelic.NewContext(c.Request.Context(), txn))

		c.Next()
	}
}

// responseWriter reports the response status to the transaction
type responseWriter struct {
	gin.ResponseWriter
	txn *newrelic.Transaction
}

func (w *responseWriter) WriteHeader(code int) {
	w.txn.SetWebResponse(nil).WriteHeader(code)
	w.ResponseWriter.WriteHeader(code)
}

// RecordBlockUnlocked records a block credited to miners
func (a *Agent) RecordBlockUnlocked(height uint64, hash string, reward uint64, credited int64, workers int) {
	a.RecordCustomEvent("BlockUnlocked", map[string]interface{}{
		"height":   height,
		"hash":     hash,
		"reward":   reward,
		"credited": credited,
		"workers":  workers,
	})
}

// RecordBlockOrphaned records a block that left the main chain
func (a *Agent) RecordBlockOrphaned(height uint64, hash string) {
	a.RecordCustomEvent("BlockOrphaned", map[string]interface{}{
		"height": height,
		"hash":   hash,
	})
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(hashrate float64, miners int, roundHashes int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
	a.RecordCustomMetric("Custom/Pool/RoundHashes", float64(roundHashes))
}

// UpdateNetworkMetrics updates network metrics
func (a *Agent) UpdateNetworkMetrics(height, difficulty uint64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/Difficulty", float64(difficulty))
}
