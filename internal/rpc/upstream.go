package rpc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/util"
)

// ErrNoUpstream is returned when no daemon is configured
var ErrNoUpstream = errors.New("no daemon upstream configured")

const (
	defaultHealthCheckInterval = 5 * time.Second
	defaultHealthCheckTimeout  = 3 * time.Second
	recoveryThreshold          = 2
)

// UpstreamState represents the health state of an upstream daemon
type UpstreamState struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Healthy      bool          `json:"healthy"`
	RPCHealthy   bool          `json:"rpcHealthy"`
	LastCheck    time.Time     `json:"lastCheck"`
	SuccessCount int32         `json:"successCount"`
	FailCount    int32         `json:"failCount"`
	ResponseTime time.Duration `json:"responseTime"`
	Height       uint64        `json:"height"`
	Weight       int           `json:"weight"`
}

// Upstream wraps a DaemonClient with health tracking
type Upstream struct {
	client *DaemonClient
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint64
}

// UpstreamManager manages one or more daemons with automatic failover. It
// serves the block header queries of the aggregator and the unlocker.
type UpstreamManager struct {
	upstreams []*Upstream
	cfg       *config.NodeConfig

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamManager creates a new upstream manager with failover support
func NewUpstreamManager(ctx context.Context, cfg *config.NodeConfig) *UpstreamManager {
	mgrCtx, cancel := context.WithCancel(ctx)

	mgr := &UpstreamManager{
		cfg:    cfg,
		ctx:    mgrCtx,
		cancel: cancel,
	}

	if len(cfg.Upstreams) > 0 {
		for _, ucfg := range cfg.Upstreams {
			timeout := ucfg.Timeout
			if timeout == 0 {
				timeout = cfg.Timeout
			}
			weight := ucfg.Weight
			if weight == 0 {
				weight = 1
			}
			name := ucfg.Name
			if name == "" {
				name = ucfg.URL
			}

			mgr.upstreams = append(mgr.upstreams, &Upstream{
				client:  NewDaemonClient(ucfg.URL, timeout),
				name:    name,
				weight:  weight,
				healthy: true,
			})
		}
	} else if cfg.URL != "" {
		mgr.upstreams = append(mgr.upstreams, &Upstream{
			client:  NewDaemonClient(cfg.URL, cfg.Timeout),
			name:    "primary",
			weight:  1,
			healthy: true,
		})
	}

	// Higher weight first
	sort.SliceStable(mgr.upstreams, func(i, j int) bool {
		return mgr.upstreams[i].weight > mgr.upstreams[j].weight
	})

	return mgr
}

// Start runs an initial health check and begins the health check loop. With
// a single daemon there is nothing to fail over to and no loop is started.
func (m *UpstreamManager) Start() {
	if len(m.upstreams) == 0 {
		util.Warn("No daemon upstreams configured")
		return
	}

	util.Infof("Starting upstream manager with %d daemons", len(m.upstreams))
	for i, u := range m.upstreams {
		util.Infof("  [%d] %s %s (weight=%d)", i, u.name, u.client.URL(), u.weight)
	}

	if len(m.upstreams) == 1 {
		return
	}

	m.checkAllUpstreams()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop shuts down the upstream manager
func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Info("Upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = defaultHealthCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllUpstreams()
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup

	for _, upstream := range m.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(upstream)
	}

	wg.Wait()

	m.selectBestUpstream()
}

// checkUpstream queries one daemon with getlastblockheader
func (m *UpstreamManager) checkUpstream(u *Upstream) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = defaultHealthCheckTimeout
	}

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	header, err := u.client.GetLastBlockHeader(ctx)
	responseTime := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = responseTime

	if err != nil {
		u.failCount++
		u.successCount = 0

		if u.failCount >= maxFailures && u.healthy {
			u.healthy = false
			util.Warnf("Upstream %s marked UNHEALTHY after %d failures: %v", u.name, u.failCount, err)
		}
		return
	}

	u.successCount++
	u.height = header.Height

	if !u.healthy && u.successCount >= recoveryThreshold {
		u.healthy = true
		u.failCount = 0
		util.Infof("Upstream %s recovered (height=%d, response=%v)", u.name, u.height, responseTime)
	} else if u.healthy {
		u.failCount = 0
	}
}

// selectBestUpstream picks the healthy upstream with the highest weight,
// then the highest height
func (m *UpstreamManager) selectBestUpstream() {
	bestIdx := -1
	bestWeight := -1
	var bestHeight uint64

	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy, weight, height := u.healthy, u.weight, u.height
		u.mu.RUnlock()

		if !healthy {
			continue
		}

		if weight > bestWeight || (weight == bestWeight && height > bestHeight) {
			bestIdx = i
			bestWeight = weight
			bestHeight = height
		}
	}

	if bestIdx < 0 {
		util.Warn("No healthy daemon upstreams available")
		return
	}

	if oldIdx := atomic.LoadInt32(&m.activeIdx); int32(bestIdx) != oldIdx {
		atomic.StoreInt32(&m.activeIdx, int32(bestIdx))
		util.Infof("Switched to upstream %s (weight=%d, height=%d)",
			m.upstreams[bestIdx].name, bestWeight, bestHeight)
	}
}

// GetClient returns the active daemon client
func (m *UpstreamManager) GetClient() *DaemonClient {
	if len(m.upstreams) == 0 {
		return nil
	}

	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx].client
	}
	return m.upstreams[0].client
}

// GetActiveUpstream returns the name of the active upstream
func (m *UpstreamManager) GetActiveUpstream() string {
	if len(m.upstreams) == 0 {
		return ""
	}

	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx].name
	}
	return m.upstreams[0].name
}

// GetUpstreamStates returns the state of all upstreams for monitoring
func (m *UpstreamManager) GetUpstreamStates() []UpstreamState {
	states := make([]UpstreamState, len(m.upstreams))

	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			Name:         u.name,
			URL:          u.client.URL(),
			Healthy:      u.healthy,
			RPCHealthy:   u.client.IsHealthy(),
			LastCheck:    u.lastCheck,
			SuccessCount: u.successCount,
			FailCount:    u.failCount,
			ResponseTime: u.responseTime,
			Height:       u.height,
			Weight:       u.weight,
		}
		u.mu.RUnlock()
	}

	return states
}

// HasHealthyUpstream returns true if at least one upstream is healthy
func (m *UpstreamManager) HasHealthyUpstream() bool {
	return m.HealthyCount() > 0
}

// RecordSuccess records a successful call on the active upstream
func (m *UpstreamManager) RecordSuccess() {
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx < 0 || idx >= int32(len(m.upstreams)) {
		return
	}

	u := m.upstreams[idx]
	u.mu.Lock()
	u.successCount++
	u.failCount = 0
	u.healthy = true
	u.mu.Unlock()
}

// RecordFailure records a failed call and fails over if the active upstream
// became unhealthy
func (m *UpstreamManager) RecordFailure() {
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx < 0 || idx >= int32(len(m.upstreams)) {
		return
	}

	u := m.upstreams[idx]
	u.mu.Lock()
	u.failCount++
	u.successCount = 0

	shouldFailover := u.failCount >= maxFailures && u.healthy
	if shouldFailover {
		u.healthy = false
		util.Warnf("Upstream %s marked unhealthy due to call failures", u.name)
	}
	u.mu.Unlock()

	if shouldFailover {
		m.selectBestUpstream()
	}
}

// isNodeFailure reports whether err says the daemon is unreachable rather
// than that it answered with an error
func isNodeFailure(err error) bool {
	var rpcErr *RPCError
	return !errors.As(err, &rpcErr) && !errors.Is(err, ErrNoBlockHeader)
}

// CallWithFailover runs fn against the active upstream, then against every
// other healthy upstream until one succeeds. Errors returned by a live
// daemon are passed through without failing over.
func (m *UpstreamManager) CallWithFailover(fn func(*DaemonClient) error) error {
	client := m.GetClient()
	if client == nil {
		return ErrNoUpstream
	}

	err := fn(client)
	if err == nil {
		m.RecordSuccess()
		return nil
	}
	if !isNodeFailure(err) {
		return err
	}

	m.RecordFailure()

	for i, u := range m.upstreams {
		if u.client == client {
			continue
		}

		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if !healthy {
			continue
		}

		util.Infof("Failover: trying upstream %s", u.name)

		ferr := fn(u.client)
		if ferr == nil || !isNodeFailure(ferr) {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("Failover successful: now using %s", u.name)
			return ferr
		}

		u.mu.Lock()
		u.failCount++
		u.mu.Unlock()
	}

	return err
}

// GetLastBlockHeader returns the chain tip header from the active daemon
func (m *UpstreamManager) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	var header *BlockHeader
	err := m.CallWithFailover(func(c *DaemonClient) error {
		var err error
		header, err = c.GetLastBlockHeader(ctx)
		return err
	})
	return header, err
}

// GetBlockHeaderByHeight returns the main-chain header at height from the
// active daemon
func (m *UpstreamManager) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	var header *BlockHeader
	err := m.CallWithFailover(func(c *DaemonClient) error {
		var err error
		header, err = c.GetBlockHeaderByHeight(ctx, height)
		return err
	})
	return header, err
}

// UpstreamCount returns the number of configured upstreams
func (m *UpstreamManager) UpstreamCount() int {
	return len(m.upstreams)
}

// HealthyCount returns the number of healthy upstreams
func (m *UpstreamManager) HealthyCount() int {
	count := 0
	for _, u := range m.upstreams {
		u.mu.RLock()
		if u.healthy {
			count++
		}
		u.mu.RUnlock()
	}
	return count
}
