// Package policy implements abuse policies for the stats API.
// This includes per-IP long-poll limits and score-based temporary bans.
package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/pool-backend/internal/util"
)

// Config holds policy configuration
type Config struct {
	// Long-poll limiting
	MaxPollsPerIP int32 // Concurrent /live_stats and /stats_address waits per IP, 0 = unlimited

	// Score-based banning
	BanningEnabled  bool
	BanTimeout      time.Duration // How long a banned IP stays banned
	MaxScore        int32         // Score that triggers a ban
	ScoreResetTime  time.Duration // How often scores decay to zero
	CostInvalidCall int32         // Cost of a request to an unknown endpoint
	CostRejectPoll  int32         // Cost of a poll rejected by the per-IP limit

	ResetInterval time.Duration // How often idle entries are dropped

	TrustedIPs []string // Never limited or banned
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPollsPerIP: 32,

		BanningEnabled:  true,
		BanTimeout:      10 * time.Minute,
		MaxScore:        100,
		ScoreResetTime:  time.Minute,
		CostInvalidCall: 10,
		CostRejectPoll:  5,

		ResetInterval: 10 * time.Minute,
	}
}

// IPStats tracks per-IP state
type IPStats struct {
	mu             sync.Mutex
	LastBeat       int64 // Timestamp of last activity
	BannedAt       int64 // Timestamp when banned (0 = not banned)
	ActivePolls    int32 // Long-polls currently waiting
	Banned         int32 // 1 = banned, 0 = not banned
	Score          int32
	LastScoreReset int64
}

// PolicyServer applies the policies per client IP
type PolicyServer struct {
	config *Config

	statsMu sync.RWMutex
	stats   map[string]*IPStats

	whitelist map[string]struct{}

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPolicyServer creates a new policy server
func NewPolicyServer(cfg *Config) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	whitelist := make(map[string]struct{}, len(cfg.TrustedIPs))
	for _, ip := range cfg.TrustedIPs {
		whitelist[ip] = struct{}{}
	}

	return &PolicyServer{
		config:    cfg,
		stats:     make(map[string]*IPStats),
		whitelist: whitelist,
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks
func (p *PolicyServer) Start() {
	if p.config.ResetInterval <= 0 {
		return
	}

	p.wg.Add(1)
	go p.resetLoop()

	util.Info("Policy server started")
}

// Stop shuts down the policy server
func (p *PolicyServer) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

// resetStats lifts expired bans and drops idle entries
func (p *PolicyServer) resetStats() {
	now := time.Now().UnixMilli()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0
	for ip, stats := range p.stats {
		stats.mu.Lock()

		if p.expireBanLocked(stats, now) {
			unbanned++
			util.Infof("Ban expired for %s", ip)
		}

		idle := now-stats.LastBeat >= staleTimeout &&
			atomic.LoadInt32(&stats.Banned) == 0 &&
			atomic.LoadInt32(&stats.ActivePolls) == 0
		stats.mu.Unlock()

		if idle {
			delete(p.stats, ip)
			removed++
		}
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d idle, unbanned %d IPs", removed, unbanned)
	}
}

// expireBanLocked clears a ban older than BanTimeout. stats.mu must be held.
func (p *PolicyServer) expireBanLocked(stats *IPStats, now int64) bool {
	if stats.BannedAt == 0 || now-stats.BannedAt < p.config.BanTimeout.Milliseconds() {
		return false
	}
	stats.BannedAt = 0
	return atomic.CompareAndSwapInt32(&stats.Banned, 1, 0)
}

// getStats gets or creates stats for an IP
func (p *PolicyServer) getStats(ip string) *IPStats {
	now := time.Now().UnixMilli()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{LastBeat: now, LastScoreReset: now}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = now
	}
	return stats
}

// IsWhitelisted checks if an IP is trusted
func (p *PolicyServer) IsWhitelisted(ip string) bool {
	_, ok := p.whitelist[ip]
	return ok
}

// IsBanned checks if an IP is currently banned
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.BanningEnabled || p.IsWhitelisted(ip) {
		return false
	}

	stats := p.getStats(ip)
	if atomic.LoadInt32(&stats.Banned) == 0 {
		return false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	p.expireBanLocked(stats, time.Now().UnixMilli())
	return atomic.LoadInt32(&stats.Banned) > 0
}

// AcquirePoll reserves a long-poll slot for ip. It returns false when the
// IP already holds MaxPollsPerIP slots; the caller must not wait then.
// Every successful AcquirePoll must be paired with ReleasePoll.
func (p *PolicyServer) AcquirePoll(ip string) bool {
	if p.config.MaxPollsPerIP <= 0 || p.IsWhitelisted(ip) {
		return true
	}

	stats := p.getStats(ip)
	if atomic.AddInt32(&stats.ActivePolls, 1) > p.config.MaxPollsPerIP {
		atomic.AddInt32(&stats.ActivePolls, -1)
		p.AddScore(ip, p.config.CostRejectPoll)
		return false
	}
	return true
}

// ReleasePoll frees a slot taken by AcquirePoll
func (p *PolicyServer) ReleasePoll(ip string) {
	if p.config.MaxPollsPerIP <= 0 || p.IsWhitelisted(ip) {
		return
	}

	p.statsMu.RLock()
	stats, ok := p.stats[ip]
	p.statsMu.RUnlock()
	if ok && atomic.AddInt32(&stats.ActivePolls, -1) < 0 {
		atomic.StoreInt32(&stats.ActivePolls, 0)
	}
}

// ActivePolls returns the number of slots ip holds
func (p *PolicyServer) ActivePolls(ip string) int32 {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	if stats, ok := p.stats[ip]; ok {
		return atomic.LoadInt32(&stats.ActivePolls)
	}
	return 0
}

// AddScore adds to an IP's score and returns false if that banned it
func (p *PolicyServer) AddScore(ip string, cost int32) bool {
	if !p.config.BanningEnabled || cost <= 0 || p.IsWhitelisted(ip) {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now().UnixMilli()
	if now-stats.LastScoreReset >= p.config.ScoreResetTime.Milliseconds() {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost
	if stats.Score < p.config.MaxScore {
		return true
	}

	util.Warnf("Score limit exceeded for %s: %d >= %d", ip, stats.Score, p.config.MaxScore)
	stats.Score = 0
	stats.BannedAt = now
	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("Banned IP: %s for %v", ip, p.config.BanTimeout)
	}
	return false
}

// ApplyInvalidCallScore charges ip for a request to an unknown endpoint
func (p *PolicyServer) ApplyInvalidCallScore(ip string) bool {
	return p.AddScore(ip, p.config.CostInvalidCall)
}

// GetScore returns current score for an IP
func (p *PolicyServer) GetScore(ip string) int32 {
	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.Score
}

// GetStats returns stats for monitoring
func (p *PolicyServer) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}
