package policy

import (
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.BanningEnabled {
		t.Error("BanningEnabled should be true by default")
	}
	if cfg.MaxPollsPerIP != 32 {
		t.Errorf("MaxPollsPerIP = %d, want 32", cfg.MaxPollsPerIP)
	}
	if cfg.MaxScore != 100 {
		t.Errorf("MaxScore = %d, want 100", cfg.MaxScore)
	}
	if cfg.BanTimeout != 10*time.Minute {
		t.Errorf("BanTimeout = %v, want 10m", cfg.BanTimeout)
	}
}

func TestNewPolicyServerNilConfig(t *testing.T) {
	p := NewPolicyServer(nil)
	if p.config.MaxPollsPerIP != DefaultConfig().MaxPollsPerIP {
		t.Error("nil config should fall back to defaults")
	}
}

func TestAcquirePoll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollsPerIP = 2
	p := NewPolicyServer(cfg)

	ip := "10.0.0.1"
	if !p.AcquirePoll(ip) || !p.AcquirePoll(ip) {
		t.Fatal("first two polls should be admitted")
	}
	if p.AcquirePoll(ip) {
		t.Error("third concurrent poll should be rejected")
	}
	if got := p.ActivePolls(ip); got != 2 {
		t.Errorf("ActivePolls = %d, want 2", got)
	}

	p.ReleasePoll(ip)
	if !p.AcquirePoll(ip) {
		t.Error("poll should be admitted after a release")
	}

	if !p.AcquirePoll("10.0.0.2") {
		t.Error("limit is per IP")
	}
}

func TestAcquirePollUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollsPerIP = 0
	p := NewPolicyServer(cfg)

	for i := 0; i < 100; i++ {
		if !p.AcquirePoll("10.0.0.1") {
			t.Fatal("polls should be unlimited with MaxPollsPerIP = 0")
		}
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	p := NewPolicyServer(DefaultConfig())
	p.ReleasePoll("10.0.0.9")
	p.getStats("10.0.0.9")
	p.ReleasePoll("10.0.0.9")

	if got := p.ActivePolls("10.0.0.9"); got != 0 {
		t.Errorf("ActivePolls = %d, want 0", got)
	}
}

func TestTrustedIPs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollsPerIP = 1
	cfg.TrustedIPs = []string{"127.0.0.1"}
	p := NewPolicyServer(cfg)

	if !p.IsWhitelisted("127.0.0.1") {
		t.Error("127.0.0.1 should be whitelisted")
	}
	for i := 0; i < 5; i++ {
		if !p.AcquirePoll("127.0.0.1") {
			t.Fatal("trusted IP should not be limited")
		}
	}
	for i := 0; i < 20; i++ {
		p.ApplyInvalidCallScore("127.0.0.1")
	}
	if p.IsBanned("127.0.0.1") {
		t.Error("trusted IP should never be banned")
	}
}

func TestAddScoreBans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScore = 30
	cfg.CostInvalidCall = 10
	p := NewPolicyServer(cfg)

	ip := "10.0.0.3"
	if !p.ApplyInvalidCallScore(ip) || !p.ApplyInvalidCallScore(ip) {
		t.Fatal("score below max should not ban")
	}
	if p.GetScore(ip) != 20 {
		t.Errorf("GetScore = %d, want 20", p.GetScore(ip))
	}
	if p.ApplyInvalidCallScore(ip) {
		t.Error("reaching max score should ban")
	}
	if !p.IsBanned(ip) {
		t.Error("IP should be banned")
	}

	total, banned := p.GetStats()
	if total != 1 || banned != 1 {
		t.Errorf("GetStats() = %d, %d, want 1, 1", total, banned)
	}
}

func TestBanExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScore = 1
	cfg.BanTimeout = 20 * time.Millisecond
	p := NewPolicyServer(cfg)

	ip := "10.0.0.4"
	p.ApplyInvalidCallScore(ip)
	if !p.IsBanned(ip) {
		t.Fatal("IP should be banned")
	}

	time.Sleep(40 * time.Millisecond)
	if p.IsBanned(ip) {
		t.Error("ban should expire after BanTimeout")
	}
}

func TestBanningDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanningEnabled = false
	cfg.MaxScore = 1
	p := NewPolicyServer(cfg)

	if !p.ApplyInvalidCallScore("10.0.0.5") {
		t.Error("AddScore should always pass with banning disabled")
	}
	if p.IsBanned("10.0.0.5") {
		t.Error("IsBanned should be false with banning disabled")
	}
}

func TestResetStatsDropsIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetInterval = time.Millisecond
	p := NewPolicyServer(cfg)

	p.getStats("10.0.0.6")
	p.AcquirePoll("10.0.0.7")
	time.Sleep(5 * time.Millisecond)
	p.resetStats()

	p.statsMu.RLock()
	_, idle := p.stats["10.0.0.6"]
	_, polling := p.stats["10.0.0.7"]
	p.statsMu.RUnlock()

	if idle {
		t.Error("idle entry should be removed")
	}
	if !polling {
		t.Error("entry with an active poll should be kept")
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetInterval = 5 * time.Millisecond
	p := NewPolicyServer(cfg)

	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollsPerIP = 4
	p := NewPolicyServer(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if p.AcquirePoll("10.0.0.8") {
					p.ReleasePoll("10.0.0.8")
				}
				p.IsBanned("10.0.0.8")
			}
		}()
	}
	wg.Wait()

	if got := p.ActivePolls("10.0.0.8"); got != 0 {
		t.Errorf("ActivePolls = %d, want 0 after all releases", got)
	}
}

func BenchmarkAcquirePoll(b *testing.B) {
	p := NewPolicyServer(DefaultConfig())
	for i := 0; i < b.N; i++ {
		if p.AcquirePoll("10.0.0.1") {
			p.ReleasePoll("10.0.0.1")
		}
	}
}
