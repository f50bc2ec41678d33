package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/config"
)

func testPool() *config.PoolConfig {
	return &config.PoolConfig{Coin: "monero", Symbol: "XMR", CoinUnits: 1000000000000}
}

func TestNewNotifier(t *testing.T) {
	cfg := &config.NotifyConfig{
		Enabled:    true,
		DiscordURL: "https://discord.com/api/webhooks/test",
	}

	n := NewNotifier(cfg, testPool())
	if n.cfg != cfg {
		t.Error("Notifier.cfg not set correctly")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("Client timeout = %v, want 10s", n.client.Timeout)
	}

	zero := NewNotifier(cfg, &config.PoolConfig{})
	if zero.coinUnits != 1 {
		t.Errorf("coinUnits = %d, want 1 when unset", zero.coinUnits)
	}
}

func TestFormatAmount(t *testing.T) {
	n := NewNotifier(&config.NotifyConfig{}, testPool())

	if got := n.formatAmount(1500000000000); got != "1.5000 XMR" {
		t.Errorf("formatAmount() = %s, want 1.5000 XMR", got)
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		hash string
		want string
	}{
		{"short", "short"},
		{"12345678901234567890", "12345678901234567890"},
		{"0123456789abcdef0123456789abcdef", "0123456789...89abcdef"},
	}

	for _, tt := range tests {
		if got := truncateHash(tt.hash); got != tt.want {
			t.Errorf("truncateHash(%s) = %s, want %s", tt.hash, got, tt.want)
		}
	}
}

func TestDisabledNotifier(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: false, DiscordURL: server.URL}, testPool())
	n.NotifyBlockUnlocked(1, "h", 1, 1, 1)
	n.NotifyBlockOrphaned(1, "h")
	n.Wait()

	var nilNotifier *Notifier
	nilNotifier.NotifyBlockOrphaned(1, "h")
	nilNotifier.Wait()

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("disabled notifier sent %d requests", calls)
	}
}

func TestNotifyBlockUnlockedDiscord(t *testing.T) {
	var (
		mu  sync.Mutex
		got DiscordMessage
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolURL: "https://pool.example"}, testPool())
	n.NotifyBlockUnlocked(1234, "abcdef", 2000000000000, 1964000000000, 7)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(got.Embeds))
	}
	embed := got.Embeds[0]
	if embed.Title != "Block Unlocked" || embed.URL != "https://pool.example" {
		t.Errorf("embed = %+v", embed)
	}
	if embed.Fields[0].Value != "1234" || embed.Fields[1].Value != "2.0000 XMR" {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestNotifyBlockOrphanedTelegram(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		msg  TelegramMessage
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&msg)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, TelegramBot: "123:ABC", TelegramChat: "-100"}, testPool())
	n.telegramAPI = server.URL
	n.NotifyBlockOrphaned(99, "deadbeef")
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:ABC/sendMessage" {
		t.Errorf("path = %s, want /bot123:ABC/sendMessage", path)
	}
	if msg.ChatID != "-100" || msg.ParseMode != "Markdown" {
		t.Errorf("msg = %+v", msg)
	}
	if !strings.Contains(msg.Text, "Block Orphaned") || !strings.Contains(msg.Text, "`99`") {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, testPool())
	n.retryDelay = time.Millisecond
	n.NotifyBlockOrphaned(1, "h")
	n.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, testPool())
	n.retryDelay = time.Millisecond

	if err := n.postWithRetry(server.URL, []byte("{}")); err == nil {
		t.Error("postWithRetry should fail after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != MaxRetries {
		t.Errorf("calls = %d, want %d", got, MaxRetries)
	}
}
