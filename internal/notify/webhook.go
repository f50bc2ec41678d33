// Package notify provides notification services for settlement events.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

const telegramAPI = "https://api.telegram.org"

// Notifier sends Discord and Telegram messages when blocks settle. Sends run
// in the background; a nil or disabled Notifier does nothing.
type Notifier struct {
	cfg         *config.NotifyConfig
	coin        string
	symbol      string
	coinUnits   uint64
	client      *http.Client
	telegramAPI string
	retryDelay  time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig, pool *config.PoolConfig) *Notifier {
	units := pool.CoinUnits
	if units == 0 {
		units = 1
	}
	return &Notifier{
		cfg:         cfg,
		coin:        pool.Coin,
		symbol:      pool.Symbol,
		coinUnits:   units,
		client:      &http.Client{Timeout: 10 * time.Second},
		telegramAPI: telegramAPI,
		retryDelay:  RetryBaseDelay,
	}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.cfg.Enabled
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// NotifyBlockUnlocked announces a block whose reward was credited
func (n *Notifier) NotifyBlockUnlocked(height uint64, hash string, reward uint64, credited int64, workers int) {
	if !n.enabled() {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := n.embed("Block Unlocked", fmt.Sprintf("**%s** block reward credited", n.coin), 0x00FF00,
			[]DiscordField{
				{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
				{Name: "Reward", Value: n.formatAmount(reward), Inline: true},
				{Name: "Credited", Value: n.formatAmount(uint64(credited)), Inline: true},
				{Name: "Miners", Value: fmt.Sprintf("%d", workers), Inline: true},
				{Name: "Hash", Value: truncateHash(hash)},
			})
		n.send(n.cfg.DiscordURL, DiscordMessage{Embeds: []DiscordEmbed{embed}}, "Discord")
	}

	if n.telegramEnabled() {
		n.sendTelegram(fmt.Sprintf(
			"*Block Unlocked*\n\n"+
				"Height: `%d`\n"+
				"Reward: `%s`\n"+
				"Credited: `%s`\n"+
				"Miners: `%d`\n"+
				"Hash: `%s`",
			height, n.formatAmount(reward), n.formatAmount(uint64(credited)), workers, truncateHash(hash),
		))
	}
}

// NotifyBlockOrphaned announces a block that left the main chain
func (n *Notifier) NotifyBlockOrphaned(height uint64, hash string) {
	if !n.enabled() {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := n.embed("Block Orphaned", fmt.Sprintf("**%s** block was orphaned", n.coin), 0xFF0000,
			[]DiscordField{
				{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
				{Name: "Hash", Value: truncateHash(hash)},
			})
		n.send(n.cfg.DiscordURL, DiscordMessage{Embeds: []DiscordEmbed{embed}}, "Discord")
	}

	if n.telegramEnabled() {
		n.sendTelegram(fmt.Sprintf(
			"*Block Orphaned*\n\n"+
				"Height: `%d`\n"+
				"Hash: `%s`",
			height, truncateHash(hash),
		))
	}
}

// Wait blocks until every queued notification has been sent or given up
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) embed(title, description string, color int, fields []DiscordField) DiscordEmbed {
	return DiscordEmbed{
		Title:       title,
		Description: description,
		URL:         n.cfg.PoolURL,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &DiscordFooter{Text: n.coin},
	}
}

func (n *Notifier) sendTelegram(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)
	n.send(url, TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}, "Telegram")
}

// send posts payload in the background with exponential backoff
func (n *Notifier) send(url string, payload interface{}, target string) {
	body, err := json.Marshal(payload)
	if err != nil {
		util.Warnf("Failed to marshal %s message: %v", target, err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.postWithRetry(url, body); err != nil {
			util.Warnf("Failed to send %s notification after %d retries: %v", target, MaxRetries, err)
		}
	}()
}

func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(RateLimitDelay)
		}
	}
	return lastErr
}

// formatAmount renders atomic units as whole coins
func (n *Notifier) formatAmount(amount uint64) string {
	return fmt.Sprintf("%.4f %s", float64(amount)/float64(n.coinUnits), n.symbol)
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
