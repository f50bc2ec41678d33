package live

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/storage"
)

func setupTestHub(t *testing.T) (*Hub, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	store, err := storage.NewRedisClient(mr.Addr(), "", 0, "xmr", time.Second)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		mr.Close()
	})
	return NewHub(store, "XMR", metrics.New("test")), mr
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func decodeStats(t *testing.T, payload []byte) map[string]string {
	t.Helper()
	var body struct {
		Stats map[string]string `json:"stats"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("invalid payload %s: %v", payload, err)
	}
	return body.Stats
}

func TestSubscribeReceivesNextBroadcast(t *testing.T) {
	hub, _ := setupTestHub(t)

	_, ch1 := hub.Subscribe()
	_, ch2 := hub.Subscribe()
	if subs, _ := hub.Counts(); subs != 2 {
		t.Fatalf("subscribers = %d, want 2", subs)
	}

	hub.Broadcast(context.Background(), []byte("blob"), []byte("{}"), nil)

	if got := receive(t, ch1); string(got) != "blob" {
		t.Errorf("ch1 got %q, want blob", got)
	}
	if got := receive(t, ch2); string(got) != "blob" {
		t.Errorf("ch2 got %q, want blob", got)
	}
	if subs, _ := hub.Counts(); subs != 0 {
		t.Errorf("subscribers after broadcast = %d, want 0", subs)
	}
}

func TestUnsubscribeBeforeBroadcast(t *testing.T) {
	hub, _ := setupTestHub(t)

	id, ch := hub.Subscribe()
	hub.Unsubscribe(id)
	hub.Broadcast(context.Background(), []byte("blob"), nil, nil)

	select {
	case v := <-ch:
		t.Errorf("unsubscribed handle received %q", v)
	default:
	}
}

func TestWatchUnknownAddress(t *testing.T) {
	hub, _ := setupTestHub(t)

	id, ch, err := hub.Watch(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if id != "" {
		t.Error("unknown address should not be registered")
	}
	if got := receive(t, ch); string(got) != string(NotFound) {
		t.Errorf("payload = %s, want not found", got)
	}
	if _, watches := hub.Counts(); watches != 0 {
		t.Errorf("watches = %d, want 0", watches)
	}
}

func TestWatchReceivesWorkerDelta(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "300", "hashes", "1000")

	_, ch1, err := hub.Watch(context.Background(), "A")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	_, ch2, _ := hub.Watch(context.Background(), "A")
	if _, watches := hub.Counts(); watches != 2 {
		t.Fatalf("watches = %d, want 2", watches)
	}

	mr.HSet("xmr:workers:A", "balance", "400")
	hub.Broadcast(context.Background(), []byte("blob"), nil, map[string]string{"A": "1.95 MH"})

	for _, ch := range []<-chan []byte{ch1, ch2} {
		stats := decodeStats(t, receive(t, ch))
		if stats["balance"] != "400" {
			t.Errorf("balance = %s, want latest 400", stats["balance"])
		}
		if stats["hashrate"] != "1.95 MH" || stats["symbol"] != "XMR" {
			t.Errorf("stats = %v", stats)
		}
	}
	if _, watches := hub.Counts(); watches != 0 {
		t.Errorf("watches after broadcast = %d, want 0", watches)
	}
}

func TestWatchWorkerRemovedBeforeBroadcast(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "1")

	_, ch, _ := hub.Watch(context.Background(), "A")
	mr.Del("xmr:workers:A")
	hub.Broadcast(context.Background(), nil, nil, nil)

	if got := receive(t, ch); string(got) != string(NotFound) {
		t.Errorf("payload = %s, want not found", got)
	}
}

func TestWatchSurvivesStoreFailure(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "1")

	_, ch, _ := hub.Watch(context.Background(), "A")

	mr.SetError("ERR simulated outage")
	hub.Broadcast(context.Background(), nil, nil, nil)
	mr.SetError("")

	select {
	case v := <-ch:
		t.Fatalf("watch resolved during outage with %s", v)
	default:
	}
	if _, watches := hub.Counts(); watches != 1 {
		t.Fatalf("watches = %d, want 1 kept for retry", watches)
	}

	hub.Broadcast(context.Background(), nil, nil, nil)
	stats := decodeStats(t, receive(t, ch))
	if stats["balance"] != "1" {
		t.Errorf("balance = %s, want 1", stats["balance"])
	}
}

func TestUnwatch(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "1")

	id, _, _ := hub.Watch(context.Background(), "A")
	hub.Unwatch("A", id)
	hub.Unwatch("A", "")

	if _, watches := hub.Counts(); watches != 0 {
		t.Errorf("watches = %d, want 0", watches)
	}
}

func TestLookup(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "5")

	hub.Broadcast(context.Background(), nil, nil, map[string]string{"A": "10.00 H"})

	payload, err := hub.Lookup(context.Background(), "A")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	stats := decodeStats(t, payload)
	if stats["hashrate"] != "10.00 H" || stats["balance"] != "5" {
		t.Errorf("stats = %v", stats)
	}

	missing, _ := hub.Lookup(context.Background(), "B")
	if string(missing) != string(NotFound) {
		t.Errorf("Lookup(B) = %s, want not found", missing)
	}
}

func TestLookupOmitsUnknownHashrate(t *testing.T) {
	hub, mr := setupTestHub(t)
	mr.HSet("xmr:workers:A", "balance", "5")

	payload, _ := hub.Lookup(context.Background(), "A")
	if _, ok := decodeStats(t, payload)["hashrate"]; ok {
		t.Error("hashrate should be absent for a worker outside the window")
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	hub, _ := setupTestHub(t)

	id, ch := hub.Stream()
	for i := 0; i < streamBuffer+3; i++ {
		hub.Broadcast(context.Background(), nil, []byte{byte('0' + i)}, nil)
	}

	if len(ch) != streamBuffer {
		t.Errorf("buffered frames = %d, want %d", len(ch), streamBuffer)
	}
	if first := <-ch; first[0] != '0' {
		t.Errorf("first frame = %q, want 0", first)
	}

	hub.Unstream(id)
	hub.Broadcast(context.Background(), nil, []byte("x"), nil)
	if len(ch) != streamBuffer-1 {
		t.Error("removed stream should not receive frames")
	}
}
