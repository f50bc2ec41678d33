// Package live fans each new stats snapshot out to waiting long-poll and
// stream subscribers.
package live

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/util"
)

// NotFound is the payload sent for an address with no worker record
var NotFound = []byte(`{"error":"not found"}`)

// streamBuffer is how many frames a stream may lag before frames are dropped
const streamBuffer = 4

// WorkerStore is the part of the shared store the hub reads
type WorkerStore interface {
	WorkerExists(ctx context.Context, address string) (bool, error)
	GetWorker(ctx context.Context, address string) (map[string]string, error)
	GetWorkers(ctx context.Context, addresses []string) ([]map[string]string, error)
}

// Hub owns the subscriber registries. A subscriber channel receives exactly
// one value; a stream channel receives every snapshot until removed.
type Hub struct {
	store   WorkerStore
	symbol  string
	metrics *metrics.Metrics

	mu          sync.Mutex
	subscribers map[string]chan []byte
	watchers    map[string]map[string]chan []byte
	streams     map[string]chan []byte
	hashrates   map[string]string
}

// NewHub creates an empty hub
func NewHub(store WorkerStore, symbol string, m *metrics.Metrics) *Hub {
	return &Hub{
		store:       store,
		symbol:      symbol,
		metrics:     m,
		subscribers: make(map[string]chan []byte),
		watchers:    make(map[string]map[string]chan []byte),
		streams:     make(map[string]chan []byte),
		hashrates:   make(map[string]string),
	}
}

// Subscribe registers a pool-wide subscriber. The channel receives the next
// compressed snapshot.
func (h *Hub) Subscribe() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, 1)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	h.updateGauges()
	return id, ch
}

// Unsubscribe removes a pool-wide subscriber that is no longer waiting
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()

	h.updateGauges()
}

// Watch registers a long-poll for one address. If the worker has no record
// the channel already holds NotFound and nothing is registered; the returned
// id is then empty. Several watches on one address are all served.
func (h *Hub) Watch(ctx context.Context, address string) (string, <-chan []byte, error) {
	ch := make(chan []byte, 1)

	exists, err := h.store.WorkerExists(ctx, address)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		ch <- NotFound
		return "", ch, nil
	}

	id := uuid.NewString()

	h.mu.Lock()
	set, ok := h.watchers[address]
	if !ok {
		set = make(map[string]chan []byte)
		h.watchers[address] = set
	}
	set[id] = ch
	h.mu.Unlock()

	h.updateGauges()
	return id, ch, nil
}

// Unwatch removes an address long-poll that is no longer waiting
func (h *Hub) Unwatch(address, id string) {
	if id == "" {
		return
	}

	h.mu.Lock()
	if set, ok := h.watchers[address]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.watchers, address)
		}
	}
	h.mu.Unlock()

	h.updateGauges()
}

// Stream registers a subscriber that receives every uncompressed snapshot.
// A stream that falls behind loses frames rather than stalling broadcasts.
func (h *Hub) Stream() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, streamBuffer)

	h.mu.Lock()
	h.streams[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unstream removes a stream subscriber
func (h *Hub) Unstream(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// Lookup reads one worker directly and formats it with the latest hashrate
func (h *Hub) Lookup(ctx context.Context, address string) ([]byte, error) {
	worker, err := h.store.GetWorker(ctx, address)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	hashrate, ok := h.hashrates[address]
	h.mu.Unlock()

	return h.formatWorker(worker, hashrate, ok), nil
}

// Counts returns the number of waiting subscribers and address watches
func (h *Hub) Counts() (subscribers, watches int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.watchers {
		watches += len(set)
	}
	return len(h.subscribers), watches
}

// Broadcast delivers a new snapshot. Pool-wide subscribers get compressed,
// streams get raw, and every watched address gets its worker record merged
// with its entry from hashrates, read in one store batch. If that batch
// fails the watches stay registered for the next broadcast.
func (h *Hub) Broadcast(ctx context.Context, compressed, raw []byte, hashrates map[string]string) {
	h.mu.Lock()
	subscribers := h.subscribers
	watchers := h.watchers
	h.subscribers = make(map[string]chan []byte)
	h.watchers = make(map[string]map[string]chan []byte)
	h.hashrates = hashrates
	streams := make([]chan []byte, 0, len(h.streams))
	for _, ch := range h.streams {
		streams = append(streams, ch)
	}
	h.mu.Unlock()

	for _, ch := range subscribers {
		ch <- compressed
	}

	for _, ch := range streams {
		select {
		case ch <- raw:
		default:
		}
	}

	h.metrics.IncBroadcast()
	h.deliverWatches(ctx, watchers, hashrates)
	h.updateGauges()
}

func (h *Hub) deliverWatches(ctx context.Context, watchers map[string]map[string]chan []byte, hashrates map[string]string) {
	if len(watchers) == 0 {
		return
	}

	addresses := make([]string, 0, len(watchers))
	for address := range watchers {
		addresses = append(addresses, address)
	}

	workers, err := h.store.GetWorkers(ctx, addresses)
	if err != nil {
		util.Warnf("Failed to read %d watched workers, keeping watches: %v", len(addresses), err)
		h.restoreWatches(watchers)
		return
	}

	for i, address := range addresses {
		hashrate, ok := hashrates[address]
		payload := h.formatWorker(workers[i], hashrate, ok)
		for _, ch := range watchers[address] {
			ch <- payload
		}
	}
}

// restoreWatches merges undelivered watches back into the live registry
func (h *Hub) restoreWatches(watchers map[string]map[string]chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for address, set := range watchers {
		current, ok := h.watchers[address]
		if !ok {
			h.watchers[address] = set
			continue
		}
		for id, ch := range set {
			current[id] = ch
		}
	}
}

// formatWorker renders {"stats":{...record, hashrate, symbol}} or NotFound
// for an empty record
func (h *Hub) formatWorker(worker map[string]string, hashrate string, known bool) []byte {
	if len(worker) == 0 {
		return NotFound
	}

	stats := make(map[string]string, len(worker)+2)
	for k, v := range worker {
		stats[k] = v
	}
	if known {
		stats["hashrate"] = hashrate
	}
	stats["symbol"] = h.symbol

	payload, err := json.Marshal(map[string]interface{}{"stats": stats})
	if err != nil {
		util.Errorf("Failed to encode worker stats: %v", err)
		return NotFound
	}
	return payload
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	subscribers, watches := h.Counts()
	h.metrics.SetSubscribers(subscribers, watches)
}
