// Package stats builds the pool and block snapshots served by the API.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/newrelic"
	"github.com/tos-network/pool-backend/internal/rpc"
	"github.com/tos-network/pool-backend/internal/storage"
	"github.com/tos-network/pool-backend/internal/util"
	"golang.org/x/sync/errgroup"
)

// Cycle names used for logs and metrics
const (
	CycleStats  = "stats"
	CycleBlocks = "blocks"
)

// Store is the part of the shared store the aggregator reads
type Store interface {
	PoolSnapshot(ctx context.Context, windowStart int64) (*storage.PoolData, error)
	BlockSets(ctx context.Context) (*storage.BlockSets, error)
}

// Node provides the chain tip
type Node interface {
	GetLastBlockHeader(ctx context.Context) (*rpc.BlockHeader, error)
}

// Publisher receives every new pool snapshot
type Publisher interface {
	Broadcast(ctx context.Context, compressed, raw []byte, hashrates map[string]string)
}

// Aggregator periodically rebuilds the pool and block snapshots. Each loop
// schedules its next run only after the current one has finished.
type Aggregator struct {
	cfg       *config.Config
	store     Store
	node      Node
	publisher Publisher
	metrics   *metrics.Metrics
	apm       *newrelic.Agent

	stats  *Cache
	blocks *Cache

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator. publisher, m and apm may be nil.
func NewAggregator(cfg *config.Config, store Store, node Node, publisher Publisher, m *metrics.Metrics, apm *newrelic.Agent) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		cfg:       cfg,
		store:     store,
		node:      node,
		publisher: publisher,
		metrics:   m,
		apm:       apm,
		stats:     NewCache(),
		blocks:    NewCache(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs both collectors immediately and then on their intervals
func (a *Aggregator) Start() {
	util.Infof("Starting stats aggregator (stats every %v, blocks every %v)",
		a.cfg.API.UpdateInterval, a.cfg.API.BlocksUpdateInterval)

	a.wg.Add(2)
	go a.loop(CycleStats, a.cfg.API.UpdateInterval, a.collectStats)
	go a.loop(CycleBlocks, a.cfg.API.BlocksUpdateInterval, a.collectBlocks)
}

// Stop cancels both loops and waits for an in-flight cycle to finish
func (a *Aggregator) Stop() {
	a.cancel()
	a.wg.Wait()
	util.Info("Stats aggregator stopped")
}

// Stats returns the latest pool snapshot blob
func (a *Aggregator) Stats() *Blob {
	return a.stats.Load()
}

// Blocks returns the latest blocks snapshot blob
func (a *Aggregator) Blocks() *Blob {
	return a.blocks.Load()
}

func (a *Aggregator) loop(name string, interval time.Duration, collect func(ctx context.Context) error) {
	defer a.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
			a.runCycle(name, collect)
			timer.Reset(interval)
		}
	}
}

func (a *Aggregator) runCycle(name string, collect func(ctx context.Context) error) {
	started := time.Now()
	ctx, txn := a.apm.StartCycle(a.ctx, "Aggregator/"+name)
	defer txn.End()

	err := collect(ctx)
	if err != nil {
		util.Errorf("Error collecting %s: %v", name, err)
		a.apm.NoticeError(txn, err)
	}
	a.metrics.ObserveCycle(name, started, err)
}

// fetch reads the chain tip and runs read concurrently. Either failure
// cancels the other.
func (a *Aggregator) fetch(ctx context.Context, read func(ctx context.Context) error) (*rpc.BlockHeader, error) {
	var header *rpc.BlockHeader
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		header, err = a.node.GetLastBlockHeader(gctx)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := read(gctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return header, nil
}

func (a *Aggregator) collectStats(ctx context.Context) error {
	window := a.cfg.HashrateWindowSeconds()
	windowStart := a.now().Unix() - window

	var data *storage.PoolData
	header, err := a.fetch(ctx, func(ctx context.Context) error {
		var err error
		data, err = a.store.PoolSnapshot(ctx, windowStart)
		return err
	})
	if err != nil {
		return err
	}

	pool, hashrates := buildPoolStats(data, window)
	snapshot := &Snapshot{
		Pool:      pool,
		Network:   newNetworkStats(header),
		Config:    newConfigSection(a.cfg),
		Hashrates: hashrates,
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	blob, err := a.stats.Store(raw, a.now())
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	a.metrics.SetPool(pool.Hashrate, pool.Miners, pool.RoundHashes)
	a.metrics.SetNetwork(header.Difficulty, header.Height)
	a.apm.UpdatePoolMetrics(pool.Hashrate, pool.Miners, pool.RoundHashes)
	a.apm.UpdateNetworkMetrics(header.Height, header.Difficulty)

	util.Debugf("Stats updated: %d miners, %s, height %d",
		pool.Miners, util.ReadableHashrate(pool.Hashrate), header.Height)

	if a.publisher != nil {
		a.publisher.Broadcast(ctx, blob.Compressed, blob.Raw, hashrates)
	}
	return nil
}

func (a *Aggregator) collectBlocks(ctx context.Context) error {
	var sets *storage.BlockSets
	header, err := a.fetch(ctx, func(ctx context.Context) error {
		var err error
		sets, err = a.store.BlockSets(ctx)
		return err
	})
	if err != nil {
		return err
	}

	snapshot := &BlocksSnapshot{
		Network: newNetworkStats(header),
		Stats:   buildBlockCounts(sets, a.cfg.API.BlockHistory),
		Config:  newConfigSection(a.cfg),
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := a.blocks.Store(raw, a.now()); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	return nil
}
