// Package unlocker settles pending blocks once the chain has buried them
// deep enough: orphaned rounds go back into the current round and confirmed
// rewards are credited to worker balances.
package unlocker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/newrelic"
	"github.com/tos-network/pool-backend/internal/notify"
	"github.com/tos-network/pool-backend/internal/rpc"
	"github.com/tos-network/pool-backend/internal/storage"
	"github.com/tos-network/pool-backend/internal/util"
)

const cycleName = "unlocker"

// Store is the part of the shared store the unlocker reads and settles
type Store interface {
	PendingBlocks(ctx context.Context) ([]*storage.PendingBlock, error)
	RoundShares(ctx context.Context, blocks []*storage.PendingBlock) ([]storage.Shares, error)
	SettleOrphans(ctx context.Context, blocks []*storage.PendingBlock, shares []storage.Shares) error
	SettleUnlocked(ctx context.Context, blocks []*storage.PendingBlock, payments map[string]int64) error
}

// Node looks up the canonical block at a height
type Node interface {
	GetBlockHeaderByHeight(ctx context.Context, height uint64) (*rpc.BlockHeader, error)
}

// maturedBlock is a pending block deep enough to be settled
type maturedBlock struct {
	block  *storage.PendingBlock
	orphan bool
	reward uint64
	shares storage.Shares
}

// Result summarizes one settlement cycle
type Result struct {
	Pending     int
	Orphaned    int
	Unlocked    int
	Reallocated int64
	Payments    map[string]int64
}

// BlockUnlocker runs the settlement cycle on an interval. The next cycle is
// scheduled only after the previous one returns.
type BlockUnlocker struct {
	cfg      *config.UnlockerConfig
	store    Store
	node     Node
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	apm      *newrelic.Agent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBlockUnlocker creates an unlocker. notifier, m and apm may be nil.
func NewBlockUnlocker(cfg *config.UnlockerConfig, store Store, node Node, notifier *notify.Notifier, m *metrics.Metrics, apm *newrelic.Agent) *BlockUnlocker {
	ctx, cancel := context.WithCancel(context.Background())

	return &BlockUnlocker{
		cfg:      cfg,
		store:    store,
		node:     node,
		notifier: notifier,
		metrics:  m,
		apm:      apm,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs a cycle immediately and then every interval
func (u *BlockUnlocker) Start() {
	util.Infof("Starting block unlocker (interval %v, depth %d, fee %.2f%%)",
		u.cfg.Interval, u.cfg.Depth, u.cfg.PoolFee)

	u.wg.Add(1)
	go u.loop()
}

// Stop cancels the loop and waits for an in-flight cycle
func (u *BlockUnlocker) Stop() {
	u.cancel()
	u.wg.Wait()
	util.Info("Block unlocker stopped")
}

func (u *BlockUnlocker) loop() {
	defer u.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-timer.C:
			u.runCycle()
			timer.Reset(u.cfg.Interval)
		}
	}
}

func (u *BlockUnlocker) runCycle() {
	started := time.Now()
	ctx, txn := u.apm.StartCycle(u.ctx, "Unlocker/cycle")
	defer txn.End()

	_, err := u.ProcessBlocks(ctx)
	if err != nil {
		util.Errorf("Block unlocker cycle aborted: %v", err)
		u.apm.NoticeError(txn, err)
	}
	u.metrics.ObserveCycle(cycleName, started, err)
}

// ProcessBlocks runs one settlement cycle. Any store failure aborts the cycle
// before its batch is applied; blocks not settled stay pending for the next
// cycle.
func (u *BlockUnlocker) ProcessBlocks(ctx context.Context) (*Result, error) {
	pending, err := u.store.PendingBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pending blocks: %w", err)
	}

	result := &Result{Pending: len(pending)}
	if len(pending) == 0 {
		util.Info("No pending blocks in redis")
		u.metrics.SetPending(0)
		return result, nil
	}

	matured := u.checkDepths(ctx, pending)
	if len(matured) == 0 {
		util.Infof("No pending blocks are unlocked or orphaned yet (%d pending)", len(pending))
		u.metrics.SetPending(len(pending))
		return result, nil
	}

	if err := u.loadShares(ctx, matured); err != nil {
		return nil, err
	}

	var orphans, confirmed []*maturedBlock
	for _, m := range matured {
		if m.orphan {
			orphans = append(orphans, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}

	if err := u.settleOrphans(ctx, orphans, result); err != nil {
		return nil, err
	}
	if err := u.settleConfirmed(ctx, confirmed, result); err != nil {
		return nil, err
	}

	result.Pending -= result.Orphaned + result.Unlocked
	u.metrics.SetPending(result.Pending)
	return result, nil
}

// checkDepths asks the daemon for the canonical block at each pending
// height, in parallel. A block whose lookup fails stays pending. Only blocks
// at or beyond the configured depth are returned, in input order.
func (u *BlockUnlocker) checkDepths(ctx context.Context, pending []*storage.PendingBlock) []*maturedBlock {
	checked := make([]*maturedBlock, len(pending))

	var wg sync.WaitGroup
	for i, block := range pending {
		wg.Add(1)
		go func(i int, block *storage.PendingBlock) {
			defer wg.Done()

			header, err := u.node.GetBlockHeaderByHeight(ctx, block.Height)
			if err != nil {
				util.Warnf("Error with getblockheaderbyheight for block %s: %v", block.Serialized, err)
				return
			}
			if header.Depth < u.cfg.Depth {
				return
			}
			checked[i] = &maturedBlock{
				block:  block,
				orphan: header.Hash != block.Hash,
				reward: header.Reward,
			}
		}(i, block)
	}
	wg.Wait()

	matured := make([]*maturedBlock, 0, len(checked))
	for _, m := range checked {
		if m != nil {
			matured = append(matured, m)
		}
	}
	return matured
}

func (u *BlockUnlocker) loadShares(ctx context.Context, matured []*maturedBlock) error {
	blocks := make([]*storage.PendingBlock, len(matured))
	for i, m := range matured {
		blocks[i] = m.block
	}

	shares, err := u.store.RoundShares(ctx, blocks)
	if err != nil {
		return fmt.Errorf("get round shares: %w", err)
	}
	for i, m := range matured {
		m.shares = shares[i]
	}
	return nil
}

// settleOrphans moves orphaned blocks out of pending and adds their round
// shares back onto the current round, in one batch
func (u *BlockUnlocker) settleOrphans(ctx context.Context, orphans []*maturedBlock, result *Result) error {
	if len(orphans) == 0 {
		return nil
	}

	blocks := make([]*storage.PendingBlock, len(orphans))
	shares := make([]storage.Shares, len(orphans))
	var reallocated int64
	for i, m := range orphans {
		blocks[i] = m.block
		shares[i] = m.shares
		reallocated += m.shares.Total()
	}

	if err := u.store.SettleOrphans(ctx, blocks, shares); err != nil {
		return fmt.Errorf("settle orphaned blocks: %w", err)
	}

	result.Orphaned = len(orphans)
	result.Reallocated = reallocated
	u.metrics.AddSettled(string(storage.BlockStatusOrphaned), len(orphans))
	u.metrics.AddReallocated(reallocated)

	for _, m := range orphans {
		util.Warnf("Block %d orphaned, %d shares moved to the current round", m.block.Height, m.shares.Total())
		u.apm.RecordBlockOrphaned(m.block.Height, m.block.Hash)
		u.notifier.NotifyBlockOrphaned(m.block.Height, m.block.Hash)
	}
	return nil
}

// settleConfirmed moves confirmed blocks to unlocked and credits balances,
// in one batch
func (u *BlockUnlocker) settleConfirmed(ctx context.Context, confirmed []*maturedBlock, result *Result) error {
	if len(confirmed) == 0 {
		return nil
	}

	blocks := make([]*storage.PendingBlock, len(confirmed))
	for i, m := range confirmed {
		blocks[i] = m.block
		if m.shares.Total() <= 0 {
			util.Warnf("Block %d has no round shares, unlocking without credit", m.block.Height)
		}
	}

	payments := calculatePayments(confirmed, u.cfg.PoolFee)
	if err := u.store.SettleUnlocked(ctx, blocks, payments); err != nil {
		return fmt.Errorf("settle unlocked blocks: %w", err)
	}

	var credited int64
	for _, amount := range payments {
		credited += amount
	}

	result.Unlocked = len(confirmed)
	result.Payments = payments
	u.metrics.AddSettled(string(storage.BlockStatusUnlocked), len(confirmed))
	u.metrics.AddCredited(credited)

	util.Infof("Unlocked %d blocks and updated balances for %d workers", len(confirmed), len(payments))
	for _, m := range confirmed {
		blockCredit := int64(netReward(m.reward, u.cfg.PoolFee))
		u.apm.RecordBlockUnlocked(m.block.Height, m.block.Hash, m.reward, blockCredit, len(m.shares))
		u.notifier.NotifyBlockUnlocked(m.block.Height, m.block.Hash, m.reward, blockCredit, len(m.shares))
	}
	return nil
}
