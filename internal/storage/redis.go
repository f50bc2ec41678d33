package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/pool-backend/internal/util"
)

// Key patterns, relative to the coin prefix
const (
	keyStats              = "stats"
	keyHashrate           = "hashrate"
	keySharesRoundCurrent = "shares:roundCurrent"
	keySharesRound        = "shares:round%d"
	keyBlocksPending      = "blocksPending"
	keyBlocksUnlocked     = "blocksUnlocked"
	keyBlocksOrphaned     = "blocksOrphaned"
	keyWorker             = "workers:%s"
)

// RedisClient wraps Redis operations for the pool. Every multi-command
// operation runs inside MULTI/EXEC and is applied all-or-nothing.
type RedisClient struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisClient creates a new Redis client for the given coin
func NewRedisClient(url, password string, db int, coin string, timeout time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	r := &RedisClient{client: client, prefix: coin + ":", timeout: timeout}

	ctx, cancel := r.withTimeout(context.Background())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Infof("Connected to Redis at %s (prefix %s)", url, r.prefix)
	return r, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(pattern string, args ...interface{}) string {
	if len(args) == 0 {
		return r.prefix + pattern
	}
	return r.prefix + fmt.Sprintf(pattern, args...)
}

func (r *RedisClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// PendingBlocks returns every parsable member of the pending set. Members
// that cannot be parsed stay in the set untouched.
func (r *RedisClient) PendingBlocks(ctx context.Context) ([]*PendingBlock, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	members, err := r.client.SMembers(ctx, r.key(keyBlocksPending)).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*PendingBlock, 0, len(members))
	for _, member := range members {
		block, err := ParseBlockMember(member)
		if err != nil {
			util.Warnf("Skipping pending block: %v", err)
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// RoundShares reads shares:round<height> for each block in one batch. The
// result is index-aligned with blocks.
func (r *RedisClient) RoundShares(ctx context.Context, blocks []*PendingBlock) ([]Shares, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	cmds := make([]*redis.StringStringMapCmd, len(blocks))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, block := range blocks {
			cmds[i] = pipe.HGetAll(ctx, r.key(keySharesRound, block.Height))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Shares, len(blocks))
	for i, cmd := range cmds {
		result[i] = parseShares(cmd.Val())
	}
	return result, nil
}

// SettleOrphans deletes each block's round shares, moves it from pending to
// orphaned and adds the round's shares back onto the current round.
func (r *RedisClient) SettleOrphans(ctx context.Context, blocks []*PendingBlock, shares []Shares) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, block := range blocks {
			pipe.Del(ctx, r.key(keySharesRound, block.Height))
			pipe.SMove(ctx, r.key(keyBlocksPending), r.key(keyBlocksOrphaned), block.Serialized)
			for worker, count := range shares[i] {
				pipe.HIncrBy(ctx, r.key(keySharesRoundCurrent), worker, count)
			}
		}
		return nil
	})
	return err
}

// SettleUnlocked deletes each block's round shares, moves it from pending to
// unlocked and credits the given amounts to worker balances.
func (r *RedisClient) SettleUnlocked(ctx context.Context, blocks []*PendingBlock, payments map[string]int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, block := range blocks {
			pipe.Del(ctx, r.key(keySharesRound, block.Height))
			pipe.SMove(ctx, r.key(keyBlocksPending), r.key(keyBlocksUnlocked), block.Serialized)
		}
		for worker, amount := range payments {
			pipe.HIncrBy(ctx, r.key(keyWorker, worker), "balance", amount)
		}
		return nil
	})
	return err
}

// PoolSnapshot prunes hashrate samples scored below windowStart and reads
// the remaining window with the pool stats and current round, all in one
// batch.
func (r *RedisClient) PoolSnapshot(ctx context.Context, windowStart int64) (*PoolData, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ws := strconv.FormatInt(windowStart, 10)

	var (
		samples *redis.StringSliceCmd
		stats   *redis.StringStringMapCmd
		round   *redis.StringStringMapCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.key(keyHashrate), "-inf", "("+ws)
		samples = pipe.ZRangeByScore(ctx, r.key(keyHashrate), &redis.ZRangeBy{Min: ws, Max: "+inf"})
		stats = pipe.HGetAll(ctx, r.key(keyStats))
		round = pipe.HGetAll(ctx, r.key(keySharesRoundCurrent))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &PoolData{
		Samples:        samples.Val(),
		Stats:          stats.Val(),
		CurrentRound:   parseShares(round.Val()),
		LastBlockFound: stats.Val()["lastBlockFound"],
	}, nil
}

// BlockSets reads the pending, unlocked and orphaned sets in one batch
func (r *RedisClient) BlockSets(ctx context.Context) (*BlockSets, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var pending, unlocked, orphaned *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.SMembers(ctx, r.key(keyBlocksPending))
		unlocked = pipe.SMembers(ctx, r.key(keyBlocksUnlocked))
		orphaned = pipe.SMembers(ctx, r.key(keyBlocksOrphaned))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BlockSets{
		Pending:  pending.Val(),
		Unlocked: unlocked.Val(),
		Orphaned: orphaned.Val(),
	}, nil
}

// WorkerExists reports whether a worker record exists
func (r *RedisClient) WorkerExists(ctx context.Context, address string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.key(keyWorker, address)).Result()
	return n > 0, err
}

// GetWorker returns a worker record, or an empty map if it does not exist
func (r *RedisClient) GetWorker(ctx context.Context, address string) (map[string]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return r.client.HGetAll(ctx, r.key(keyWorker, address)).Result()
}

// GetWorkers reads several worker records in one batch. The result is
// index-aligned with addresses; missing workers yield empty maps.
func (r *RedisClient) GetWorkers(ctx context.Context, addresses []string) ([]map[string]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	cmds := make([]*redis.StringStringMapCmd, len(addresses))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, address := range addresses {
			cmds[i] = pipe.HGetAll(ctx, r.key(keyWorker, address))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]map[string]string, len(cmds))
	for i, cmd := range cmds {
		result[i] = cmd.Val()
	}
	return result, nil
}

// WriteShare records an accepted share: it feeds the current round and the
// rolling hashrate window. Used by the share handler.
func (r *RedisClient) WriteShare(ctx context.Context, share *Share) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ms := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%s:%d", share.Difficulty, share.Address, ms)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, r.key(keySharesRoundCurrent), share.Address, share.Difficulty)
		pipe.ZAdd(ctx, r.key(keyHashrate), &redis.Z{
			Score:  float64(share.Timestamp),
			Member: member,
		})
		pipe.HIncrBy(ctx, r.key(keyStats), "totalShares", share.Difficulty)
		pipe.HSet(ctx, r.key(keyWorker, share.Address), "lastShare", share.Timestamp)
		pipe.HIncrBy(ctx, r.key(keyWorker, share.Address), "hashes", share.Difficulty)
		return nil
	})
	return err
}

// WritePendingBlock closes the current round at a found block: the round is
// renamed to shares:round<height> and the block enters the pending set.
func (r *RedisClient) WritePendingBlock(ctx context.Context, height, difficulty uint64, hash string, foundAt int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exists, err := r.client.Exists(ctx, r.key(keySharesRoundCurrent)).Result()
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if exists > 0 {
			pipe.Rename(ctx, r.key(keySharesRoundCurrent), r.key(keySharesRound, height))
		}
		pipe.SAdd(ctx, r.key(keyBlocksPending), BlockMember(height, difficulty, hash))
		pipe.HSet(ctx, r.key(keyStats), "lastBlockFound", foundAt)
		return nil
	})
	return err
}

func parseShares(raw map[string]string) Shares {
	shares := make(Shares, len(raw))
	for worker, value := range raw {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			util.Warnf("Ignoring non-numeric share count %q for %s", value, worker)
			continue
		}
		shares[worker] = count
	}
	return shares
}
