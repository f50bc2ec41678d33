package stats

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/rpc"
	"github.com/tos-network/pool-backend/internal/storage"
	"github.com/tos-network/pool-backend/internal/util"
)

// Snapshot is the document served at /stats
type Snapshot struct {
	Pool    PoolStats     `json:"pool"`
	Network NetworkStats  `json:"network"`
	Config  ConfigSection `json:"config"`

	// Hashrates maps each miner in the window to its readable hashrate. It
	// is delivered per address, not with the pool document.
	Hashrates map[string]string `json:"-"`
}

// PoolStats is the pool section of a snapshot
type PoolStats struct {
	Stats          map[string]string `json:"stats"`
	Miners         int               `json:"miners"`
	Hashrate       float64           `json:"hashrate"`
	RoundHashes    int64             `json:"roundHashes"`
	LastBlockFound string            `json:"lastBlockFound,omitempty"`
}

// NetworkStats is the chain tip as reported by the daemon
type NetworkStats struct {
	Difficulty uint64 `json:"difficulty"`
	Height     uint64 `json:"height"`
	Timestamp  uint64 `json:"timestamp"`
	Reward     uint64 `json:"reward"`
	Hash       string `json:"hash"`
}

// ConfigSection is the static pool configuration published with every snapshot
type ConfigSection struct {
	Ports          []config.PortConfig `json:"ports"`
	HashrateWindow int64               `json:"hashrateWindow"`
	Fee            float64             `json:"fee"`
	Coin           string              `json:"coin"`
	Symbol         string              `json:"symbol"`
	Depth          uint64              `json:"depth"`
	Version        string              `json:"version"`
}

// BlocksSnapshot is the document served at /blockstats
type BlocksSnapshot struct {
	Network NetworkStats  `json:"network"`
	Stats   BlockCounts   `json:"stats"`
	Config  ConfigSection `json:"config"`
}

// BlockCounts holds the size of each status set and the most recent blocks
type BlockCounts struct {
	Pending  int           `json:"pending"`
	Unlocked int           `json:"unlocked"`
	Orphaned int           `json:"orphaned"`
	Blocks   []BlockRecord `json:"blocks"`
}

// BlockRecord is one block of the history. It encodes as
// [status, height, difficulty, hash, ...].
type BlockRecord struct {
	Status storage.BlockStatus
	Height uint64
	Fields []string
}

// MarshalJSON implements json.Marshaler
func (b BlockRecord) MarshalJSON() ([]byte, error) {
	row := make([]interface{}, 0, len(b.Fields)+2)
	row = append(row, b.Status, b.Height)
	for _, f := range b.Fields {
		row = append(row, f)
	}
	return json.Marshal(row)
}

func newConfigSection(cfg *config.Config) ConfigSection {
	ports := cfg.Pool.Ports
	if ports == nil {
		ports = []config.PortConfig{}
	}
	return ConfigSection{
		Ports:          ports,
		HashrateWindow: cfg.HashrateWindowSeconds(),
		Fee:            cfg.Unlocker.PoolFee,
		Coin:           cfg.Pool.Coin,
		Symbol:         cfg.Pool.Symbol,
		Depth:          cfg.Unlocker.Depth,
		Version:        cfg.Pool.Version,
	}
}

func newNetworkStats(header *rpc.BlockHeader) NetworkStats {
	return NetworkStats{
		Difficulty: header.Difficulty,
		Height:     header.Height,
		Timestamp:  header.Timestamp,
		Reward:     header.Reward,
		Hash:       header.Hash,
	}
}

// buildPoolStats folds the windowed "shares:address:..." samples into the
// pool hashrate and the per-miner readable hashrates
func buildPoolStats(data *storage.PoolData, windowSeconds int64) (PoolStats, map[string]string) {
	perMiner := make(map[string]int64)
	for _, sample := range data.Samples {
		parts := strings.Split(sample, ":")
		if len(parts) < 2 {
			util.Debugf("Ignoring malformed hashrate sample %q", sample)
			continue
		}
		shares, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			util.Debugf("Ignoring malformed hashrate sample %q", sample)
			continue
		}
		perMiner[parts[1]] += shares
	}

	window := float64(windowSeconds)
	var total int64
	hashrates := make(map[string]string, len(perMiner))
	for miner, shares := range perMiner {
		total += shares
		hashrates[miner] = util.ReadableHashrate(float64(shares) / window)
	}

	stats := data.Stats
	if stats == nil {
		stats = map[string]string{}
	}

	return PoolStats{
		Stats:          stats,
		Miners:         len(perMiner),
		Hashrate:       float64(total) / window,
		RoundHashes:    data.CurrentRound.Total(),
		LastBlockFound: data.LastBlockFound,
	}, hashrates
}

// buildBlockCounts tags each member with its status, orders by height
// descending and keeps the newest limit records
func buildBlockCounts(sets *storage.BlockSets, limit int) BlockCounts {
	blocks := make([]BlockRecord, 0, len(sets.Pending)+len(sets.Unlocked)+len(sets.Orphaned))

	add := func(status storage.BlockStatus, members []string) {
		for _, member := range members {
			parts := strings.Split(member, ":")
			height, err := strconv.ParseUint(parts[0], 10, 64)
			if err != nil {
				util.Warnf("Skipping %s block with malformed height %q", status, member)
				continue
			}
			blocks = append(blocks, BlockRecord{Status: status, Height: height, Fields: parts[1:]})
		}
	}
	add(storage.BlockStatusPending, sets.Pending)
	add(storage.BlockStatusUnlocked, sets.Unlocked)
	add(storage.BlockStatusOrphaned, sets.Orphaned)

	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Height > blocks[j].Height
	})
	if len(blocks) > limit {
		blocks = blocks[:limit]
	}

	return BlockCounts{
		Pending:  len(sets.Pending),
		Unlocked: len(sets.Unlocked),
		Orphaned: len(sets.Orphaned),
		Blocks:   blocks,
	}
}
