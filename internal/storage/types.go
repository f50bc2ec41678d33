// Package storage provides the Redis-backed shared store for the pool backend.
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockStatus is the settlement state of a block the pool found
type BlockStatus string

const (
	BlockStatusPending  BlockStatus = "pending"
	BlockStatusUnlocked BlockStatus = "unlocked"
	BlockStatusOrphaned BlockStatus = "orphaned"
)

// PendingBlock is a block awaiting settlement. Serialized is the literal set
// member "height:difficulty:hash" and is used to move the block between sets.
type PendingBlock struct {
	Height     uint64
	Difficulty uint64
	Hash       string
	Serialized string
}

// ParseBlockMember parses a "height:difficulty:hash" set member
func ParseBlockMember(member string) (*PendingBlock, error) {
	parts := strings.Split(member, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed block member %q", member)
	}

	height, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed block height in %q: %w", member, err)
	}
	difficulty, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed block difficulty in %q: %w", member, err)
	}

	return &PendingBlock{
		Height:     height,
		Difficulty: difficulty,
		Hash:       parts[2],
		Serialized: member,
	}, nil
}

// BlockMember builds the set member for a block
func BlockMember(height, difficulty uint64, hash string) string {
	return fmt.Sprintf("%d:%d:%s", height, difficulty, hash)
}

// Shares maps a worker address to its share count for one round
type Shares map[string]int64

// Total returns the sum of all share counts
func (s Shares) Total() int64 {
	var total int64
	for _, count := range s {
		total += count
	}
	return total
}

// PoolData is the raw result of one aggregator batch read
type PoolData struct {
	Samples        []string
	Stats          map[string]string
	CurrentRound   Shares
	LastBlockFound string
}

// BlockSets holds the members of the three block status sets
type BlockSets struct {
	Pending  []string
	Unlocked []string
	Orphaned []string
}

// Share is one accepted share as written by the share handler
type Share struct {
	Address    string
	Difficulty int64
	Timestamp  int64
}
