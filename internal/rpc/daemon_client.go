// Package rpc provides cryptonote daemon communication.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/tos-network/pool-backend/internal/util"
)

// ErrNoBlockHeader is returned when the daemon answers without a block header
var ErrNoBlockHeader = errors.New("daemon returned no block header")

// maxFailures is the number of consecutive transport failures before a
// client reports itself unhealthy
const maxFailures = 3

// DaemonClient handles communication with a cryptonote daemon
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client. url is the daemon base
// address; requests are posted to <url>/json_rpc.
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     strings.TrimRight(url, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// URL returns the daemon base address
func (c *DaemonClient) URL() string {
	return c.url
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockHeader is the daemon's view of one block
type BlockHeader struct {
	Hash         string `json:"hash"`
	PrevHash     string `json:"prev_hash"`
	Height       uint64 `json:"height"`
	Depth        uint64 `json:"depth"`
	Difficulty   uint64 `json:"difficulty"`
	Timestamp    uint64 `json:"timestamp"`
	Reward       uint64 `json:"reward"`
	MajorVersion int    `json:"major_version"`
	OrphanStatus bool   `json:"orphan_status"`
}

type blockHeaderResult struct {
	BlockHeader *BlockHeader `json:"block_header"`
	Status      string       `json:"status"`
}

// call makes an RPC call. Transport and decode failures count against the
// client's health; an error response from the daemon does not.
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: invalid response (HTTP %d): %w", method, resp.StatusCode, err)
	}

	c.recordSuccess()

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// recordSuccess records a successful RPC call
func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= maxFailures && c.healthy {
		c.healthy = false
		util.Warnf("Daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *DaemonClient) blockHeader(ctx context.Context, method string, params interface{}) (*BlockHeader, error) {
	result, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var res blockHeaderResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if res.BlockHeader == nil {
		return nil, ErrNoBlockHeader
	}
	return res.BlockHeader, nil
}

// GetLastBlockHeader returns the header of the chain tip
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	return c.blockHeader(ctx, "getlastblockheader", nil)
}

// GetBlockHeaderByHeight returns the header of the main-chain block at height
func (c *DaemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	return c.blockHeader(ctx, "getblockheaderbyheight", map[string]uint64{"height": height})
}
