package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tos-network/pool-backend/internal/live"
	"github.com/tos-network/pool-backend/internal/util"
)

// acquirePoll takes a long-poll slot for the caller or answers 429
func (s *Server) acquirePoll(c *gin.Context) (release func(), ok bool) {
	ip := c.ClientIP()
	if !s.policy.AcquirePoll(ip) {
		c.String(http.StatusTooManyRequests, "Too many open requests")
		return nil, false
	}
	return func() { s.policy.ReleasePoll(ip) }, true
}

// handleLiveStats holds the request until the next snapshot is published.
// On timeout or shutdown the current snapshot is sent instead.
func (s *Server) handleLiveStats(c *gin.Context) {
	release, ok := s.acquirePoll(c)
	if !ok {
		return
	}
	defer release()

	id, ch := s.hub.Subscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", "application/json")
	c.Header("Content-Encoding", "deflate")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	timer := time.NewTimer(s.cfg.API.LiveTimeout)
	defer timer.Stop()

	select {
	case blob := <-ch:
		c.Writer.Write(blob)
	case <-c.Request.Context().Done():
		s.hub.Unsubscribe(id)
	case <-timer.C:
		s.hub.Unsubscribe(id)
		c.Writer.Write(s.source.Stats().Compressed)
	case <-s.quit:
		s.hub.Unsubscribe(id)
		c.Writer.Write(s.source.Stats().Compressed)
	}
}

// handleAddressStats returns one worker's stats. With longpoll=true the
// answer waits for the next snapshot; an unknown worker is answered at once.
func (s *Server) handleAddressStats(c *gin.Context) {
	address := c.Query("address")
	longpoll := c.Query("longpoll") == "true"

	if longpoll {
		release, ok := s.acquirePoll(c)
		if !ok {
			return
		}
		defer release()
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", "application/json")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteString("\n")
	c.Writer.Flush()

	ctx := c.Request.Context()
	if !longpoll {
		c.Writer.Write(s.lookup(ctx, address))
		return
	}

	id, ch, err := s.hub.Watch(ctx, address)
	if err != nil {
		util.Warnf("Failed to check worker %s: %v", address, err)
		c.Writer.Write(live.NotFound)
		return
	}

	timer := time.NewTimer(s.cfg.API.LiveTimeout)
	defer timer.Stop()

	select {
	case payload := <-ch:
		c.Writer.Write(payload)
	case <-ctx.Done():
		s.hub.Unwatch(address, id)
	case <-timer.C:
		s.hub.Unwatch(address, id)
		c.Writer.Write(s.lookup(ctx, address))
	case <-s.quit:
		s.hub.Unwatch(address, id)
		c.Writer.Write(s.lookup(ctx, address))
	}
}

// lookup reads a worker directly. A store failure is reported as not found.
func (s *Server) lookup(ctx context.Context, address string) []byte {
	payload, err := s.hub.Lookup(ctx, address)
	if err != nil {
		util.Warnf("Failed to read worker %s: %v", address, err)
		return live.NotFound
	}
	return payload
}

// handleLiveWS streams every new snapshot as a text message until the
// client goes away
func (s *Server) handleLiveWS(c *gin.Context) {
	release, ok := s.acquirePoll(c)
	if !ok {
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("WebSocket upgrade failed for %s: %v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	id, frames := s.hub.Stream()
	defer s.hub.Unstream(id)

	// Reads only detect the close; clients have nothing to send.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(frame []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			util.Debugf("WebSocket write error for %s: %v", c.ClientIP(), err)
			return false
		}
		return true
	}

	if !send(s.source.Stats().Raw) {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case frame := <-frames:
			if !send(frame) {
				return
			}
		}
	}
}
