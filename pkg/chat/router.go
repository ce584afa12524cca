package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxMessageLen = 10000

// Router owns the websocket surface of the chat service: it upgrades
// connections, runs the per-connection receive/process/emit loop, and wires
// conversation topics to connection pools.
type Router struct {
	baseCtx     context.Context
	registry    *Registry
	coordinator *Coordinator
	backend     *StreamBackend
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	logger      zerolog.Logger
}

// RouterConfig configures a chat router.
type RouterConfig struct {
	// ReaderIdleTimeout stops a conversation's topic reader after the pool
	// has been empty for this long. Zero keeps readers alive forever.
	ReaderIdleTimeout time.Duration
	// CheckOrigin overrides the websocket origin check. Nil allows all
	// origins; the HTTP layer's CORS allowlist is the outer gate.
	CheckOrigin func(*http.Request) bool
}

func NewRouter(ctx context.Context, coordinator *Coordinator, backend *StreamBackend, cfg RouterConfig, logger zerolog.Logger) *Router {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Router{
		baseCtx:     ctx,
		registry:    coordinator.Registry(),
		coordinator: coordinator,
		backend:     backend,
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		idleTimeout: cfg.ReaderIdleTimeout,
		logger:      logger.With().Str("component", "chat-router").Logger(),
	}
}

// WSHandler serves the persistent streaming connection. Each connection is
// one goroutine running a receive/process/emit loop until the client
// disconnects; a disconnect mid-cycle cancels the cycle context.
func (r *Router) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		connCtx, cancel := context.WithCancel(r.baseCtx)
		defer cancel()

		incoming := make(chan []byte, 8)
		go func() {
			defer cancel()
			defer close(incoming)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				select {
				case incoming <- data:
				case <-connCtx.Done():
					return
				}
			}
		}()

		attached := map[string]*Conversation{}
		defer func() {
			for _, conv := range attached {
				conv.Pool().Remove(conn)
			}
			_ = conn.Close()
		}()

		r.logger.Info().Str("remote", req.RemoteAddr).Msg("client connected")
		for data := range incoming {
			r.handleFrame(connCtx, conn, attached, data)
		}
		r.logger.Info().Str("remote", req.RemoteAddr).Msg("client disconnected")
	}
}

// handleFrame processes one client frame. Malformed payloads fail the cycle
// with a protocol error frame; the connection itself stays open.
func (r *Router) handleFrame(ctx context.Context, conn *websocket.Conn, attached map[string]*Conversation, data []byte) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.writeDirect(conn, newErrorFrame(fmt.Sprintf("invalid request: %v", err)))
		return
	}
	if req.Message == "" {
		r.writeDirect(conn, newErrorFrame("message cannot be empty"))
		return
	}
	if len(req.Message) > maxMessageLen {
		r.writeDirect(conn, newErrorFrame(fmt.Sprintf("message too long (max %d chars)", maxMessageLen)))
		return
	}

	forceNew := req.ConversationID == "" && req.SessionID == ""
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	conv := r.registry.GetOrCreate(convID)
	if err := r.startReader(conv); err != nil {
		r.writeDirect(conn, newErrorFrame(fmt.Sprintf("subscribe failed: %v", err)))
		return
	}
	if _, ok := attached[convID]; !ok {
		conv.Pool().Add(conn)
		attached[convID] = conv
	}

	_ = r.coordinator.RunCycle(ctx, conv, req, forceNew)
}

// startReader subscribes to the conversation topic and forwards frames to
// the connection pool. Idempotent per conversation; the reader stops again
// once the pool has been idle for the configured timeout.
func (r *Router) startReader(conv *Conversation) error {
	conv.readMu.Lock()
	defer conv.readMu.Unlock()
	if conv.reading {
		return nil
	}

	readCtx, cancel := context.WithCancel(r.baseCtx)
	ch, err := r.backend.Subscribe(readCtx, conv.ID)
	if err != nil {
		cancel()
		return err
	}
	conv.reading = true
	conv.stopRead = cancel
	conv.pool.SetIdleCallback(r.idleTimeout, func() { r.stopReader(conv) })

	r.logger.Info().Str("conv_id", conv.ID).Str("topic", topicForConv(conv.ID)).Msg("starting conversation reader")
	go func() {
		for msg := range ch {
			conv.pool.Broadcast(msg.Payload)
			msg.Ack()
		}
		conv.readMu.Lock()
		conv.reading = false
		conv.stopRead = nil
		conv.readMu.Unlock()
		r.logger.Info().Str("conv_id", conv.ID).Msg("conversation reader stopped")
	}()
	return nil
}

func (r *Router) stopReader(conv *Conversation) {
	conv.readMu.Lock()
	stop := conv.stopRead
	conv.readMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Router) writeDirect(conn *websocket.Conn, frame []byte) {
	if len(frame) == 0 {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		r.logger.Warn().Err(err).Msg("direct ws write failed")
	}
}
