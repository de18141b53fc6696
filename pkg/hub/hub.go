package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskfleet/taskfleet/pkg/config"
)

// ErrNotConnected is returned by Send when the targeted agent has no live
// connection. Delivery is at-most-once per send; callers retry or reassign.
var ErrNotConnected = errors.New("agent is not connected")

// MessageHandler consumes envelopes received from an agent's room.
type MessageHandler func(agentName string, env Envelope)

// Hub owns every agent websocket. One connection per agent name; a new
// connection for a name displaces the old one (the agent reconnected before
// the server noticed the old socket die).
type Hub struct {
	cfg      config.ChannelConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room

	handlerMu sync.RWMutex
	onMessage MessageHandler

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// room is one agent's live connection.
type room struct {
	id      string
	agent   string
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// New creates an empty hub.
func New(cfg config.ChannelConfig) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// IP-level trust per the deployment model; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms:  make(map[string]*room),
		closed: make(chan struct{}),
	}
}

// OnMessage registers the consumer for inbound envelopes (pong, acks,
// leave_room is handled internally). Called once during wiring.
func (h *Hub) OnMessage(handler MessageHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.onMessage = handler
}

// HandleConnection upgrades the HTTP request and services the connection
// until it closes. The first envelope must be join_room naming the agent.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	agent, err := h.awaitJoin(conn)
	if err != nil {
		slog.Warn("Channel join failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	rm := &room{
		id:    uuid.New().String(),
		agent: agent,
		conn:  conn,
		done:  make(chan struct{}),
	}
	h.register(rm)
	defer h.unregister(rm)

	slog.Info("Agent joined room", "agent", agent, "remote", r.RemoteAddr)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pingLoop(rm)
	}()

	h.readLoop(rm)
}

// awaitJoin reads the first envelope and requires join_room.
func (h *Hub) awaitJoin(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.WriteTimeout))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("failed to read join message: %w", err)
	}
	if env.Kind != KindJoinRoom {
		return "", fmt.Errorf("expected %s, got %s", KindJoinRoom, env.Kind)
	}
	var payload JoinRoomPayload
	if err := UnmarshalPayload(env, &payload); err != nil {
		return "", err
	}
	if payload.Name == "" {
		return "", errors.New("join_room payload missing agent name")
	}
	return payload.Name, nil
}

// readLoop pumps inbound envelopes until the socket dies. Pong control frames
// extend the read deadline; a missed pong therefore kills the read within one
// ping interval plus the write timeout.
func (h *Hub) readLoop(rm *room) {
	deadline := h.readDeadline()
	_ = rm.conn.SetReadDeadline(time.Now().Add(deadline))
	rm.conn.SetPongHandler(func(string) error {
		return rm.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		var env Envelope
		if err := rm.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Agent room closed unexpectedly", "agent", rm.agent, "error", err)
			}
			return
		}
		_ = rm.conn.SetReadDeadline(time.Now().Add(deadline))

		if env.Kind == KindLeaveRoom {
			slog.Info("Agent left room", "agent", rm.agent)
			return
		}

		h.handlerMu.RLock()
		handler := h.onMessage
		h.handlerMu.RUnlock()
		if handler != nil {
			handler(rm.agent, env)
		}
	}
}

// pingLoop keeps the liveness contract: one control ping per interval, so a
// dead peer is detected within a heartbeat period.
func (h *Hub) pingLoop(rm *room) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.done:
			return
		case <-h.closed:
			return
		case <-ticker.C:
			rm.writeMu.Lock()
			_ = rm.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			err := rm.conn.WriteMessage(websocket.PingMessage, nil)
			rm.writeMu.Unlock()
			if err != nil {
				rm.close()
				return
			}
		}
	}
}

func (h *Hub) readDeadline() time.Duration {
	return h.cfg.PingInterval + h.cfg.WriteTimeout
}

// Send delivers one envelope to the agent's room. Fails synchronously with
// ErrNotConnected when the agent has no live connection.
func (h *Hub) Send(agentName string, env Envelope) error {
	h.mu.RLock()
	rm, ok := h.rooms[agentName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", agentName, ErrNotConnected)
	}

	rm.writeMu.Lock()
	defer rm.writeMu.Unlock()
	_ = rm.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := rm.conn.WriteJSON(env); err != nil {
		rm.close()
		return fmt.Errorf("failed to write to agent %s: %w", agentName, err)
	}
	return nil
}

// Connected reports whether the agent currently has a live room.
func (h *Hub) Connected(agentName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[agentName]
	return ok
}

// ConnectedAgents returns the names of all agents with live rooms.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	return names
}

// Close disconnects every room and waits for the ping loops.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.closed) })

	h.mu.Lock()
	for _, rm := range h.rooms {
		rm.close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Hub) register(rm *room) {
	h.mu.Lock()
	if old, ok := h.rooms[rm.agent]; ok {
		slog.Info("Displacing stale room", "agent", rm.agent)
		old.close()
	}
	h.rooms[rm.agent] = rm
	h.mu.Unlock()
}

func (h *Hub) unregister(rm *room) {
	h.mu.Lock()
	if current, ok := h.rooms[rm.agent]; ok && current.id == rm.id {
		delete(h.rooms, rm.agent)
	}
	h.mu.Unlock()
	rm.close()
}

func (rm *room) close() {
	rm.once.Do(func() {
		close(rm.done)
		_ = rm.conn.Close()
	})
}

// UnmarshalPayload decodes an envelope payload into dst.
func UnmarshalPayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return nil
}
