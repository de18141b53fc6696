package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/taskfleet/taskfleet/pkg/hub"
)

const channelWriteTimeout = 10 * time.Second

// channelClient maintains the websocket to the controller: it dials, joins
// the agent's room, pumps inbound envelopes to the handler, and reconnects
// with exponential backoff when the socket drops.
type channelClient struct {
	serverURL string
	name      string
	handler   func(env hub.Envelope)

	// beforeJoin runs after each successful dial, before join_room. The
	// runtime re-registers here: a restarted controller has no agent row and
	// would otherwise never see the agent again.
	beforeJoin func(ctx context.Context) error

	mu   sync.Mutex
	conn *websocket.Conn
}

func newChannelClient(serverURL, name string, handler func(env hub.Envelope)) *channelClient {
	return &channelClient{serverURL: serverURL, name: name, handler: handler}
}

// channelEndpoint rewrites the HTTP base URL into the websocket endpoint.
func channelEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in server URL", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/channel"
	return u.String(), nil
}

// run keeps one connection alive until ctx is cancelled. Each established
// connection resets the backoff.
func (c *channelClient) run(ctx context.Context) error {
	endpoint, err := channelEndpoint(c.serverURL)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			delay := policy.NextBackOff()
			slog.Warn("Channel dial failed", "endpoint", endpoint, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		c.setConn(conn)
		slog.Info("Channel connected", "endpoint", endpoint, "agent", c.name)

		if c.beforeJoin != nil {
			if err := c.beforeJoin(ctx); err != nil {
				slog.Warn("Re-registration on reconnect failed", "error", err)
				c.drop()
				delay := policy.NextBackOff()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				continue
			}
		}

		if err := c.join(); err != nil {
			slog.Warn("Failed to join room", "error", err)
			c.drop()
			continue
		}
		policy.Reset()

		c.readLoop(ctx, conn)
		c.drop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("Channel disconnected, reconnecting", "agent", c.name)
	}
}

func (c *channelClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *channelClient) drop() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// join announces the agent's room. Must be the first envelope on the socket.
func (c *channelClient) join() error {
	env, err := hub.NewEnvelope(hub.KindJoinRoom, hub.JoinRoomPayload{Name: c.name})
	if err != nil {
		return err
	}
	return c.send(env)
}

// send writes one envelope. The write deadline bounds a stalled peer.
func (c *channelClient) send(env hub.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("channel not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	return nil
}

func (c *channelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadJSON when the runtime shuts down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Channel read failed", "error", err)
			}
			return
		}
		c.handler(env)
	}
}
