// Package ws is the WebSocket transport: it runs the connection handshake
// through the auth handler, attaches authenticated connections to their
// namespaces and pumps outbound wire frames.
package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
	"github.com/opsdeck/pushgate/internal/notify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 4096
	sendBuffer   = 32
)

// Handler upgrades and services notification connections.
type Handler struct {
	log    *zap.Logger
	auth   *authn.Handler
	ns     *notify.NamespaceManager
	router *notify.Router

	upgrader websocket.Upgrader
}

func NewHandler(log *zap.Logger, auth *authn.Handler, ns *notify.NamespaceManager, router *notify.Router) *Handler {
	return &Handler{
		log:    log,
		auth:   auth,
		ns:     ns,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	sourceAddr := remoteHost(r)
	token := extractToken(r)

	authCtx, err := h.auth.AuthenticateConnection(r.Context(), token, sourceAddr)
	if err != nil {
		status := http.StatusUnauthorized
		if authn.GenericReason(err) == "try again later" {
			status = http.StatusTooManyRequests
		}
		http.Error(w, authn.GenericReason(err), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed",
			zap.Int64("user_id", authCtx.UserID),
			zap.Error(err),
		)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log: h.log.With(
			zap.Int64("user_id", authCtx.UserID),
			zap.String("remote_addr", sourceAddr),
		),
	}

	ctx, cancel := context.WithCancel(authn.WithAuth(context.Background(), authCtx))
	defer cancel()

	if !h.ns.Attach(ctx, authCtx, c, notify.NamespaceUser) {
		c.log.Warn("namespace attach failed, closing connection")
		writeClose(conn, "unauthorized")
		return
	}
	if authCtx.IsAdmin() {
		h.ns.Attach(ctx, authCtx, c, notify.NamespaceAdmin)
	}
	defer h.ns.Detach(authCtx)

	c.log.Info("connection established", zap.String("role", string(authCtx.Role)))

	go c.writePump(ctx, cancel)

	// Reconnect replay: everything durably queued while the user was away.
	h.router.ReplayUnseen(ctx, authCtx)

	h.readPump(ctx, c)
	c.log.Info("connection closed")
}

// readPump consumes inbound client frames until disconnect. The client
// protocol is small: ping keepalives and delivery acks. The acting identity
// rides on ctx.
func (h *Handler) readPump(ctx context.Context, c *client) {
	authCtx := authn.FromContext(ctx)
	if authCtx == nil {
		return
	}
	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected close", zap.Error(err))
			}
			return
		}
		var frame struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("malformed client frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case "ping":
			c.enqueue([]byte(`{"type":"pong"}`))
		case "ack":
			if frame.ID == "" {
				continue
			}
			h.router.MarkSeen(ctx, authCtx.UserID, frame.ID)
		default:
			c.log.Debug("unknown client frame type", zap.String("type", frame.Type))
		}
	}
}

// client is one attached connection. Outbound frames go through a buffered
// channel so delivery never blocks the router; a full buffer drops the frame.
type client struct {
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger
}

// Deliver implements notify.Conn.
func (c *client) Deliver(msg notify.Message) bool {
	frame, err := msg.MarshalWire()
	if err != nil {
		c.log.Error("failed to encode wire frame",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return false
	}
	return c.enqueue(frame)
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump owns all writes on the connection: queued frames plus protocol
// pings. It cancels the connection context when the peer stops accepting
// writes.
func (c *client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("write failed, closing connection", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// extractToken pulls the bearer token from Sec-WebSocket-Protocol
// ("jwt <token>" or a bare token entry) or the Authorization header.
func extractToken(r *http.Request) string {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "jwt ") {
				return strings.TrimPrefix(part, "jwt ")
			}
			if len(part) > 20 && !strings.Contains(part, " ") {
				return part
			}
		}
	}
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeClose(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}
