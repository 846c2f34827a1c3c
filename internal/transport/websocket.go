package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/session"
)

// wsWriteTimeout bounds every write we initiate; a peer that cannot drain an
// event within it is treated as gone.
const wsWriteTimeout = 10 * time.Second

// WSHandler upgrades HTTP requests to WebSocket sessions. One goroutine per
// connection reads frames and feeds them to the session in arrival order;
// emits can come from any goroutine and are serialised on the peer.
type WSHandler struct {
	hub      *session.Hub
	cfg      *config.Config
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket endpoint over hub.
func NewWSHandler(hub *session.Hub, cfg *config.Config, log *logrus.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		cfg: cfg,
		log: log.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			HandshakeTimeout:  cfg.UpgradeTimeout,
			EnableCompression: false,
			// Origin checks belong to the deployment's edge; every till
			// connects from its own host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.WithError(err).WithField("client", r.RemoteAddr).Warn("websocket upgrade failed")
		return
	}

	peer := newWSPeer(conn)
	sess := h.hub.Accept(peer)
	go h.pingLoop(peer)
	h.readLoop(r, peer, sess)
}

// readLoop pumps inbound frames into the session until the connection dies.
// It owns the read side: deadlines are pushed out by every frame and every
// pong, so a peer that stays silent past the ping timeout is dropped.
func (h *WSHandler) readLoop(r *http.Request, peer *wsPeer, sess *session.Session) {
	defer sess.Close()

	conn := peer.conn
	conn.SetReadLimit(h.cfg.MaxBufferSize)
	readWait := h.cfg.PingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).WithField("socket_id", peer.ID()).Debug("websocket read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := DecodeEnvelope(frame)
		if err != nil {
			h.log.WithError(err).WithField("socket_id", peer.ID()).Warn("dropping undecodable frame")
			continue
		}
		sess.HandleEvent(r.Context(), env.Event, env.Data)
	}
}

// pingLoop keeps the connection's liveness probe going. Exits when the peer
// closes or a ping cannot be written.
func (h *WSHandler) pingLoop(peer *wsPeer) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-peer.done:
			return
		case <-ticker.C:
			if err := peer.writeControl(websocket.PingMessage, nil); err != nil {
				h.log.WithError(err).WithField("socket_id", peer.ID()).Debug("ping failed")
				_ = peer.Close()
				return
			}
		}
	}
}

// wsPeer adapts one websocket connection to the session.Peer contract. The
// connection allows one concurrent writer, so all writes funnel through mu.
type wsPeer struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

// ID implements session.Peer.
func (p *wsPeer) ID() string { return p.id }

// Emit implements session.Peer.
func (p *wsPeer) Emit(event string, data any) error {
	frame, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *wsPeer) writeControl(messageType int, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(messageType, payload, time.Now().Add(wsWriteTimeout))
}

// Close implements session.Peer. A close frame is attempted so well-behaved
// peers see a clean shutdown instead of a reset.
func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.writeControl(websocket.CloseMessage, msg)
		err = p.conn.Close()
	})
	return err
}
