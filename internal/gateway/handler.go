package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shadowboard/internal/lifecycle"
	"shadowboard/internal/mirror"
	"shadowboard/internal/store"
	"shadowboard/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is deferred to the deployment's reverse proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Config controls connection keepalive and rate limiting.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteLimit   int
}

// DefaultConfig returns standard gateway settings.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteLimit:   DefaultWriteLimit,
	}
}

// Handler upgrades dashboard connections and translates frames into
// lifecycle operations. One client per live connection; reconnects under
// the same operator ID supersede the previous connection.
type Handler struct {
	controller *lifecycle.Controller
	limiter    *RateLimiter
	cfg        Config

	mu      sync.RWMutex
	clients map[string]*client
}

// client is the gateway-side view of one operator connection.
type client struct {
	conn *Conn
	sess *lifecycle.OperatorSession
	op   types.Operator
}

// NewHandler creates a gateway handler over the lifecycle controller.
func NewHandler(controller *lifecycle.Controller, cfg Config) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &Handler{
		controller: controller,
		limiter:    NewRateLimiter(cfg.WriteLimit),
		cfg:        cfg,
		clients:    make(map[string]*client),
	}
}

// HandleWebSocket validates identity parameters, upgrades the connection,
// joins the operator, and runs the frame loop until disconnect.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	op := types.Operator{
		ID:          r.URL.Query().Get("operator_id"),
		DisplayName: r.URL.Query().Get("display_name"),
		Email:       r.URL.Query().Get("email"),
		Role:        r.URL.Query().Get("role"),
	}

	// Reject bad identities before the upgrade so the client gets a proper
	// HTTP status instead of an immediate socket close.
	if err := op.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed operator=%s: %v", op.ID, err)
		return
	}

	conn := NewConn(ws)

	sess, err := h.controller.Connect(r.Context(), op, nil)
	if err != nil {
		_ = conn.WriteJSON(errorFrame(errorCode(err), err.Error()))
		_ = conn.Close()
		return
	}

	cl := &client{conn: conn, sess: sess, op: op}
	h.register(cl)

	// Users watch their own session so admin pushes reach the owning UI.
	if op.Role == types.RoleUser {
		if sub, subErr := sess.SubscribeState(); subErr == nil {
			go cl.forwardOwnState(sub)
		} else {
			log.Printf("gateway: self-subscribe failed operator=%s: %v", op.ID, subErr)
		}
	}

	go cl.forwardDegraded()

	log.Printf("gateway: connected operator=%s role=%s", op.ID, op.Role)
	h.readPump(cl)
}

// register installs the client, closing any previous connection for the same
// operator. Presence-level supersede has already evicted the old record;
// this closes the old socket to match.
func (h *Handler) register(cl *client) {
	h.mu.Lock()
	old, ok := h.clients[cl.op.ID]
	h.clients[cl.op.ID] = cl
	h.mu.Unlock()

	if ok {
		_ = old.conn.Close()
	}
}

// unregister removes the client if it is still the current connection for
// its operator. A superseded client must not evict its replacement.
func (h *Handler) unregister(cl *client) {
	h.mu.Lock()
	if cur, ok := h.clients[cl.op.ID]; ok && cur == cl {
		delete(h.clients, cl.op.ID)
	}
	h.mu.Unlock()
}

func (h *Handler) lookup(operatorID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cl, ok := h.clients[operatorID]
	return cl, ok
}

// readPump owns the read side of the connection: keepalive, frame dispatch,
// and teardown.
func (h *Handler) readPump(cl *client) {
	defer func() {
		h.unregister(cl)
		cl.sess.Disconnect(context.Background())
		_ = cl.conn.Close()
		log.Printf("gateway: disconnected operator=%s", cl.op.ID)
	}()

	ws := cl.conn.ws
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		// A pong proves liveness as well as an explicit heartbeat frame.
		_ = cl.sess.Heartbeat()
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-cl.conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("gateway: read error operator=%s: %v", cl.op.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			cl.send(errorFrame("malformed_frame", "frame is not valid JSON"))
			continue
		}
		h.dispatch(cl, frame)
	}
}

func (h *Handler) dispatch(cl *client, frame clientFrame) {
	switch frame.Type {
	case FrameHeartbeat:
		if err := cl.sess.Heartbeat(); err != nil {
			cl.send(errorFrame(errorCode(err), err.Error()))
			return
		}
		cl.sendAck(FrameHeartbeat, "")

	case FrameListOnline:
		cl.send(serverFrame{
			Type:      FramePresence,
			Operators: cl.sess.ListOnline(),
			Timestamp: time.Now(),
		})

	case FrameWriteState:
		if !h.limiter.Allow(cl.op.ID) {
			cl.send(errorFrame("rate_limited", "too many state writes"))
			return
		}
		state, err := cl.sess.WriteState(context.Background(), frame.Payload)
		if err != nil {
			cl.send(errorFrame(errorCode(err), err.Error()))
			return
		}
		cl.send(serverFrame{Type: FrameAck, Target: cl.op.ID, State: state, Timestamp: time.Now()})

	case FrameTakeControl:
		feed, err := cl.sess.TakeControl(frame.Target)
		if err != nil {
			cl.send(errorFrame(errorCode(err), err.Error()))
			return
		}
		go cl.forwardFeed(feed)
		cl.send(serverFrame{Type: FrameLeaseGranted, Target: frame.Target, Timestamp: time.Now()})

	case FramePushMutation:
		if !h.limiter.Allow(cl.op.ID) {
			cl.send(errorFrame("rate_limited", "too many pushed mutations"))
			return
		}
		state, err := cl.sess.PushMutation(context.Background(), frame.Target, frame.Payload)
		if err != nil {
			cl.send(errorFrame(errorCode(err), err.Error()))
			return
		}
		cl.send(serverFrame{Type: FrameAck, Target: frame.Target, State: state, Timestamp: time.Now()})

	case FrameReleaseControl:
		if err := cl.sess.ReleaseControl(frame.Target); err != nil {
			cl.send(errorFrame(errorCode(err), err.Error()))
			return
		}
		cl.sendAck(FrameReleaseControl, frame.Target)

	default:
		cl.send(errorFrame("unknown_frame", "unrecognized frame type: "+frame.Type))
	}
}

// OnLeaseRevoked pushes lease_revoked to both sides of a torn-down lease.
// Registered with the lease manager as a RevocationFunc.
func (h *Handler) OnLeaseRevoked(lease types.ControlLease, reason string) {
	frame := serverFrame{
		Type:      FrameLeaseRevoked,
		Target:    lease.TargetUserID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if admin, ok := h.lookup(lease.AdminID); ok {
		admin.send(frame)
	}
	if target, ok := h.lookup(lease.TargetUserID); ok {
		target.send(frame)
	}
}

// CloseAll disconnects every client. Used during shutdown.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for id, cl := range h.clients {
		clients = append(clients, cl)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		cl.sess.Disconnect(context.Background())
		_ = cl.conn.Close()
	}
}

// Stats returns connection counters for the health endpoint.
func (h *Handler) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"connected_clients": len(h.clients),
	}
}

func (cl *client) send(frame serverFrame) {
	if err := cl.conn.WriteJSON(frame); err != nil {
		log.Printf("gateway: send failed operator=%s type=%s: %v", cl.op.ID, frame.Type, err)
	}
}

func (cl *client) sendAck(op, target string) {
	cl.send(serverFrame{Type: FrameAck, Target: target, Message: op, Timestamp: time.Now()})
}

// forwardFeed relays a mirror feed to the admin until the lease ends.
func (cl *client) forwardFeed(feed *mirror.Feed) {
	updates, status := feed.Updates(), feed.Status()
	for updates != nil || status != nil {
		select {
		case state, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			cl.send(serverFrame{Type: FrameState, Target: feed.TargetUserID(), State: state, Timestamp: time.Now()})
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			cl.send(serverFrame{Type: FrameSyncStatus, Target: feed.TargetUserID(), Status: string(st), Timestamp: time.Now()})
		case <-cl.conn.Done():
			feed.Close()
			return
		}
	}
}

// forwardOwnState relays the user's own session updates, so admin-pushed
// mutations appear on the owning dashboard.
func (cl *client) forwardOwnState(sub *store.Subscription) {
	for {
		select {
		case state, ok := <-sub.Updates():
			if !ok {
				return
			}
			cl.send(serverFrame{Type: FrameState, Target: cl.op.ID, State: state, Timestamp: time.Now()})
		case <-cl.conn.Done():
			sub.Close()
			return
		}
	}
}

// forwardDegraded relays backend-degradation advisories.
func (cl *client) forwardDegraded() {
	for {
		select {
		case msg := <-cl.sess.Degraded():
			cl.send(serverFrame{Type: FrameDegraded, Message: msg, Timestamp: time.Now()})
		case <-cl.conn.Done():
			return
		}
	}
}
