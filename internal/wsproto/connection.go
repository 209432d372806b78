package wsproto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notforyou23/evobrew-termcore/internal/flowctl"
	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/notforyou23/evobrew-termcore/internal/termsession"
)

const flushInterval = 20 * time.Millisecond

// Connection wraps one websocket client session. It implements
// termsession.Subscriber: Deliver enqueues output bytes into its flowctl
// queue rather than writing the socket directly, so a slow reader never
// blocks the session's PTY read loop. A background flush loop drains the
// queue on a fixed interval and performs the actual socket write.
type Connection struct {
	id       string
	clientID string
	ws       *websocket.Conn
	queue    *flowctl.Queue

	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	closed   chan struct{}

	sessMu       sync.Mutex
	sessionID    string
	activeSess   *termsession.Session
	bpReported   bool
	attachCancel context.CancelFunc

	baseCtx context.Context
}

// NewConnection wraps ws and starts its flush loop.
func NewConnection(id, clientID string, ws *websocket.Conn, cfg tcconfig.Config) *Connection {
	c := &Connection{
		id:       id,
		clientID: clientID,
		ws:       ws,
		queue:    flowctl.New(cfg.QueueHighWaterBytes, cfg.QueueLowWaterBytes, cfg.MaxQueuedOutboundB),
		stop:     make(chan struct{}),
		closed:   make(chan struct{}),
		baseCtx:  context.Background(),
	}
	go c.flushLoop()
	return c
}

// SetBaseContext stores the connection-lifetime context each attach's
// monitor context is derived from. Must be set once, before the first
// attach (ServeHTTP sets it right after the connection is created).
func (c *Connection) SetBaseContext(ctx context.Context) {
	c.sessMu.Lock()
	c.baseCtx = ctx
	c.sessMu.Unlock()
}

// ID identifies this connection as a termsession.Subscriber.
func (c *Connection) ID() string { return c.id }

// ClientID is the authenticated/identified client this connection belongs
// to, used to scope every session operation it requests.
func (c *Connection) ClientID() string { return c.clientID }

// Deliver enqueues a raw PTY output chunk for the flush loop to send as an
// OutputResponse frame. It returns an error (and marks the connection for
// teardown) if the queue has overflowed its hard cap.
func (c *Connection) Deliver(data []byte) error {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return nil
	}
	payload, err := json.Marshal(OutputResponse{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
		Ts:        isoMillis(time.Now()),
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Type: TypeOutput, Data: payload})
	if err != nil {
		return err
	}
	if err := c.queue.Push(frame); err != nil {
		c.closeWithCode(websocket.CloseInternalServerErr, "queue overflow")
		return err
	}
	c.reportBackpressure()
	return nil
}

// AttachTo records sess as the session this connection now follows,
// implicitly detaching from any previously attached session first —
// spec.md §4.5's attach contract ("Detach current if any; attach to the
// given session"). Callers that need the detach to happen strictly before
// the new subscription is established (e.g. wsproto.Server, to avoid a
// window where Deliver could mislabel a frame's session id) should call
// DetachSession, subscribe to the new session, then bindActive instead.
func (c *Connection) AttachTo(sess *termsession.Session) {
	c.DetachSession()
	c.bindActive(sess)
}

// bindActive records sess as this connection's active session without
// detaching first — the caller is responsible for having already detached.
// It also mints a fresh per-attach context, derived from the connection's
// base context and cancelled the moment this attach ends (by a later
// bindActive or by DetachSession/DetachIfActive) — the context a caller
// should pass to anything that watches this specific attach, such as
// Server.monitorExit, so a stale watcher from a previous attach can never
// act on the connection's current one.
func (c *Connection) bindActive(sess *termsession.Session) context.Context {
	c.sessMu.Lock()
	if c.attachCancel != nil {
		c.attachCancel()
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.attachCancel = cancel
	c.activeSess = sess
	c.sessionID = sess.ID
	c.bpReported = false
	c.sessMu.Unlock()
	return ctx
}

// DetachSession unsubscribes from the currently attached session, if any,
// which also clears any backpressure contribution this connection held
// against it (Session.Unsubscribe re-evaluates flow), and cancels that
// attach's monitor context. Idempotent — safe to call on a connection with
// nothing attached, and safe to call twice.
func (c *Connection) DetachSession() {
	c.sessMu.Lock()
	sess := c.activeSess
	c.activeSess = nil
	c.sessionID = ""
	c.bpReported = false
	if c.attachCancel != nil {
		c.attachCancel()
		c.attachCancel = nil
	}
	c.sessMu.Unlock()
	if sess != nil {
		sess.Unsubscribe(c.id)
	}
}

// DetachIfActive detaches only if the connection is still attached to
// sessionID, reporting whether it did. Used by Server.monitorExit so a
// watcher racing against a reattach never tears down the connection's new,
// unrelated session.
func (c *Connection) DetachIfActive(sessionID string) bool {
	c.sessMu.Lock()
	if c.sessionID != sessionID {
		c.sessMu.Unlock()
		return false
	}
	sess := c.activeSess
	c.activeSess = nil
	c.sessionID = ""
	c.bpReported = false
	if c.attachCancel != nil {
		c.attachCancel()
		c.attachCancel = nil
	}
	c.sessMu.Unlock()
	if sess != nil {
		sess.Unsubscribe(c.id)
	}
	return true
}

// ActiveSession returns the session id this connection is currently
// attached to, or "" if none.
func (c *Connection) ActiveSession() string {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sessionID
}

// reportBackpressure tells the attached session when this connection's
// outbound queue crosses its high/low watermark, implementing the
// connection half of spec.md §4.4's session-wide flow rule. It is a no-op
// unless the queue's Paused() state actually changed since the last report.
func (c *Connection) reportBackpressure() {
	paused := c.queue.Paused()
	c.sessMu.Lock()
	sess := c.activeSess
	changed := paused != c.bpReported
	c.bpReported = paused
	c.sessMu.Unlock()
	if changed && sess != nil {
		sess.SetBackpressure(c.id, paused)
	}
}

func (c *Connection) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(c.closed)

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			c.flush()
			return
		}
	}
}

func (c *Connection) flush() {
	chunks := c.queue.Drain()
	if len(chunks) == 0 {
		return
	}
	defer c.reportBackpressure()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, chunk := range chunks {
		if err := c.ws.WriteMessage(websocket.TextMessage, chunk); err != nil {
			return
		}
	}
}

// WriteJSON sends a framed message immediately, bypassing the output
// queue. Used for control frames (ready, state, sessions, pong, error)
// that are not subject to backpressure accounting.
func (c *Connection) WriteJSON(msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Type: msgType, Data: payload})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connection) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.Close()
}

// Close stops the flush loop and closes the underlying socket.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.closed
	if err := c.ws.Close(); err != nil {
		log.Printf("wsproto: close connection %s: %v", c.id, err)
	}
}
