package wsproto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
	"github.com/notforyou23/evobrew-termcore/internal/termsession"
)

// Server upgrades HTTP connections to websocket and dispatches their
// frames into a termsession.Manager. It plays the role of the teacher's
// Daemon.handleConn dispatch loop, retargeted from a length-prefixed Unix
// socket frame to JSON-over-websocket messages.
type Server struct {
	cfg      tcconfig.Config
	mgr      *termsession.Manager
	upgrader websocket.Upgrader
}

// NewServer builds a Server. CheckOrigin is left permissive here the same
// way the reference terminal-over-websocket examples in the retrieval pack
// leave it; callers embedding this in a wider HTTP service should replace
// it with an origin allowlist.
func NewServer(cfg tcconfig.Config, mgr *termsession.Manager) *Server {
	return &Server{
		cfg: cfg,
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if !termsession.ValidClientID(clientID) {
		http.Error(w, "client_id must match [A-Za-z0-9:_-]{1,128}", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsproto: upgrade failed: %v", err)
		return
	}

	connID, err := randomID()
	if err != nil {
		ws.Close()
		return
	}

	conn := NewConnection(connID, clientID, ws, s.cfg)
	defer conn.Close()
	defer conn.DetachSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.SetBaseContext(ctx)

	conn.WriteJSON(TypeReady, ReadyResponse{
		ConnectionID: connID,
		ClientID:     clientID,
		Timestamp:    isoMillis(time.Now()),
	})

	s.readLoop(conn)
}

// isoMillis formats t as ISO-8601 UTC with millisecond precision, the
// timestamp format spec.md §4.5 requires for every wire timestamp.
func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// sessionInfoFromSnapshot builds the full session-metadata payload spec.md
// §4.5 defines from a termsession.Snapshot.
func sessionInfoFromSnapshot(snap termsession.Snapshot) SessionInfo {
	info := SessionInfo{
		SessionID:           snap.ID,
		ClientID:            snap.ClientID,
		Name:                snap.Name,
		Shell:               snap.Shell,
		ShellType:           snap.ShellType,
		Cwd:                 snap.Cwd,
		Persistent:          snap.Persistent,
		State:               string(snap.State),
		Reason:              snap.Reason,
		Cols:                snap.Cols,
		Rows:                snap.Rows,
		CreatedAt:           isoMillis(snap.CreatedAt),
		LastActive:          isoMillis(snap.LastActive),
		AttachedConnections: snap.AttachedConnections,
		FlowPaused:          snap.FlowPaused,
		BufferBytes:         snap.BufferBytes,
		IdleHint:            snap.IdleHint,
	}
	if snap.ExitInfo != nil {
		info.ExitCode = snap.ExitInfo.Code
		info.Signal = snap.ExitInfo.Signal
	}
	return info
}

func randomID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// readLoop reads one frame at a time. The underlying websocket read limit is
// intentionally set well above cfg.MaxIncomingMsgBytes: gorilla terminates
// the connection outright when its own limit is exceeded, which would
// violate spec.md §4.5/§7 ("oversized frame -> one error frame", connection
// stays open). The configured limit is instead enforced here, by hand, so an
// oversized frame gets an error frame and the read loop continues.
func (s *Server) readLoop(conn *Connection) {
	conn.ws.SetReadLimit(int64(s.cfg.MaxIncomingMsgBytes) * 4)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		if len(raw) > s.cfg.MaxIncomingMsgBytes {
			s.sendError(conn, tcerr.New(tcerr.FrameTooLarge, "frame of %d bytes exceeds limit %d", len(raw), s.cfg.MaxIncomingMsgBytes))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "malformed frame: %v", err))
			continue
		}

		s.dispatch(conn, env)
	}
}

func (s *Server) dispatch(conn *Connection, env Envelope) {
	switch env.Type {
	case TypeAttach:
		s.handleAttach(conn, env)
	case TypeInput:
		s.handleInput(conn, env)
	case TypeResize:
		s.handleResize(conn, env)
	case TypeClose:
		s.handleClose(conn, env)
	case TypeList:
		s.handleList(conn)
	case TypePing:
		conn.WriteJSON(TypePong, PongResponse{Timestamp: isoMillis(time.Now())})
	default:
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "unknown message type %q", env.Type))
	}
}

func (s *Server) handleAttach(conn *Connection, env Envelope) {
	var req AttachRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "malformed attach: %v", err))
		return
	}

	// Detach from any previously attached session before subscribing to the
	// new one, so there is no window where Deliver could mislabel a frame
	// from the old session under the new session's id (spec.md §4.5:
	// "Detach current if any; attach to the given session").
	conn.DetachSession()

	var (
		sess   *termsession.Session
		replay []byte
		err    error
	)

	if req.SessionID == "" {
		sess, err = s.mgr.CreateSession(termsession.CreateOptions{
			ClientID:   conn.ClientID(),
			Name:       req.Name,
			Persistent: req.Persistent,
			Shell:      req.Shell,
			Args:       req.Args,
			Cwd:        req.Cwd,
			Env:        req.Env,
			Cols:       req.Cols,
			Rows:       req.Rows,
		})
		if err == nil {
			replay, sess, err = s.mgr.Attach(conn.ClientID(), sess.ID, conn)
		}
	} else {
		replay, sess, err = s.mgr.Attach(conn.ClientID(), req.SessionID, conn)
	}

	if err != nil {
		s.sendError(conn, err)
		return
	}

	attachCtx := conn.bindActive(sess)
	if req.ReplayTail > 0 && len(replay) > req.ReplayTail {
		replay = replay[len(replay)-req.ReplayTail:]
	}

	info := sessionInfoFromSnapshot(sess.Snapshot())
	conn.WriteJSON(TypeReady, ReadyResponse{
		Session:   &info,
		SessionID: info.SessionID,
		Cols:      info.Cols,
		Rows:      info.Rows,
		Replay:    base64.StdEncoding.EncodeToString(replay),
	})

	// A session that has already exited by the time of this attach will
	// never fire another exit event (spec.md §4.3: a subscriber attaching
	// to an exited session "receive[s] no further data ... and will receive
	// no exit"); the ready frame above already carries its final state, so
	// there is nothing for a watcher to wait for.
	if sess.State() != termsession.StateExited {
		go s.monitorExit(conn, sess, attachCtx)
	}
}

// monitorExit blocks until sess exits and reports it to conn, or until
// attachCtx is cancelled — which happens the instant this specific attach
// ends (a later reattach, an explicit detach, or the connection closing).
// That scoping keeps a watcher from an earlier attach from ever acting on
// whatever session the connection has since moved on to; DetachIfActive
// below is a second, belt-and-suspenders check of the same thing.
func (s *Server) monitorExit(conn *Connection, sess *termsession.Session, attachCtx context.Context) {
	exitInfo, err := s.mgr.WaitForExit(attachCtx, sess)
	if err != nil {
		return
	}
	if !conn.DetachIfActive(sess.ID) {
		// The connection moved on to a different attach (or none) before
		// this session exited; reporting it now would mislabel a frame
		// under a session the connection no longer follows.
		return
	}
	now := isoMillis(time.Now())
	conn.WriteJSON(TypeExit, ExitResponse{
		SessionID: sess.ID,
		ExitCode:  exitInfo.Code,
		Signal:    exitInfo.Signal,
		Reason:    sess.Reason(),
		Ts:        now,
	})
	conn.WriteJSON(TypeState, StateResponse{Session: sessionInfoFromSnapshot(sess.Snapshot())})
}

// resolveSessionID returns explicit if set, otherwise the connection's
// currently attached session. Returns an error if neither is available,
// per spec.md §4.5's fallback rule for input/resize/close.
func resolveSessionID(conn *Connection, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if conn.ActiveSession() != "" {
		return conn.ActiveSession(), nil
	}
	return "", tcerr.New(tcerr.InvalidArgument, "no session_id given and no session is attached")
}

func (s *Server) handleInput(conn *Connection, env Envelope) {
	var req InputRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "malformed input: %v", err))
		return
	}
	sessionID, err := resolveSessionID(conn, req.SessionID)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "input is not valid base64: %v", err))
		return
	}
	if err := s.mgr.Write(conn.ClientID(), sessionID, data); err != nil {
		s.sendError(conn, err)
	}
}

func (s *Server) handleResize(conn *Connection, env Envelope) {
	var req ResizeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "malformed resize: %v", err))
		return
	}
	sessionID, err := resolveSessionID(conn, req.SessionID)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	if err := s.mgr.Resize(conn.ClientID(), sessionID, req.Cols, req.Rows); err != nil {
		s.sendError(conn, err)
	}
}

func (s *Server) handleClose(conn *Connection, env Envelope) {
	var req CloseRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(conn, tcerr.New(tcerr.InvalidArgument, "malformed close: %v", err))
		return
	}
	sessionID, err := resolveSessionID(conn, req.SessionID)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	if err := s.mgr.CloseSession(conn.ClientID(), sessionID); err != nil {
		s.sendError(conn, err)
		return
	}
	sess, err := s.mgr.GetSession(conn.ClientID(), sessionID)
	if err != nil {
		return
	}
	conn.WriteJSON(TypeState, StateResponse{Session: sessionInfoFromSnapshot(sess.Snapshot())})
}

func (s *Server) handleList(conn *Connection) {
	snaps := s.mgr.ListSessions(conn.ClientID())
	out := make([]SessionInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionInfoFromSnapshot(snap))
	}
	conn.WriteJSON(TypeSessions, SessionsResponse{Sessions: out})
}

func (s *Server) sendError(conn *Connection, err error) {
	kind := tcerr.KindOf(err)
	if kind == "" {
		kind = tcerr.InvalidArgument
	}
	conn.WriteJSON(TypeError, ErrorResponse{Kind: string(kind), Message: err.Error()})
}
