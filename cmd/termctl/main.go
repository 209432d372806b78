// termctl is a debug client for the terminal core daemon.
//
// Usage:
//
//	termctl attach [--session <id>] [--client <id>] [--addr <url>]
//	termctl list [--client <id>] [--addr <url>]
//	termctl ping [--addr <url>]
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/notforyou23/evobrew-termcore/internal/wsproto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "attach":
		cmdAttach(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "ping":
		cmdPing(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: termctl <attach|list|ping> [flags]")
}

// dial connects and drains the connect-time ready frame the daemon sends
// immediately after upgrade, before the caller issues its first request.
func dial(addr, clientID string) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?client_id=%s", addr, clientID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	if _, err := readEnvelope(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect ready frame: %w", err)
	}
	return conn, nil
}

func cmdPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := fs.String("addr", "ws://127.0.0.1:7711/v1/terminal", "daemon websocket address")
	clientID := fs.String("client", "termctl", "client id to identify as")
	fs.Parse(args)

	conn, err := dial(*addr, *clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := sendEnvelope(conn, wsproto.TypePing, struct{}{}); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}
	env, err := readEnvelope(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("termctl: received %s\n", env.Type)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	addr := fs.String("addr", "ws://127.0.0.1:7711/v1/terminal", "daemon websocket address")
	clientID := fs.String("client", "termctl", "client id to identify as")
	fs.Parse(args)

	conn, err := dial(*addr, *clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := sendEnvelope(conn, wsproto.TypeList, struct{}{}); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}
	env, err := readEnvelope(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}

	var resp wsproto.SessionsResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: malformed sessions response: %v\n", err)
		os.Exit(1)
	}
	for _, s := range resp.Sessions {
		fmt.Printf("%s  %-10s %dx%d  idle=%v\n", s.SessionID, s.State, s.Cols, s.Rows, s.IdleHint)
	}
}

// cmdAttach connects to the daemon, opens or reattaches a session, and
// blocks until the user detaches (Ctrl-]) or the session exits. Mirrors the
// teacher CLI's doAttach: raw stdin mode, one goroutine copying PTY output
// to stdout, one reading stdin for input and the detach byte, and a SIGWINCH
// handler forwarding terminal resizes.
func cmdAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	addr := fs.String("addr", "ws://127.0.0.1:7711/v1/terminal", "daemon websocket address")
	clientID := fs.String("client", "termctl", "client id to identify as")
	sessionID := fs.String("session", "", "existing session id to reattach to (empty creates a new session)")
	shell := fs.String("shell", "", "shell to launch for a new session")
	cwd := fs.String("cwd", "", "working directory for a new session")
	fs.Parse(args)

	conn, err := dial(*addr, *clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	cols, rows, _ := term.GetSize(fd)
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 34
	}

	if err := sendEnvelope(conn, wsproto.TypeAttach, wsproto.AttachRequest{
		SessionID: *sessionID,
		Shell:     *shell,
		Cwd:       *cwd,
		Cols:      uint16(cols),
		Rows:      uint16(rows),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}

	env, err := readEnvelope(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: attach: %v\n", err)
		os.Exit(1)
	}
	if env.Type == wsproto.TypeError {
		var e wsproto.ErrorResponse
		json.Unmarshal(env.Data, &e)
		fmt.Fprintf(os.Stderr, "termctl: attach failed: %s: %s\n", e.Kind, e.Message)
		os.Exit(1)
	}
	var ready wsproto.ReadyResponse
	if err := json.Unmarshal(env.Data, &ready); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: malformed ready response: %v\n", err)
		os.Exit(1)
	}
	if replay, err := base64.StdEncoding.DecodeString(ready.Replay); err == nil {
		os.Stdout.Write(replay)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termctl: cannot set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[termctl] attached to %s  (detach: Ctrl-])\r\n", ready.SessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go readOutputLoop(conn, ready.SessionID, signalDone)
	go readStdinLoop(conn, ready.SessionID, signalDone)

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				sendEnvelope(conn, wsproto.TypeResize, wsproto.ResizeRequest{
					SessionID: ready.SessionID,
					Cols:      uint16(cols),
					Rows:      uint16(rows),
				})
			}
		}
	}()

	<-done
}

func readOutputLoop(conn *websocket.Conn, sessionID string, done func()) {
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			done()
			return
		}
		switch env.Type {
		case wsproto.TypeOutput:
			var out wsproto.OutputResponse
			if json.Unmarshal(env.Data, &out) == nil {
				if data, err := base64.StdEncoding.DecodeString(out.Data); err == nil {
					os.Stdout.Write(data)
				}
			}
		case wsproto.TypeExit, wsproto.TypeState:
			fmt.Fprintf(os.Stdout, "\r\n[termctl] %s\r\n", env.Type)
			done()
			return
		}
	}
}

func readStdinLoop(conn *websocket.Conn, sessionID string, done func()) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				if buf[i] == 0x1D { // Ctrl-]
					done()
					return
				}
			}
			sendEnvelope(conn, wsproto.TypeInput, wsproto.InputRequest{
				SessionID: sessionID,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			done()
			return
		}
	}
}

func sendEnvelope(conn *websocket.Conn, msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wsproto.Envelope{Type: msgType, Data: payload})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func readEnvelope(conn *websocket.Conn) (wsproto.Envelope, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if err == io.EOF {
			return wsproto.Envelope{}, err
		}
		return wsproto.Envelope{}, err
	}
	var env wsproto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wsproto.Envelope{}, err
	}
	return env, nil
}
