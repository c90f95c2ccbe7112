// Package wsadapter is the concrete Transport Adapter (spec §4.3): it
// terminates a coder/websocket connection, binds it to a Session (fresh or
// reconnecting), and translates the wire protocol's JSON envelopes and raw
// binary input frames into calls on the Connection Orchestrator, Command
// Executor, and Shell Streamer. Grounded on the teacher's
// handlers/terminal.go, specifically handleManagedTerminal's
// accept/reconnect/relay shape.
package wsadapter

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshconn"
	"github.com/gluk-w/sshgate/internal/sshexec"
	"github.com/gluk-w/sshgate/internal/sshshell"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport"
)

// inboundEnvelope is the JSON shape of every non-binary inbound frame. A
// binary frame is always raw terminal input and carries no envelope, the
// same binary-vs-text split the teacher's handleManagedTerminal uses for
// stdin versus resize/control messages.
type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackId,omitempty"`
}

// outboundEnvelope is the JSON shape of every outbound frame, including ack
// replies (AckID set, Event left as "ack").
type outboundEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	AckID   string `json:"ackId,omitempty"`
}

// Conn adapts one coder/websocket connection to transport.Transport. Writes
// are serialized through mu since websocket.Conn forbids concurrent writers.
type Conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *Conn) ID() string { return c.id }

// Emit writes event/payload as a JSON text frame. A write failure is logged
// and swallowed as a best-effort error, per spec §7's "a failing emit never
// aborts the SSH side" — callers that care can still inspect the returned
// error to short-circuit further work on a connection that is clearly dead.
func (c *Conn) Emit(event string, payload any) error {
	return c.writeEnvelope(outboundEnvelope{Event: event, Payload: payload})
}

func (c *Conn) ack(ackID string, payload any) {
	if ackID == "" {
		return
	}
	c.writeEnvelope(outboundEnvelope{Event: "ack", Payload: payload, AckID: ackID})
}

func (c *Conn) writeEnvelope(env outboundEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("[wsadapter] transport %s: write failed: %v", logutil.SanitizeForLog(c.id), err)
		return transport.EmitError(c.id, env.Event, err)
	}
	return nil
}

// Handler wires a Conn's inbound events to the Connection Orchestrator,
// Command Executor, and Shell Streamer (spec §4.3, §6).
type Handler struct {
	Registry          *sshsession.Registry
	Connector         *sshconn.Orchestrator
	Executor          *sshexec.Executor
	Streamer          *sshshell.Streamer
	HeartbeatInterval time.Duration // default 5s
	MaxReadBytes      int64         // default 1MiB
}

func (h *Handler) heartbeatInterval() time.Duration {
	if h.HeartbeatInterval > 0 {
		return h.HeartbeatInterval
	}
	return 5 * time.Second
}

func (h *Handler) maxReadBytes() int64 {
	if h.MaxReadBytes > 0 {
		return h.MaxReadBytes
	}
	return 1024 * 1024
}

// ServeHTTP accepts the websocket upgrade, resolves or defers session
// binding, starts the heartbeat, and relays inbound frames until the
// connection closes (spec §4.3).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[wsadapter] accept failed: %v", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(h.maxReadBytes())

	conn := &Conn{id: newTransportID(), ws: ws}

	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		h.reattach(conn, sessionID)
	}

	ctx := r.Context()
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go h.runHeartbeat(heartbeatCtx, conn)

	h.readLoop(ctx, conn)

	// Transport-level disconnect: stop the heartbeat (deferred above) but
	// leave the Session itself alone so a later reconnect can rebind to it
	// (spec §4.3 "on transport-level disconnect... do not destroy session").
	if session := h.Registry.Lookup(conn.id); session != nil {
		session.ClearTransport()
	}
	h.Registry.Unbind(conn.id)
}

// reattach rebinds an existing session to conn and replays anything
// buffered while it was detached (spec §4.3 reconnection).
func (h *Handler) reattach(conn *Conn, sessionID string) {
	session := h.Registry.Get(sessionID)
	if session == nil {
		conn.Emit(transport.EventError, transport.ErrorPayload{Message: "Unknown session"})
		return
	}
	h.Registry.Bind(conn.id, sessionID)
	if h.Streamer != nil {
		h.Streamer.Reattach(session, conn)
	}
	conn.Emit(transport.EventConnectionExists, transport.ConnectedPayload{
		Message:   "Reconnected",
		SessionID: session.ID,
	})
}

func (h *Handler) runHeartbeat(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(h.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.Emit(transport.EventHeartbeat, transport.HeartbeatPayload{Timestamp: time.Now().Unix()})
		}
	}
}

// readLoop dispatches every inbound frame until the connection errors out.
// A binary frame is always raw terminal input; a text frame is a JSON
// envelope naming one of the other inbound events (spec §6).
func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	for {
		msgType, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		if msgType == websocket.MessageBinary {
			h.handleInput(conn, data)
			continue
		}
		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		h.dispatch(conn, env)
	}
}

func (h *Handler) handleInput(conn *Conn, data []byte) {
	session := h.Registry.Lookup(conn.id)
	if session == nil {
		return
	}
	session.Touch()
	if h.Streamer != nil {
		h.Streamer.RecordInput(session, data)
	}
	stdin := session.ShellStdin()
	if stdin == nil {
		return
	}
	stdin.Write(data)
}

func (h *Handler) dispatch(conn *Conn, env inboundEnvelope) {
	switch env.Event {
	case transport.EventCheckConnection:
		h.handleCheckConnection(conn, env)
	case transport.EventConnect:
		h.handleConnect(conn, env)
	case transport.EventExecuteCommand:
		h.handleExecuteCommand(conn, env)
	case transport.EventExecuteBatch:
		h.handleExecuteBatch(conn, env)
	case transport.EventRestartShell:
		h.handleRestartShell(conn)
	case transport.EventResize:
		h.handleResize(conn, env)
	case transport.EventInput:
		h.handleTextInput(conn, env)
	case transport.EventRefreshConnection:
		h.handleRefreshConnection(conn)
	case transport.EventDisconnect:
		conn.ws.Close(websocket.StatusNormalClosure, "")
	default:
		log.Printf("[wsadapter] transport %s: unknown event %q", logutil.SanitizeForLog(conn.id), logutil.SanitizeForLog(env.Event))
	}
}

// handleTextInput services the text-envelope form of the "input" event
// (spec §6 inbound table) for clients that cannot send a raw binary frame;
// the binary-frame path in readLoop remains the primary one (spec §4.3).
func (h *Handler) handleTextInput(conn *Conn, env inboundEnvelope) {
	var params struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(env.Payload, &params); err != nil {
		return
	}
	h.handleInput(conn, []byte(params.Data))
}

func (h *Handler) handleCheckConnection(conn *Conn, env inboundEnvelope) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(env.Payload, &params)
	session := h.Registry.Get(params.SessionID)
	if session == nil || !session.Authenticated() {
		conn.ack(env.AckID, map[string]bool{"connected": false})
		return
	}
	conn.ack(env.AckID, map[string]bool{"connected": true})
}

func (h *Handler) handleConnect(conn *Conn, env inboundEnvelope) {
	var params sshconn.ConnectParams
	if err := json.Unmarshal(env.Payload, &params); err != nil {
		conn.Emit(transport.EventError, transport.ErrorPayload{Message: "Invalid connect payload"})
		return
	}
	h.Connector.Connect(conn, params)
}

func (h *Handler) handleExecuteCommand(conn *Conn, env inboundEnvelope) {
	var params sshexec.CommandParams
	if err := json.Unmarshal(env.Payload, &params); err != nil {
		conn.ack(env.AckID, sshexec.AckResult{Error: "Invalid command payload"})
		return
	}
	session := h.Registry.Lookup(conn.id)
	if session == nil {
		conn.ack(env.AckID, sshexec.AckResult{Error: "No active session"})
		return
	}
	h.Executor.ExecuteCommand(conn, session.ID, params, func(r sshexec.AckResult) {
		conn.ack(env.AckID, r)
	})
}

func (h *Handler) handleExecuteBatch(conn *Conn, env inboundEnvelope) {
	var params sshexec.BatchParams
	if err := json.Unmarshal(env.Payload, &params); err != nil {
		conn.Emit(transport.EventCommandBatchResult, transport.CommandBatchResultPayload{Error: "Invalid batch payload"})
		return
	}
	session := h.Registry.Lookup(conn.id)
	if session == nil {
		conn.Emit(transport.EventCommandBatchResult, transport.CommandBatchResultPayload{BatchID: params.BatchID, Error: "No active session"})
		return
	}
	go h.Executor.ExecuteBatch(conn, session.ID, params)
}

func (h *Handler) handleRestartShell(conn *Conn) {
	session := h.Registry.Lookup(conn.id)
	if session == nil || h.Streamer == nil {
		return
	}
	h.Streamer.Restart(session, conn)
}

func (h *Handler) handleResize(conn *Conn, env inboundEnvelope) {
	var params struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.Unmarshal(env.Payload, &params); err != nil || params.Cols == 0 || params.Rows == 0 {
		return
	}
	session := h.Registry.Lookup(conn.id)
	if session == nil {
		return
	}
	sshshell.Resize(session, params.Cols, params.Rows)
}

func (h *Handler) handleRefreshConnection(conn *Conn) {
	session := h.Registry.Lookup(conn.id)
	if session == nil {
		conn.Emit(transport.EventError, transport.ErrorPayload{Message: "No active session"})
		return
	}
	conn.Emit(transport.EventConnected, transport.ConnectedPayload{Message: "Connected", SessionID: session.ID})
}

var transportSeq struct {
	mu sync.Mutex
	n  int64
}

// newTransportID generates a process-unique transport id without pulling in
// a UUID dependency for a value that is never shown to a user, only used as
// an internal map key (uuid.NewString is reserved for session ids, per
// sshconn's own usage, to keep the two id spaces visibly distinct).
func newTransportID() string {
	transportSeq.mu.Lock()
	defer transportSeq.mu.Unlock()
	transportSeq.n++
	return "ws-" + strconv.FormatInt(transportSeq.n, 36) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
