// Package transport defines the abstract client-transport boundary the rest
// of the gateway talks through (spec §4.3, §6). Concrete transports (the
// coder/websocket implementation lives in transport/wsadapter) satisfy
// Transport; everything above this package is transport-agnostic.
package transport

import "fmt"

// Inbound event names, exactly as named in spec §6's inbound table.
const (
	EventCheckConnection   = "check-connection"
	EventConnect           = "connect"
	EventExecuteCommand    = "execute-command"
	EventExecuteBatch      = "execute-batch"
	EventRestartShell      = "restart-shell"
	EventResize            = "resize"
	EventInput             = "input"
	EventRefreshConnection = "refresh-connection"
	EventDisconnect        = "disconnect"
)

// Outbound event names, exactly as named in spec §6's outbound table.
const (
	EventConnected          = "connected"
	EventConnectionExists   = "connection-exists"
	EventError              = "error"
	EventEnded              = "ended"
	EventClosed             = "closed"
	EventData               = "data"
	EventErrorData          = "error-data"
	EventHeartbeat          = "heartbeat"
	EventSystemInfo         = "system-info"
	EventMonitoringData     = "monitoring-data"
	EventCommandOutputStream = "command-output-stream"
	EventCommandBatchResult = "command-batch-result"
	EventCommandError       = "command-error"
	EventProcessKilled      = "process-killed"
	EventProcessStatsUpdate = "process-stats-update"
)

// Transport is the one thing every component above this package needs from
// a live client connection: the ability to push a named event with a
// JSON-able payload, and to know its own id for Registry binding. A failing
// Emit must never be allowed to unwind into the SSH side of the gateway
// (spec §7 "Transport emissions are wrapped..."); implementations are
// expected to log and swallow write errors rather than return them to a
// caller that has no recovery action to take.
type Transport interface {
	// ID returns this transport's unique id, used as the Registry's
	// byTransport key.
	ID() string
	// Emit pushes a named event with its payload to the client. Emit never
	// blocks on SSH I/O and never panics; delivery failures are logged by
	// the implementation and reported back only as a best-effort error for
	// callers that want to short-circuit further work on a dead transport.
	Emit(event string, payload any) error
}

// ConnectedPayload is the payload for the connected / connection-exists
// events (spec §6).
type ConnectedPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// ErrorPayload is the payload for the error event (spec §6).
type ErrorPayload struct {
	Message string `json:"message"`
}

// EndedPayload and ClosedPayload share the same shape as ErrorPayload but
// are kept distinct so a caller building one never has to wonder whether
// the event name round-trips correctly.
type EndedPayload struct {
	Message string `json:"message"`
}

type ClosedPayload struct {
	Message string `json:"message"`
}

// HeartbeatPayload is the payload for the heartbeat event (spec §4.3).
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SystemInfoPayload carries the result of the post-connect uname/uptime
// background commands (spec §4.5).
type SystemInfoPayload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// MonitoringStat is one numeric sample (cpu or memory) in a monitoring-data
// event (spec §4.5, §6).
type MonitoringStat struct {
	Value float64 `json:"value"`
}

// MonitoringStats is the stats object inside a monitoring-data event.
type MonitoringStats struct {
	CPU    MonitoringStat `json:"cpu"`
	Memory MonitoringStat `json:"memory"`
}

// MonitoringDataPayload is the payload for the monitoring-data event.
type MonitoringDataPayload struct {
	Type  string          `json:"type"`
	Stats MonitoringStats `json:"stats"`
}

// CommandOutputStreamPayload is the payload for partial command output
// (spec §4.1 step 3, §6).
type CommandOutputStreamPayload struct {
	ExecutionID string `json:"executionId"`
	Output      string `json:"output"`
	Partial     bool   `json:"partial"`
}

// BatchResultEntry is one command's result inside a command-batch-result
// event (spec §4.6).
type BatchResultEntry struct {
	Command    string `json:"command"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Background bool   `json:"background"`
}

// CommandBatchResultPayload is the payload for the command-batch-result
// event.
type CommandBatchResultPayload struct {
	BatchID    string             `json:"batchId"`
	Results    []BatchResultEntry `json:"results"`
	Error      string             `json:"error,omitempty"`
	Background bool               `json:"background"`
}

// CommandErrorPayload is the payload for the command-error event (spec §4.6
// kill workflow).
type CommandErrorPayload struct {
	Command        string `json:"command"`
	Error          string `json:"error"`
	NeedsElevation bool   `json:"needsElevation"`
}

// ProcessKilledPayload is the payload for the process-killed event.
type ProcessKilledPayload struct {
	PID     int  `json:"pid"`
	Success bool `json:"success"`
}

// ProcessStatsUpdatePayload is the payload for the process-stats-update
// event.
type ProcessStatsUpdatePayload struct {
	Data string `json:"data"`
}

// EmitError wraps a failed Emit with the event name and transport id, so
// logs can tell which transport went away without the caller needing to
// format that itself.
func EmitError(transportID, event string, cause error) error {
	return fmt.Errorf("transport %s: emit %s: %w", transportID, event, cause)
}
