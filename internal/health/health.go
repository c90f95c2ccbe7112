// Package health implements the gateway's GET /health endpoint (spec §6),
// grounded on the teacher's handlers/health.go writeJSON response shape.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gluk-w/sshgate/internal/sshqueue"
	"github.com/gluk-w/sshgate/internal/sshsession"
)

// Handler serves /health with the current Registry/Queue snapshot.
type Handler struct {
	Registry  *sshsession.Registry
	Queue     *sshqueue.Queue
	StartedAt time.Time
}

type response struct {
	Status          string `json:"status"`
	Connections     int    `json:"connections"`
	UptimeSeconds   int64  `json:"uptime"`
	MemoryBytes     uint64 `json:"memory"`
	QueuedCommands  int    `json:"queuedCommands"`
	RunningCommands int    `json:"runningCommands"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	state := h.Queue.State()

	resp := response{
		Status:          "healthy",
		Connections:     h.Registry.Count(),
		UptimeSeconds:   int64(time.Since(h.StartedAt).Seconds()),
		MemoryBytes:     m.HeapAlloc,
		QueuedCommands:  state.Pending,
		RunningCommands: state.Running,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
