package sshshell

import (
	"sync"
	"time"
)

// recordingEntry is a single timestamped shell I/O event, asciinema v2
// inspired, grounded on the teacher's sshterminal/recording.go.
type recordingEntry struct {
	Elapsed float64 `json:"elapsed"`
	Type    string  `json:"type"` // "o" for output, "i" for input
	Data    string  `json:"data"`
}

// recording captures shell I/O for a single session when enabled
// (SPEC_FULL §Supplemented features "Command recording"). It lives in
// memory only for the session's lifetime; nothing is written to disk.
type recording struct {
	mu         sync.Mutex
	entries    []recordingEntry
	startTime  time.Time
	maxEntries int
}

func newRecording(maxEntries int) *recording {
	return &recording{startTime: time.Now(), maxEntries: maxEntries}
}

func (r *recording) recordOutput(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return
	}
	r.entries = append(r.entries, recordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    "o",
		Data:    string(data),
	})
}

func (r *recording) recordInput(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return
	}
	r.entries = append(r.entries, recordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    "i",
		Data:    string(data),
	})
}

