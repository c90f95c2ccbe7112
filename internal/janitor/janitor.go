// Package janitor implements the Janitor & Shutdown component (spec §4.7):
// idle-session expiry, memory-pressure eviction, and the graceful-shutdown
// teardown sequence. Grounded on the teacher's main.go for the shutdown
// shape (signal.NotifyContext, parallel teardown, timeout-bounded close)
// and on the teacher's go.mod for the scheduling library, since the
// teacher's own periodic session-cleanup goroutine is a bare time.Ticker
// loop that this package upgrades to cron expressions for two independently
// tunable schedules.
package janitor

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshsession"
)

// Config bundles the Janitor's timing and threshold knobs (spec §4.7).
type Config struct {
	IdleCheckInterval   time.Duration // default 10m
	IdleThreshold       time.Duration // default 30m
	MemoryCheckInterval time.Duration // default 2m
	MemoryThresholdMiB  uint64        // default 800
}

// DefaultConfig returns the spec §4.7 default values.
func DefaultConfig() Config {
	return Config{
		IdleCheckInterval:   10 * time.Minute,
		IdleThreshold:       30 * time.Minute,
		MemoryCheckInterval: 2 * time.Minute,
		MemoryThresholdMiB:  800,
	}
}

// Janitor runs the two periodic sweeps against a Registry on a cron
// scheduler, and exposes Shutdown for the process's graceful-teardown path.
type Janitor struct {
	Registry *sshsession.Registry
	Cfg      Config

	cron *cron.Cron
	now  func() time.Time // overridden in tests
}

// New creates a Janitor over registry. It does not start scheduling until
// Start is called.
func New(registry *sshsession.Registry, cfg Config) *Janitor {
	return &Janitor{
		Registry: registry,
		Cfg:      cfg,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start schedules both sweeps and begins running them in the background.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(every(j.Cfg.IdleCheckInterval), j.expireIdleSessions); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(every(j.Cfg.MemoryCheckInterval), j.relieveMemoryPressure); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, letting any in-flight sweep finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// expireIdleSessions destroys every Session whose last activity is older
// than IdleThreshold (spec §4.7 rule 1).
func (j *Janitor) expireIdleSessions() {
	now := j.now()
	for _, session := range j.Registry.List() {
		if now.Sub(session.LastActivity()) > j.Cfg.IdleThreshold {
			log.Printf("[janitor] session %s idle beyond %s, destroying", logutil.SanitizeForLog(session.ID), j.Cfg.IdleThreshold)
			j.Registry.Remove(session.ID)
			session.Destroy()
		}
	}
}

// relieveMemoryPressure evicts every unauthenticated Session once heap
// usage crosses MemoryThresholdMiB, then requests a GC cycle. Authenticated
// sessions are never touched by memory pressure (spec §4.7 rule 2).
func (j *Janitor) relieveMemoryPressure() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMiB := m.HeapAlloc / (1024 * 1024)
	if m.HeapAlloc <= j.Cfg.MemoryThresholdMiB*1024*1024 {
		return
	}

	log.Printf("[janitor] heap at %d MiB exceeds %d MiB threshold, evicting unauthenticated sessions",
		heapMiB, j.Cfg.MemoryThresholdMiB)

	evicted := 0
	for _, session := range j.Registry.List() {
		if session.Authenticated() {
			continue
		}
		j.Registry.Remove(session.ID)
		session.Destroy()
		evicted++
	}
	log.Printf("[janitor] evicted %d unauthenticated session(s)", evicted)
	runtime.GC()
}

// Shutdown tears down every registered session in parallel, then clears the
// Registry, mirroring the teacher's termMgr.Stop()/sshMgr.CloseAll() pattern
// in main.go but applied across the whole Registry instead of two separate
// managers (spec §4.7 "Graceful shutdown").
func Shutdown(ctx context.Context, registry *sshsession.Registry) {
	sessions := registry.List()
	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, session := range sessions {
		go func(s *sshsession.Session) {
			defer wg.Done()
			s.Destroy()
			registry.Remove(s.ID)
		}(session)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[janitor] shutdown timed out with %d session(s) still tearing down", len(sessions))
	}
}
