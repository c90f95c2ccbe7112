// Command gateway starts the SSH session gateway: it loads configuration,
// wires the Command Queue, Session Registry, Connection Orchestrator, Shell
// Streamer, Command Executor, and Janitor together, and serves the
// websocket transport and health endpoint over HTTP. Grounded on the
// teacher's main.go for the construct-then-route-then-wait-for-signal shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/sshgate/internal/config"
	"github.com/gluk-w/sshgate/internal/health"
	"github.com/gluk-w/sshgate/internal/hostkey"
	"github.com/gluk-w/sshgate/internal/janitor"
	"github.com/gluk-w/sshgate/internal/sshconn"
	"github.com/gluk-w/sshgate/internal/sshexec"
	"github.com/gluk-w/sshgate/internal/sshqueue"
	"github.com/gluk-w/sshgate/internal/sshshell"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport/wsadapter"
)

func main() {
	cfg := config.Load()

	registry := sshsession.NewRegistry()
	queue := sshqueue.New(cfg.QueueMaxConcurrent, cfg.QueueCommandDelay, cfg.QueueMaxPending)

	streamer := sshshell.New(queue, registry, sshshell.Config{
		OpenTimeout:         cfg.ShellOpenTimeout,
		OutputCoalesceDelay: cfg.OutputCoalesceDelay,
		MonitoringDelay:     cfg.MonitoringDelay,
		MonitoringInterval:  cfg.MonitoringInterval,
		RecordingEnabled:    cfg.RecordingEnabled,
	})

	hostKeyStore := hostkey.NewStore()
	connector := sshconn.New(registry, streamer, sshconn.HostKeyPolicyFunc(cfg.HostKeyPolicy, hostKeyStore))
	connector.Timeouts = sshconn.Timeouts{
		Auth:            cfg.AuthTimeout,
		Dial:            cfg.DialTimeout,
		KeepaliveEvery:  cfg.KeepaliveEvery,
		KeepaliveMissed: cfg.KeepaliveMissed,
		MaxSessions:     cfg.MaxSSHSessions,
		Watchdog:        5 * time.Second,
	}

	executor := sshexec.New(queue, registry)

	j := janitor.New(registry, janitor.Config{
		IdleCheckInterval:   cfg.IdleExpiryInterval,
		IdleThreshold:       cfg.IdleTimeout,
		MemoryCheckInterval: cfg.MemoryCheckInterval,
		MemoryThresholdMiB:  cfg.MemoryPressureMiB,
	})
	if err := j.Start(); err != nil {
		log.Fatalf("janitor: failed to start: %v", err)
	}

	wsHandler := &wsadapter.Handler{
		Registry:          registry,
		Connector:         connector,
		Executor:          executor,
		Streamer:          streamer,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}

	healthHandler := &health.Handler{Registry: registry, Queue: queue, StartedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/ws", wsHandler)

	addr := cfg.Host + ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("gateway listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("shutting down...")

	j.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	janitor.Shutdown(shutdownCtx, registry)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}

	log.Println("shutdown complete")
}
