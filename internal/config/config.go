// Package config loads gateway configuration from the environment, matching
// the envconfig-based settings loader used throughout the claworc control
// plane.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all environment-derived configuration for the gateway.
// HTTP routing, CORS enforcement, and the health endpoint's response shape
// are external collaborators (see spec §1); this struct only carries the
// values they need, not their behavior.
type Settings struct {
	Port       string `envconfig:"PORT" default:"3001"`
	SSHPort    string `envconfig:"SSH_SERVER_PORT" default:""`
	Host       string `envconfig:"HOST" default:"0.0.0.0"`
	CORSOrigin string `envconfig:"CORS_ORIGIN" default:"*"`
	NodeEnv    string `envconfig:"NODE_ENV" default:"development"`
	ProdURL    string `envconfig:"PRODUCTION_URL" default:""`

	// Command queue tuning (§4.1).
	QueueMaxConcurrent int           `envconfig:"QUEUE_MAX_CONCURRENT" default:"3"`
	QueueCommandDelay  time.Duration `envconfig:"QUEUE_COMMAND_DELAY" default:"300ms"`
	QueueMaxPending    int           `envconfig:"QUEUE_MAX_PENDING_PER_SESSION" default:"50"`

	// Janitor tuning (§4.7).
	IdleExpiryInterval     time.Duration `envconfig:"IDLE_EXPIRY_INTERVAL" default:"10m"`
	IdleTimeout            time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	MemoryCheckInterval    time.Duration `envconfig:"MEMORY_CHECK_INTERVAL" default:"2m"`
	MemoryPressureMiB      uint64        `envconfig:"MEMORY_PRESSURE_MIB" default:"800"`

	// Orchestrator tuning (§4.4).
	AuthTimeout     time.Duration `envconfig:"AUTH_TIMEOUT" default:"15s"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`
	KeepaliveEvery  time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"10s"`
	KeepaliveMissed int           `envconfig:"KEEPALIVE_COUNT_MAX" default:"3"`
	MaxSSHSessions  int           `envconfig:"MAX_SSH_SESSIONS" default:"6"`

	// Shell streamer tuning (§4.5).
	ShellOpenTimeout    time.Duration `envconfig:"SHELL_OPEN_TIMEOUT" default:"5s"`
	OutputCoalesceDelay time.Duration `envconfig:"OUTPUT_COALESCE_DELAY" default:"50ms"`
	MonitoringDelay     time.Duration `envconfig:"MONITORING_START_DELAY" default:"2s"`
	MonitoringInterval  time.Duration `envconfig:"MONITORING_INTERVAL" default:"1s"`

	// Transport adapter tuning (§4.3).
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`

	// HostKeyPolicy selects the §9 host-key verification policy: "accept-any"
	// disables verification; any other value, including "tofu", selects
	// trust-on-first-use. There is no gateway-wide pinned mode.
	HostKeyPolicy string `envconfig:"HOST_KEY_POLICY" default:"tofu"`

	// RecordingEnabled turns on in-memory session recording (SPEC_FULL §Supplemented features).
	RecordingEnabled bool `envconfig:"RECORDING_ENABLED" default:"false"`
}

// Load reads Settings from the environment using the bare variable names in
// the envconfig tags above, with no prefix.
func Load() Settings {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		log.Fatalf("config: failed to load settings: %v", err)
	}
	return s
}
