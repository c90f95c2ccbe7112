// Package sshconn implements the Connection Orchestrator (spec §4.4): it
// turns a client's connect request into a dialed, authenticated SSH client,
// drives the NEW→DIALING→AUTHENTICATING→READY state machine, and hands the
// ready session off to the Shell Streamer. Grounded on the teacher's
// sshmanager/manager.go for the dial-with-context pattern and
// sshproxy/reconnect.go for the event-on-state-change style.
package sshconn

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshgate/internal/hostkey"
	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshalgo"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport"
)

// ConnectParams is the payload of an inbound connect event (spec §6).
type ConnectParams struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase,omitempty"`
}

// ShellOpener is the Orchestrator's handoff point to the Shell Streamer
// (spec §4.4 step 8 "invoke Shell Streamer"). Kept as an interface, the way
// the teacher's sshproxy package depends on an Orchestrator interface
// (reconnect.go) rather than a concrete type, so the Connector can be
// exercised without a real Streamer in tests.
type ShellOpener interface {
	Open(session *sshsession.Session, t transport.Transport)
}

// Timeouts bundles the Orchestrator's timing knobs (spec §4.4).
type Timeouts struct {
	Auth            time.Duration // hard auth timeout, default 15s
	Dial            time.Duration // ready timeout, default 30s
	KeepaliveEvery  time.Duration // default 10s
	KeepaliveMissed int           // default 3
	MaxSessions     int           // default 6
	Watchdog        time.Duration // progress-log tick while unauthenticated, default 5s
}

// DefaultTimeouts returns the spec §4.4/§6 default timing values.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Auth:            15 * time.Second,
		Dial:            30 * time.Second,
		KeepaliveEvery:  10 * time.Second,
		KeepaliveMissed: 3,
		MaxSessions:     6,
		Watchdog:        5 * time.Second,
	}
}

// Orchestrator owns connection dialing and authentication for every Connect
// call (spec §4.4). It holds no per-connection state itself; that lives on
// the Session it creates and inserts into the Registry.
type Orchestrator struct {
	Registry    *sshsession.Registry
	RateLimiter *RateLimiter
	HostKeys    func() ssh.HostKeyCallback
	Shell       ShellOpener
	Timeouts    Timeouts
}

// New creates an Orchestrator. hostKeys is called once per Connect to obtain
// the HostKeyCallback for that dial, so a TrustOnFirstUse policy sees every
// new connection.
func New(registry *sshsession.Registry, shell ShellOpener, hostKeys func() ssh.HostKeyCallback) *Orchestrator {
	return &Orchestrator{
		Registry:    registry,
		RateLimiter: NewRateLimiter(DefaultRateLimitConfig()),
		HostKeys:    hostKeys,
		Shell:       shell,
		Timeouts:    DefaultTimeouts(),
	}
}

// Connect validates params, registers a new Session and binds it to t, then
// dials and authenticates; on success it hands the Session to the Shell
// Streamer, on failure it removes the Session again (spec §4.4).
// Connect itself returns immediately after validation; the dial and auth
// handshake run on a background goroutine and report through t.Emit.
func (o *Orchestrator) Connect(t transport.Transport, params ConnectParams) {
	if err := validate(params); err != nil {
		emitError(t, err.Error())
		return
	}

	key, err := normalizeKey(params.PrivateKey)
	if err != nil {
		emitError(t, err.Error())
		return
	}

	if err := o.RateLimiter.Allow(params.Host, params.Username); err != nil {
		emitError(t, err.Error())
		return
	}

	sessionID := uuid.NewString()
	session := sshsession.New(sessionID, params.Host, params.Port, params.Username)
	o.Registry.Insert(session)
	o.Registry.Bind(t.ID(), sessionID)

	go o.dial(t, session, key, params.Passphrase)
}

// validate checks presence of every required connect field (spec §4.4 step 1).
func validate(p ConnectParams) error {
	if p.Host == "" || p.Port <= 0 || p.Username == "" || p.PrivateKey == "" {
		return fmt.Errorf("Missing required connection parameters")
	}
	return nil
}

// normalizeKey trims the private key, rejects anything that doesn't look
// like a PEM-encoded key, and normalizes line endings (spec §4.4 step 2).
func normalizeKey(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "-----BEGIN") || !strings.Contains(trimmed, "-----END") {
		return "", fmt.Errorf("Invalid private key format")
	}
	normalized := strings.ReplaceAll(trimmed, "\r\n", "\n")
	return normalized, nil
}

// dial builds the ssh.ClientConfig, arms the auth timeout and watchdog, and
// drives the session through DIALING → AUTHENTICATING → READY (spec §4.4
// steps 4-9). It runs on its own goroutine; Connect does not block on it.
func (o *Orchestrator) dial(t transport.Transport, session *sshsession.Session, key, passphrase string) {
	session.SetState(sshsession.StateDialing)

	signer, err := parseSigner(key, passphrase)
	if err != nil {
		o.fail(t, session, fmt.Sprintf("Invalid private key format: %v", err))
		return
	}

	authenticated := make(chan struct{})
	authTimer := time.AfterFunc(o.Timeouts.Auth, func() {
		select {
		case <-authenticated:
			return
		default:
		}
		if !session.Authenticated() {
			log.Printf("[orchestrator] session %s: authentication timeout", logutil.SanitizeForLog(session.ID))
			o.fail(t, session, "Authentication timeout")
		}
	})
	session.TrackTimer(authTimer)

	watchdog := time.NewTicker(o.Timeouts.Watchdog)
	session.TrackTicker(watchdog)
	go func() {
		for range watchdog.C {
			if session.Authenticated() || session.Destroyed() {
				return
			}
			log.Printf("[orchestrator] session %s: still authenticating with %s@%s",
				logutil.SanitizeForLog(session.ID), logutil.SanitizeForLog(session.Username), logutil.SanitizeForLog(session.Host))
		}
	}()

	session.SetState(sshsession.StateAuthenticating)

	clientConfig := &ssh.ClientConfig{
		User:            session.Username,
		Auth:            authMethods(signer),
		HostKeyCallback: o.HostKeys(),
		Timeout:         o.Timeouts.Dial,
	}
	sshalgo.Apply(clientConfig)

	addr := net.JoinHostPort(session.Host, fmt.Sprintf("%d", session.Port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	close(authenticated)
	watchdog.Stop()
	authTimer.Stop()

	if session.Destroyed() {
		if client != nil {
			client.Close()
		}
		return
	}

	if err != nil {
		o.RateLimiter.RecordFailure(session.Host, session.Username)
		o.fail(t, session, fmt.Sprintf("connect to %s: %v", logutil.SanitizeForLog(addr), err))
		return
	}

	o.RateLimiter.RecordSuccess(session.Host, session.Username)
	session.SetSSHClient(client)
	session.MarkAuthenticated()
	session.SetState(sshsession.StateReady)
	session.Touch()

	o.armKeepalive(session, client)

	log.Printf("[orchestrator] session %s ready for %s@%s", logutil.SanitizeForLog(session.ID),
		logutil.SanitizeForLog(session.Username), logutil.SanitizeForLog(session.Host))

	t.Emit(transport.EventConnected, transport.ConnectedPayload{
		Message:   "Connected",
		SessionID: session.ID,
	})

	if o.Shell != nil {
		o.Shell.Open(session, t)
	}
}

// authMethods implements the priority-ordered auth-method selector (spec
// §4.4 step 5): publickey first, keyboard-interactive answering every
// prompt with an empty string as a fallback for servers that refuse
// publickey outright.
func authMethods(signer ssh.Signer) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.PublicKeys(signer),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			return answers, nil
		}),
	}
}

// parseSigner parses a normalized PEM private key, using the passphrase to
// decrypt it if the key is encrypted and a passphrase was supplied.
func parseSigner(key, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(key))
}

// armKeepalive sends periodic keepalive requests and tears the session down
// once KeepaliveMissed consecutive requests fail (spec §4.4 step 4).
func (o *Orchestrator) armKeepalive(session *sshsession.Session, client *ssh.Client) {
	ticker := time.NewTicker(o.Timeouts.KeepaliveEvery)
	session.TrackTicker(ticker)
	missed := 0
	go func() {
		for range ticker.C {
			if session.Destroyed() {
				return
			}
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				log.Printf("[orchestrator] session %s: keepalive failed (%d/%d)",
					logutil.SanitizeForLog(session.ID), missed, o.Timeouts.KeepaliveMissed)
				if missed >= o.Timeouts.KeepaliveMissed {
					session.Destroy()
					return
				}
				continue
			}
			missed = 0
		}
	}()
}

// fail transitions the session to teardown, emits an error event, and
// destroys it (spec §4.4 step 9, §7 "auth" error kind).
func (o *Orchestrator) fail(t transport.Transport, session *sshsession.Session, message string) {
	emitError(t, message)
	o.Registry.Remove(session.ID)
	session.Destroy()
}

func emitError(t transport.Transport, message string) {
	t.Emit(transport.EventError, transport.ErrorPayload{Message: message})
}

// HostKeyPolicyFunc adapts the configured §9 policy into the
// func() ssh.HostKeyCallback shape Orchestrator.HostKeys expects,
// re-evaluating the policy fresh for every Connect call (needed for
// TrustOnFirstUse, whose callback closes over a shared Store but is
// otherwise stateless per dial). Pinned-fingerprint mode is deliberately
// not offered here: this gateway dials arbitrary operator-supplied hosts,
// so there is no single fingerprint to pin gateway-wide; hostkey.Pinned
// remains available for callers that do know one host's fingerprint ahead
// of time.
func HostKeyPolicyFunc(mode string, store *hostkey.Store) func() ssh.HostKeyCallback {
	if mode == "accept-any" {
		return func() ssh.HostKeyCallback { return hostkey.AcceptAny() }
	}
	return func() ssh.HostKeyCallback { return hostkey.TrustOnFirstUse(store) }
}
