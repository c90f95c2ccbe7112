package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshgate/internal/sshqueue"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport"
)

// commandResponse describes how the test SSH server answers one exec
// command, keyed by a substring match against the command text.
type commandResponse struct {
	match      string
	stdout     string
	stderr     string
	exitStatus uint32
}

// testExecServer starts an in-process SSH server whose exec handler answers
// based on the command text, so the kill workflow's branches (permission
// denied, verified death, still running) can all be driven from one
// harness. Grounded on the same ssh.NewServerConn technique used by
// sshconn/orchestrator_test.go and sshshell/streamer_test.go.
func testExecServer(t *testing.T, responses []commandResponse) (addr string, cleanup func()) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("signer from host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handleTestExecConn(netConn, config, responses)
			}()
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		wg.Wait()
	}
}

func handleTestExecConn(netConn net.Conn, config *ssh.ServerConfig, responses []commandResponse) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveExecChannel(channel, requests, responses)
	}
}

type execRequestMsg struct {
	Command string
}

func serveExecChannel(channel ssh.Channel, requests <-chan *ssh.Request, responses []commandResponse) {
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload execRequestMsg
		ssh.Unmarshal(req.Payload, &payload)
		if req.WantReply {
			req.Reply(true, nil)
		}

		resp := commandResponse{exitStatus: 0}
		for _, r := range responses {
			if strings.Contains(payload.Command, r.match) {
				resp = r
				break
			}
		}

		go func() {
			if resp.stdout != "" {
				channel.Write([]byte(resp.stdout))
			}
			if resp.stderr != "" {
				channel.Stderr().Write([]byte(resp.stderr))
			}
			exitPayload := ssh.Marshal(struct{ Status uint32 }{resp.exitStatus})
			channel.SendRequest("exit-status", false, exitPayload)
			channel.Close()
		}()
	}
}

func testClient(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func newReadySession(t *testing.T, registry *sshsession.Registry, client *ssh.Client) *sshsession.Session {
	t.Helper()
	session := sshsession.New("sess-1", "127.0.0.1", 22, "root")
	session.SetSSHClient(client)
	session.MarkAuthenticated()
	session.SetState(sshsession.StateReady)
	registry.Insert(session)
	return session
}

type fakeTransport struct {
	mu sync.Mutex
	ev []struct {
		name    string
		payload any
	}
}

func (f *fakeTransport) ID() string { return "t1" }

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ev = append(f.ev, struct {
		name    string
		payload any
	}{event, payload})
	return nil
}

func (f *fakeTransport) waitFor(t *testing.T, event string, timeout time.Duration) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		for _, e := range f.ev {
			if e.name == event {
				f.mu.Unlock()
				return e.payload
			}
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExecuteCommandNoSessionAcksError(t *testing.T) {
	e := New(sshqueue.New(3, 0, 0), sshsession.NewRegistry())
	ackCh := make(chan AckResult, 1)

	e.ExecuteCommand(&fakeTransport{}, "missing", CommandParams{Command: "echo hi"}, func(r AckResult) { ackCh <- r })

	r := <-ackCh
	if r.Error == "" {
		t.Error("expected an error for an unknown session")
	}
}

func TestExecuteCommandAcksOutput(t *testing.T) {
	addr, cleanup := testExecServer(t, []commandResponse{{match: "echo", stdout: "hi\n"}})
	defer cleanup()
	client := testClient(t, addr)
	defer client.Close()

	registry := sshsession.NewRegistry()
	session := newReadySession(t, registry, client)
	e := New(sshqueue.New(3, 0, 0), registry)

	ackCh := make(chan AckResult, 1)
	e.ExecuteCommand(&fakeTransport{}, session.ID, CommandParams{Command: "echo hi"}, func(r AckResult) { ackCh <- r })

	select {
	case r := <-ackCh:
		if strings.TrimSpace(r.Output) != "hi" {
			t.Errorf("expected output %q, got %q", "hi", r.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestExecuteBatchEmitsSingleResult(t *testing.T) {
	addr, cleanup := testExecServer(t, []commandResponse{{match: "echo", stdout: "ok\n"}})
	defer cleanup()
	client := testClient(t, addr)
	defer client.Close()

	registry := sshsession.NewRegistry()
	session := newReadySession(t, registry, client)
	e := New(sshqueue.New(3, 0, 0), registry)

	tr := &fakeTransport{}
	e.ExecuteBatch(tr, session.ID, BatchParams{
		Commands: []string{"echo a", "echo b", "echo c", "echo d"},
		BatchID:  "batch-1",
	})

	payload := tr.waitFor(t, transport.EventCommandBatchResult, 2*time.Second)
	result, ok := payload.(transport.CommandBatchResultPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if len(result.Results) != 4 {
		t.Errorf("expected 4 results, got %d", len(result.Results))
	}
	for _, entry := range result.Results {
		if strings.TrimSpace(entry.Output) != "ok" {
			t.Errorf("expected output %q, got %q for %q", "ok", entry.Output, entry.Command)
		}
	}
}

func TestKillWorkflowPermissionDenied(t *testing.T) {
	addr, cleanup := testExecServer(t, []commandResponse{
		{match: "kill -9", stderr: "kill: (1234): Operation not permitted\n", exitStatus: 1},
	})
	defer cleanup()
	client := testClient(t, addr)
	defer client.Close()

	registry := sshsession.NewRegistry()
	session := newReadySession(t, registry, client)
	e := New(sshqueue.New(3, 0, 0), registry)

	tr := &fakeTransport{}
	ackCh := make(chan AckResult, 1)
	e.ExecuteCommand(tr, session.ID, CommandParams{Command: "kill -9 1234"}, func(r AckResult) { ackCh <- r })
	<-ackCh

	payload := tr.waitFor(t, transport.EventCommandError, 2*time.Second)
	result, ok := payload.(transport.CommandErrorPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if !result.NeedsElevation {
		t.Error("expected needsElevation to be true")
	}
	tr.waitFor(t, transport.EventData, time.Second)
}

func TestKillWorkflowSucceedsAndReportsStats(t *testing.T) {
	addr, cleanup := testExecServer(t, []commandResponse{
		{match: "kill -9", stdout: ""},
		{match: "ps -p", stdout: "1\n"},
		{match: "ps aux", stdout: "fake process table\n"},
	})
	defer cleanup()
	client := testClient(t, addr)
	defer client.Close()

	registry := sshsession.NewRegistry()
	session := newReadySession(t, registry, client)
	e := New(sshqueue.New(3, 0, 0), registry)

	tr := &fakeTransport{}
	ackCh := make(chan AckResult, 1)
	e.ExecuteCommand(tr, session.ID, CommandParams{Command: "kill -9 4321"}, func(r AckResult) { ackCh <- r })
	<-ackCh

	payload := tr.waitFor(t, transport.EventProcessKilled, 2*time.Second)
	killed, ok := payload.(transport.ProcessKilledPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if killed.PID != 4321 || !killed.Success {
		t.Errorf("expected {pid:4321, success:true}, got %+v", killed)
	}

	statsPayload := tr.waitFor(t, transport.EventProcessStatsUpdate, 2*time.Second)
	stats, ok := statsPayload.(transport.ProcessStatsUpdatePayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", statsPayload)
	}
	if strings.TrimSpace(stats.Data) != "fake process table" {
		t.Errorf("unexpected process table: %q", stats.Data)
	}
}
