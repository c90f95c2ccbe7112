// Package sshexec implements the Command Executor (spec §4.6): single
// command execution with an ack callback, batch execution in chunks of
// three, and the kill-process workflow with its privilege-elevation and
// process-verification follow-ups. Grounded on the teacher's
// sshmanager/manager.go for the "enqueue, inspect result, react" shape this
// package repeats three times over inside the kill workflow.
package sshexec

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshqueue"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport"
)

// batchChunkSize is the number of commands dispatched concurrently per
// batch chunk (spec §4.6).
const batchChunkSize = 3

// AckResult is what ExecuteCommand's ack callback receives, mirroring the
// shape of sshqueue.Result minus the internal Background flag's purpose
// (the caller already knows what it asked for).
type AckResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// CommandParams is the payload of an inbound execute-command event (spec §6).
type CommandParams struct {
	Command     string `json:"command"`
	Background  bool   `json:"background,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
}

// BatchParams is the payload of an inbound execute-batch event (spec §6).
type BatchParams struct {
	Commands   []string `json:"commands"`
	BatchID    string   `json:"batchId"`
	Background bool     `json:"background,omitempty"`
}

// Executor implements ExecuteCommand and ExecuteBatch over a shared Command
// Queue, plus the kill-process workflow (spec §4.6).
type Executor struct {
	Queue    *sshqueue.Queue
	Registry *sshsession.Registry
}

// New creates an Executor backed by queue and registry.
func New(queue *sshqueue.Queue, registry *sshsession.Registry) *Executor {
	return &Executor{Queue: queue, Registry: registry}
}

// sessionFor resolves sessionID to an authenticated Session, or nil with an
// acked error if it can't be used (spec §4.6 "validate that the Session
// exists and is authenticated").
func (e *Executor) sessionFor(sessionID string, ack func(AckResult)) *sshsession.Session {
	session := e.Registry.Get(sessionID)
	if session == nil || !session.Authenticated() {
		ack(AckResult{Error: "No active session"})
		return nil
	}
	return session
}

// ExecuteCommand validates the session, routes kill-pattern commands to the
// kill workflow, and otherwise enqueues the command on the Command Queue
// with the caller's background/stream flags (spec §4.6).
func (e *Executor) ExecuteCommand(t transport.Transport, sessionID string, params CommandParams, ack func(AckResult)) {
	session := e.sessionFor(sessionID, ack)
	if session == nil {
		return
	}

	if sshqueue.IsKillCommand(params.Command) {
		ack(AckResult{Output: "Kill request accepted"})
		go e.killWorkflow(t, session, params.Command)
		return
	}

	var streamer sshqueue.PartialStreamer
	if params.Stream {
		streamer = &outputStreamAdapter{t: t}
	}

	err := e.Queue.Enqueue(&sshqueue.Entry{
		Session:       session,
		Command:       params.Command,
		Background:    params.Background,
		StreamPartial: params.Stream,
		ExecutionID:   params.ExecutionID,
		Streamer:      streamer,
		Callback: func(r sshqueue.Result) {
			session.TouchCommand()
			result := AckResult{Output: r.Output}
			if r.Error != nil {
				result.Error = r.Error.Error()
			}
			ack(result)
		},
	})
	if err != nil {
		ack(AckResult{Error: err.Error()})
	}
}

// outputStreamAdapter bridges sshqueue.PartialStreamer to a command-output-
// stream event on the owning transport (spec §6).
type outputStreamAdapter struct {
	t transport.Transport
}

func (a *outputStreamAdapter) StreamPartial(executionID, chunk string) {
	a.t.Emit(transport.EventCommandOutputStream, transport.CommandOutputStreamPayload{
		ExecutionID: executionID,
		Output:      chunk,
		Partial:     true,
	})
}

// ExecuteBatch partitions commands into chunks of three, dispatches each
// chunk's members concurrently through the Queue, and emits a single
// command-batch-result once every chunk has completed (spec §4.6).
func (e *Executor) ExecuteBatch(t transport.Transport, sessionID string, params BatchParams) {
	session := e.Registry.Get(sessionID)
	if session == nil || !session.Authenticated() {
		t.Emit(transport.EventCommandBatchResult, transport.CommandBatchResultPayload{
			BatchID:    params.BatchID,
			Results:    nil,
			Error:      "No active session",
			Background: params.Background,
		})
		return
	}

	results := make([]transport.BatchResultEntry, len(params.Commands))

	for start := 0; start < len(params.Commands); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(params.Commands) {
			end = len(params.Commands)
		}
		chunk := params.Commands[start:end]
		done := make(chan struct{}, len(chunk))

		for i, cmd := range chunk {
			idx := start + i
			command := cmd
			err := e.Queue.Enqueue(&sshqueue.Entry{
				Session:    session,
				Command:    command,
				Background: params.Background,
				Callback: func(r sshqueue.Result) {
					entry := transport.BatchResultEntry{
						Command:    command,
						Output:     r.Output,
						Background: params.Background,
					}
					if r.Error != nil {
						entry.Error = r.Error.Error()
					}
					results[idx] = entry
					done <- struct{}{}
				},
			})
			if err != nil {
				results[idx] = transport.BatchResultEntry{Command: command, Error: err.Error(), Background: params.Background}
				done <- struct{}{}
			}
		}

		for range chunk {
			<-done
		}
	}

	t.Emit(transport.EventCommandBatchResult, transport.CommandBatchResultPayload{
		BatchID:    params.BatchID,
		Results:    results,
		Background: params.Background,
	})
}

// killPIDPattern captures the target pid out of a kill command already
// known to match sshqueue.IsKillCommand.
var killPIDPattern = regexp.MustCompile(`^(?:sudo\s+)?kill\s+-\d+\s+(\d+)$`)

const (
	ansiRed   = "\x1b[31m%s\x1b[0m\r\n"
	ansiGreen = "\x1b[32m%s\x1b[0m\r\n"
)

// killWorkflow drives the multi-step kill-process sequence: run the kill,
// check for a permission error, verify the process actually died, then
// report a fresh process table (spec §4.6 "Kill workflow"). No teacher or
// sibling package in the pack runs a comparable multi-step remote-process
// kill sequence, so the verification/process-stats commands below are
// written directly from spec §4.6 rather than transcribed from a source.
func (e *Executor) killWorkflow(t transport.Transport, session *sshsession.Session, killCmd string) {
	match := killPIDPattern.FindStringSubmatch(killCmd)
	var pid int
	if match != nil {
		pid, _ = strconv.Atoi(match[1])
	}

	killDone := make(chan sshqueue.Result, 1)
	if err := e.Queue.Enqueue(&sshqueue.Entry{
		Session: session, Command: killCmd,
		Callback: func(r sshqueue.Result) { killDone <- r },
	}); err != nil {
		log.Printf("[exec] session %s: kill command not enqueued: %v", logutil.SanitizeForLog(session.ID), err)
		return
	}
	result := <-killDone

	if result.Error != nil {
		needsElevation := strings.Contains(result.ErrorOutput, "Operation not permitted") ||
			strings.Contains(result.ErrorOutput, "Permission denied")
		t.Emit(transport.EventCommandError, transport.CommandErrorPayload{
			Command:        killCmd,
			Error:          result.Error.Error(),
			NeedsElevation: needsElevation,
		})
		if needsElevation {
			t.Emit(transport.EventData, fmt.Sprintf(ansiRed, "Permission denied: elevated privileges required to kill this process"))
		}
		return
	}

	e.verifyKillAndReportStats(t, session, pid)
}

// verifyKillAndReportStats checks whether pid is actually gone, reports
// process-killed, then refreshes the top-20-by-CPU process table (spec §4.6).
func (e *Executor) verifyKillAndReportStats(t transport.Transport, session *sshsession.Session, pid int) {
	verifyDone := make(chan sshqueue.Result, 1)
	verifyCmd := fmt.Sprintf("ps -p %d > /dev/null 2>&1; echo $?", pid)
	if err := e.Queue.Enqueue(&sshqueue.Entry{
		Session: session, Command: verifyCmd, Background: true,
		Callback: func(r sshqueue.Result) { verifyDone <- r },
	}); err != nil {
		log.Printf("[exec] session %s: kill verification not enqueued: %v", logutil.SanitizeForLog(session.ID), err)
		return
	}
	verifyResult := <-verifyDone

	success := verifyResult.Error == nil && strings.TrimSpace(verifyResult.Output) == "1"

	t.Emit(transport.EventProcessKilled, transport.ProcessKilledPayload{PID: pid, Success: success})
	if success {
		t.Emit(transport.EventData, fmt.Sprintf(ansiGreen, fmt.Sprintf("Process %d terminated", pid)))
	} else {
		t.Emit(transport.EventData, fmt.Sprintf(ansiRed, fmt.Sprintf("Process %d is still running", pid)))
	}

	statsDone := make(chan sshqueue.Result, 1)
	if err := e.Queue.Enqueue(&sshqueue.Entry{
		Session: session, Command: "ps aux --sort=-%cpu | head -20", Background: true,
		Callback: func(r sshqueue.Result) { statsDone <- r },
	}); err != nil {
		log.Printf("[exec] session %s: process stats refresh not enqueued: %v", logutil.SanitizeForLog(session.ID), err)
		return
	}
	statsResult := <-statsDone
	if statsResult.Error == nil {
		t.Emit(transport.EventProcessStatsUpdate, transport.ProcessStatsUpdatePayload{Data: statsResult.Output})
	}
}
