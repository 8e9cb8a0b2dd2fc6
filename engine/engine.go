// Copyright 2020 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine implements UpdateEngine (spec §4.4): the top-level
// state machine that drives provisioning, manifest reporting, metadata
// refresh, the update decision, download, install, reboot, and
// finalization. It is a single goroutine draining an MPMC command
// channel (spec §5), one Command run to completion before the next is
// read, with events queued on an outbound channel that never blocks the
// engine.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/bootloader"
	"github.com/uptaneclient/primary/cryptoprovider"
	"github.com/uptaneclient/primary/fetcher"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/packagemanager"
	"github.com/uptaneclient/primary/secondary"
	"github.com/uptaneclient/primary/storage"
	"github.com/uptaneclient/primary/uptane"
)

// State is one of the engine's top-level lifecycle states (spec §4.4).
type State int

const (
	StateUninitialized State = iota
	StateProvisioned
	StateIdle
	StateFetchingMeta
	StateUpdatesAvailable
	StateDownloading
	StateInstalling
	StateNeedsReboot
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateProvisioned:
		return "Provisioned"
	case StateIdle:
		return "Idle"
	case StateFetchingMeta:
		return "FetchingMeta"
	case StateUpdatesAvailable:
		return "UpdatesAvailable"
	case StateDownloading:
		return "Downloading"
	case StateInstalling:
		return "Installing"
	case StateNeedsReboot:
		return "NeedsReboot"
	case StateFinalizing:
		return "Finalizing"
	default:
		return "Unknown"
	}
}

// CommandKind names one of the engine's idempotent top-level operations
// (spec §4.4).
type CommandKind int

const (
	CmdProvision CommandKind = iota
	CmdSendDeviceData
	CmdFetchMeta
	CmdCheckUpdates
	CmdDownload
	CmdInstall
	CmdFinalize
)

func (c CommandKind) String() string {
	switch c {
	case CmdProvision:
		return "Provision"
	case CmdSendDeviceData:
		return "SendDeviceData"
	case CmdFetchMeta:
		return "FetchMeta"
	case CmdCheckUpdates:
		return "CheckUpdates"
	case CmdDownload:
		return "Download"
	case CmdInstall:
		return "Install"
	case CmdFinalize:
		return "Finalize"
	default:
		return "Unknown"
	}
}

// Command is one unit of work placed on the engine's command channel.
// Done, if non-nil, is closed after the terminal Event for this command
// has been emitted, letting a synchronous caller wait for completion
// without inspecting the event stream itself.
type Command struct {
	Kind CommandKind
	ID   string
	Done chan struct{}
}

// EventKind names the shape of an Event.
type EventKind int

const (
	EventComplete EventKind = iota
	EventError
)

// Event is emitted exactly once per Command (spec §7: "every command
// emits exactly one terminal event"), onto an outbound channel the
// engine never blocks writing to.
type Event struct {
	Command CommandKind
	ID      string
	Kind    EventKind
	State   State
	Err     error
	// Data carries command-specific results (e.g. []api.Target for
	// CmdCheckUpdates), left untyped because each command shapes its own
	// payload; callers type-assert based on Command.
	Data interface{}
}

// Engine is the UpdateEngine. Construct with New and start its command
// loop with Run in its own goroutine.
type Engine struct {
	Storage      storage.Storage
	Crypto       cryptoprovider.Provider
	Director     *uptane.Repository
	Image        *uptane.Repository
	Fetcher      *fetcher.Fetcher
	Primary      packagemanager.Driver
	Bootloader   bootloader.Bootloader
	Secondaries  map[api.EcuSerial]secondary.Secondary
	PollInterval time.Duration

	mu    sync.Mutex
	state State

	commands chan Command
	events   chan Event

	inventory api.EcuInventory
	deviceKID string

	// lastApproved is the set of targets most recently approved by
	// FetchMeta/CheckUpdates, consumed by Download/Install.
	lastApproved []api.Target
}

// New constructs an Engine in StateUninitialized. The caller must still
// populate Storage/Crypto/Director/Image/Fetcher/Primary/Secondaries
// before calling Run.
func New() *Engine {
	return &Engine{
		state:       StateUninitialized,
		commands:    make(chan Command, 16),
		events:      make(chan Event, 64),
		Secondaries: map[api.EcuSerial]secondary.Secondary{},
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Events returns the channel Event values are published on. Consumers
// must drain it; the engine's internal send is non-blocking into a
// buffered channel, and once an unread backlog fills the buffer further
// events are dropped (with a warning log) rather than delaying command
// completion.
func (e *Engine) Events() <-chan Event { return e.events }

// Enqueue places a Command on the engine's command channel, returning
// its generated ID. The caller may select on cmd.Done (if non-nil) or
// filter Events() by ID to observe completion.
func (e *Engine) Enqueue(kind CommandKind, wantDone bool) Command {
	cmd := Command{Kind: kind, ID: uuid.NewString()}
	if wantDone {
		cmd.Done = make(chan struct{})
	}
	e.commands <- cmd
	return cmd
}

// Run drains the command channel until ctx is canceled, processing one
// Command to completion before reading the next (spec §5's single-
// threaded cooperative scheduling model).
func (e *Engine) Run(ctx context.Context) {
	token, cancel := flowcontrol.New(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.commands:
			e.process(ctx, token, cmd)
		}
	}
}

func (e *Engine) process(ctx context.Context, token flowcontrol.Token, cmd Command) {
	glog.V(1).Infof("engine: processing %s (id=%s) in state %s", cmd.Kind, cmd.ID, e.State())
	var (
		data interface{}
		err  error
	)
	switch cmd.Kind {
	case CmdProvision:
		err = e.doProvision(ctx, token)
	case CmdSendDeviceData:
		err = e.doSendDeviceData(ctx, token)
	case CmdFetchMeta:
		data, err = e.doFetchMeta(ctx, token)
	case CmdCheckUpdates:
		data, err = e.doCheckUpdates()
	case CmdDownload:
		data, err = e.doDownload(ctx, token)
	case CmdInstall:
		data, err = e.doInstall(ctx, token)
	case CmdFinalize:
		data, err = e.doFinalize()
	}
	e.emit(cmd, data, err)
	if cmd.Done != nil {
		close(cmd.Done)
	}
}

func (e *Engine) emit(cmd Command, data interface{}, err error) {
	kind := EventComplete
	if err != nil {
		kind = EventError
		glog.Warningf("engine: %s (id=%s) failed: %v", cmd.Kind, cmd.ID, err)
		if cmd.Kind != CmdProvision {
			// Per-command failures return the engine to Idle (spec
			// §4.4); Provision failure is fatal and the state is left
			// as-is so the caller can observe it never left
			// Uninitialized.
			e.setState(StateIdle)
		}
	}
	ev := Event{Command: cmd.Kind, ID: cmd.ID, Kind: kind, State: e.State(), Err: err, Data: data}
	select {
	case e.events <- ev:
	default:
		glog.Warningf("engine: event buffer full, dropping %s event for %s", kind, cmd.ID)
	}
}

// errIsolated wraps a per-target or per-Secondary failure that must not
// abort the surrounding batch (spec §7 propagation policy).
type errIsolated struct {
	what string
	err  error
}

func (e errIsolated) Error() string { return e.what + ": " + e.err.Error() }
func (e errIsolated) Unwrap() error { return e.err }
