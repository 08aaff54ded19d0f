// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package schedule hosts the per-coprocessor scheduler: a finite state
// machine per virtual instance, a pluggable policy deciding who owns the
// physical engine next, and the context-switch orchestration between them.
package schedule

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// State is the position of a virtual instance in the scheduling FSM.
type State int

const (
	StateUnknown State = iota
	StateSleeping
	StateWaiting
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Task is the scheduler's view of a virtual instance. The core owns the
// state; the policy owns the private data and must treat the rest of the
// task as opaque.
type Task interface {
	// Label identifies the task in logs and events.
	Label() string

	State() State
	SetState(State)

	SchedPriv() any
	SetSchedPriv(any)
}

// Switcher moves the ownership of the physical engine between tasks. It is
// the device-side half of the vendor driver contract.
type Switcher interface {
	// SwitchFrom saves the hardware context of the outgoing task. A nil
	// task means there is no previous owner. Failure is recoverable: the
	// switch is aborted and retried later.
	SwitchFrom(t Task) error

	// SwitchTo loads the hardware context of the incoming task. A nil task
	// idles the hardware. Failure after a successful SwitchFrom is fatal.
	SwitchTo(t Task) error
}

// TaskSlice is a scheduling decision: who runs next and for how long. A nil
// Task idles the engine; a zero Slice leaves the dispatch timer unarmed.
type TaskSlice struct {
	Task  Task
	Slice time.Duration
}

// Policy is the pluggable algorithm hosted by a Scheduler. All hooks but
// Init and Deinit are invoked under the scheduler's dispatch lock; a policy
// must not call back into the scheduler from within them.
type Policy interface {
	Init(logger hclog.Logger) error
	Deinit()

	// AllocVData builds the policy-private data carried by a new task;
	// FreeVData releases it when the task is destroyed.
	AllocVData(t Task) (any, error)
	FreeVData(priv any)

	// Sleep removes the task from the runnable set. Wake inserts it. Yield
	// records that the running task volunteers the engine.
	Sleep(t Task)
	Wake(t Task)
	Yield(t Task)

	// DoSchedule picks the next owner of the engine.
	DoSchedule(now time.Time) TaskSlice

	// ScheduleCompleted is told the outcome of a previously decided
	// context switch.
	ScheduleCompleted(t Task, err error)
}

// ContinueRunner is an optional policy extension, invoked when a dispatch
// decides to leave the current owner where it is.
type ContinueRunner interface {
	ContinueRunning(t Task)
}

// StateChange is published on the event stream for every FSM transition.
type StateChange struct {
	Scheduler string
	Task      string
	From      State
	To        State
}

// Switched is published after a completed context switch. Empty labels
// stand for the idle engine.
type Switched struct {
	Scheduler string
	From      string
	To        string
}
