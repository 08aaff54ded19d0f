// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package schedule

import (
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultSlice is the engine time a task gets before the round-robin policy
// rotates to the next runnable one.
const DefaultSlice = 10 * time.Millisecond

// rrPriv is the policy-private data carried by every task under round
// robin. The core never looks inside.
type rrPriv struct {
	wakes    int
	yields   int
	switches int
	lastRun  time.Time
}

// roundRobin rotates the engine through the runnable queue in wake order,
// one slice each.
type roundRobin struct {
	logger hclog.Logger
	slice  time.Duration

	// queue holds the runnable tasks; the head is the next owner. The
	// scheduler's dispatch lock serializes every hook, so no extra lock.
	queue []Task
}

// NewRoundRobin returns the reference scheduling policy. A non-positive
// slice falls back to DefaultSlice.
func NewRoundRobin(slice time.Duration) Policy {
	if slice <= 0 {
		slice = DefaultSlice
	}
	return &roundRobin{slice: slice}
}

func (r *roundRobin) Init(logger hclog.Logger) error {
	r.logger = logger.Named("rrobin")
	return nil
}

func (r *roundRobin) Deinit() {
	r.queue = nil
}

func (r *roundRobin) AllocVData(t Task) (any, error) {
	return &rrPriv{}, nil
}

func (r *roundRobin) FreeVData(priv any) {
}

func (r *roundRobin) Wake(t Task) {
	if slices.Contains(r.queue, t) {
		return
	}
	r.queue = append(r.queue, t)

	if priv, ok := t.SchedPriv().(*rrPriv); ok {
		priv.wakes++
	}
}

func (r *roundRobin) Sleep(t Task) {
	if i := slices.Index(r.queue, t); i >= 0 {
		r.queue = slices.Delete(r.queue, i, i+1)
	}
}

func (r *roundRobin) Yield(t Task) {
	if priv, ok := t.SchedPriv().(*rrPriv); ok {
		priv.yields++
	}
	// Rotation happens on the next DoSchedule anyway; a yield just gets
	// there sooner.
}

func (r *roundRobin) DoSchedule(now time.Time) TaskSlice {
	if len(r.queue) == 0 {
		return TaskSlice{}
	}

	next := r.queue[0]
	if len(r.queue) > 1 {
		r.queue = append(r.queue[1:], next)
	}

	if priv, ok := next.SchedPriv().(*rrPriv); ok {
		priv.switches++
		priv.lastRun = now
	}

	return TaskSlice{Task: next, Slice: r.slice}
}

func (r *roundRobin) ScheduleCompleted(t Task, err error) {
	if err != nil && t != nil {
		r.logger.Debug("switch did not complete", "task", t.Label(), "error", err)
	}
}
