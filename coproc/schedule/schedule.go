// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/hashicorp/go-hclog"
	"github.com/moby/pubsub"
	"gopkg.in/tomb.v2"
)

const (
	// switchRetryDelay is how long the dispatcher backs off after the
	// outgoing context refused to be saved.
	switchRetryDelay = time.Millisecond
)

var (
	ErrBusy         = errors.New("instance currently owns the engine")
	ErrAlreadyAdded = errors.New("instance is already registered with this scheduler")
	ErrNotSleeping  = errors.New("instance is not in a state it can be registered from")
)

// Scheduler time-multiplexes one physical coprocessor among its virtual
// instances. There is exactly one per device. The dispatch lock serializes
// DoSchedule and both halves of a context switch into one unit, so switches
// on a single device are totally ordered and never interleave.
type Scheduler struct {
	name   string
	logger hclog.Logger

	policy   Policy
	switcher Switcher
	clk      clock.Clock
	events   *pubsub.Publisher

	// mu is the per-device schedule lock guarding the runtime record.
	mu    sync.Mutex
	curr  Task
	timer clock.Timer

	t tomb.Tomb
}

// Option tweaks a Scheduler at construction time.
type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		s.clk = clk
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithEvents publishes StateChange and Switched notifications on the given
// publisher.
func WithEvents(p *pubsub.Publisher) Option {
	return func(s *Scheduler) {
		s.events = p
	}
}

// New builds the scheduler instance for one device and starts its dispatch
// loop. The policy's Init hook runs before the first dispatch.
func New(name string, policy Policy, switcher Switcher, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		name:     name,
		logger:   hclog.NewNullLogger(),
		policy:   policy,
		switcher: switcher,
		clk:      clock.NewClock(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sched").With("coproc", name)

	if err := policy.Init(s.logger); err != nil {
		return nil, fmt.Errorf("schedule: policy init for %q: %w", name, err)
	}

	s.timer = s.clk.NewTimer(time.Hour)
	s.timer.Stop()

	s.t.Go(s.run)

	return s, nil
}

// Name returns the device name this scheduler serves.
func (s *Scheduler) Name() string {
	return s.name
}

// Stop tears the dispatch loop down and deinitializes the policy. Any task
// still owning the engine keeps its hardware context untouched.
func (s *Scheduler) Stop() error {
	s.t.Kill(nil)
	err := s.t.Wait()

	s.mu.Lock()
	s.timer.Stop()
	s.mu.Unlock()

	s.policy.Deinit()
	return err
}

// run is the timer half of dispatching: every time a slice expires the
// engine is re-arbitrated. Dispatch requests from the wake, sleep and
// yield hooks run on the calling thread instead, the way the softirq does.
func (s *Scheduler) run() error {
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-s.timer.C():
			s.Schedule()
		}
	}
}

// AddTask registers a task with the scheduler, moving it from the unknown
// state into sleeping. The policy's private data is allocated here.
func (s *Scheduler) AddTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.SchedPriv() != nil {
		return ErrAlreadyAdded
	}
	if t.State() != StateUnknown {
		return fmt.Errorf("schedule: %w: %s is %s", ErrNotSleeping, t.Label(), t.State())
	}

	priv, err := s.policy.AllocVData(t)
	if err != nil {
		return fmt.Errorf("schedule: alloc vdata for %s: %w", t.Label(), err)
	}

	t.SetSchedPriv(priv)
	s.setState(t, StateSleeping)

	s.logger.Debug("task registered", "task", t.Label())
	return nil
}

// RemoveTask unregisters a task. It refuses with ErrBusy while the task
// owns the engine; the caller is expected to retry once the task has been
// scheduled out.
func (s *Scheduler) RemoveTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t == s.curr {
		return ErrBusy
	}

	s.policy.Sleep(t)
	s.setState(t, StateTerminating)

	if priv := t.SchedPriv(); priv != nil {
		s.policy.FreeVData(priv)
		t.SetSchedPriv(nil)
	}

	s.logger.Debug("task unregistered", "task", t.Label())
	return nil
}

// IsDestroyed reports whether the task has been fully unregistered.
func (s *Scheduler) IsDestroyed(t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.State() == StateTerminating
}

// Wake marks a sleeping task runnable and dispatches. Invoked by the
// vendor driver when guest work arrives, possibly from interrupt context,
// so it must not block on anything but the dispatch lock.
func (s *Scheduler) Wake(t Task) {
	s.mu.Lock()
	if t.State() != StateSleeping {
		s.mu.Unlock()
		return
	}
	s.policy.Wake(t)
	s.setState(t, StateWaiting)
	s.mu.Unlock()

	s.Schedule()
}

// Sleep removes a task from the runnable set. If the task currently owns
// the engine the removal doubles as a preemption request: the next dispatch
// will switch away from it.
func (s *Scheduler) Sleep(t Task) {
	s.mu.Lock()
	st := t.State()
	if st != StateWaiting && st != StateRunning {
		s.mu.Unlock()
		return
	}
	s.policy.Sleep(t)
	s.setState(t, StateSleeping)
	preempt := st == StateRunning
	s.mu.Unlock()

	if preempt {
		s.Schedule()
	}
}

// Yield lets the running task volunteer the engine; the hand-over happens
// on the next dispatch.
func (s *Scheduler) Yield(t Task) {
	s.mu.Lock()
	if t.State() != StateRunning {
		s.mu.Unlock()
		return
	}
	s.policy.Yield(t)
	s.mu.Unlock()

	s.Schedule()
}

// Completed lets a vendor driver report the outcome of a context switch it
// finished asynchronously.
func (s *Scheduler) Completed(t Task, err error) {
	s.mu.Lock()
	s.policy.ScheduleCompleted(t, err)
	s.mu.Unlock()
}

// Current returns the task presently owning the engine, or nil.
func (s *Scheduler) Current() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curr
}

// Schedule runs one dispatch: ask the policy who should own the engine and
// orchestrate the context switch if the answer differs from the current
// owner. Safe to call from any goroutine; the dispatch loop calls it on
// every timer fire, and the wake, sleep and yield hooks call it on their
// own calling thread.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	slice := s.policy.DoSchedule(s.clk.Now())
	next := slice.Task

	if next == s.curr {
		if next != nil {
			if cr, ok := s.policy.(ContinueRunner); ok {
				cr.ContinueRunning(next)
			}
		}
		s.rearm(slice.Slice)
		return
	}

	if err := s.switcher.SwitchFrom(s.curr); err != nil {
		// The outgoing context refused to be saved. Keep the current
		// owner and retry shortly.
		s.logger.Warn("context switch-from failed, retrying",
			"task", label(s.curr), "error", err)
		s.policy.ScheduleCompleted(next, err)
		s.rearm(switchRetryDelay)
		return
	}

	if err := s.switcher.SwitchTo(next); err != nil {
		// The previous owner is already torn down; there is no state the
		// engine can be put back into.
		panic(fmt.Sprintf("schedule: failed to switch context to %q on %q: %v",
			label(next), s.name, err))
	}

	prev := s.curr
	if prev != nil && prev.State() == StateRunning {
		s.setState(prev, StateWaiting)
	}
	if next != nil {
		s.setState(next, StateRunning)
	}
	s.curr = next

	s.policy.ScheduleCompleted(next, nil)
	s.rearm(slice.Slice)

	s.publish(Switched{Scheduler: s.name, From: label(prev), To: label(next)})
	s.logger.Trace("context switched", "from", label(prev), "to", label(next),
		"slice", slice.Slice)
}

// rearm resets the dispatch timer; a zero slice leaves it unarmed, e.g.
// when the engine went idle.
func (s *Scheduler) rearm(slice time.Duration) {
	s.timer.Stop()
	if slice > 0 {
		s.timer.Reset(slice)
	}
}

func (s *Scheduler) setState(t Task, to State) {
	from := t.State()
	if from == to {
		return
	}
	t.SetState(to)
	s.publish(StateChange{Scheduler: s.name, Task: t.Label(), From: from, To: to})
}

func (s *Scheduler) publish(ev any) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func label(t Task) string {
	if t == nil {
		return ""
	}
	return t.Label()
}
