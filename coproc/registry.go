// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package coproc

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v2"
	"github.com/moby/pubsub"

	"github.com/virtfwk/coproc-virt/coproc/schedule"
)

// Registry owns the physical coprocessors of the platform. It is populated
// once during hypervisor init and append-only afterwards; devices are never
// unregistered.
type Registry struct {
	logger    hclog.Logger
	newPolicy func() schedule.Policy
	schedOpts []schedule.Option

	mu      sync.Mutex
	devices []*Device
	paths   *set.Set[string]
}

// RegistryOption tweaks a Registry at construction time.
type RegistryOption func(*Registry)

func WithRegistryLogger(logger hclog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPolicy selects the scheduling policy installed on every device
// registered from now on. The default is round robin with the default
// slice.
func WithPolicy(factory func() schedule.Policy) RegistryOption {
	return func(r *Registry) {
		r.newPolicy = factory
	}
}

// WithSchedulerOptions forwards options, e.g. the clock or the event
// publisher, to every device scheduler the registry creates.
func WithSchedulerOptions(opts ...schedule.Option) RegistryOption {
	return func(r *Registry) {
		r.schedOpts = append(r.schedOpts, opts...)
	}
}

// WithEvents publishes scheduler notifications for all registered devices
// on the given publisher.
func WithEvents(p *pubsub.Publisher) RegistryOption {
	return WithSchedulerOptions(schedule.WithEvents(p))
}

// NewRegistry returns an empty device registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: hclog.NewNullLogger(),
		newPolicy: func() schedule.Policy {
			return schedule.NewRoundRobin(schedule.DefaultSlice)
		},
		paths: set.New[string](0),
	}

	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")

	return r
}

// Register inserts a device at the tail of the registry and brings up its
// scheduler instance. The canonical path must be unique; a device without
// a driver contract is rejected. Intended for init-time use only.
func (r *Registry) Register(c *Device) error {
	if c == nil || c.driver == nil {
		return fmt.Errorf("coproc: device needs a driver contract: %w", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paths.Contains(c.Path()) {
		return fmt.Errorf("coproc: %q: %w", c.Path(), ErrAlreadyExists)
	}

	sched, err := schedule.New(c.Path(), r.newPolicy(), c, r.schedOpts...)
	if err != nil {
		return fmt.Errorf("coproc: scheduler for %q: %w", c.Path(), err)
	}
	c.sched = sched

	r.devices = append(r.devices, c)
	r.paths.Insert(c.Path())

	r.logger.Info("registered new coproc", "path", c.Path())
	return nil
}

// FindByPath returns the device whose canonical path equals path, or nil.
// Linear over the registered count, which is bounded by hardware.
func (r *Registry) FindByPath(path string) *Device {
	if path == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.devices {
		if c.Path() == path {
			return c
		}
	}
	return nil
}

// Count returns the number of registered coprocessors.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Devices returns a snapshot of the registry in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Shutdown stops the scheduler of every registered device. The registry
// itself lives for the whole hypervisor lifetime; this only quiesces the
// dispatch loops, e.g. on the way down.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	devices := make([]*Device, len(r.devices))
	copy(devices, r.devices)
	r.mu.Unlock()

	var mErr *multierror.Error
	for _, c := range devices {
		if err := c.sched.Stop(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("coproc: stopping scheduler %q: %w", c.Path(), err))
		}
	}
	return mErr.ErrorOrNil()
}

// DumpState logs one line per device with the instance currently owning
// the engine, mirroring what the console key handler prints.
func (r *Registry) DumpState() {
	for _, c := range r.Devices() {
		curr := "idle"
		if t := c.sched.Current(); t != nil {
			curr = t.Label()
		}
		r.logger.Info("coproc", "path", c.Path(),
			"instances", len(c.Instances()), "running", curr)
	}
}
