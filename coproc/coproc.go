// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package coproc is the core of coprocessor virtualization: a registry of
// the physical coprocessors discovered at boot, per-domain virtual
// instances of them, and the control surface guests use to attach one.
// Time-multiplexing of the physical engines lives in coproc/schedule.
package coproc

import (
	"errors"
	"sync"

	"github.com/virtfwk/coproc-virt/coproc/schedule"
	device "github.com/virtfwk/coproc-virt/internal/shared"
)

var (
	ErrNotFound        = errors.New("no registered coproc at this path")
	ErrAlreadyExists   = errors.New("coproc attachment already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrRetry           = errors.New("instance is being scheduled out, retry")
)

// Driver is the capability set a vendor coproc driver must provide. It is
// the sole extension point of the core; there is no dynamic loading.
type Driver interface {
	// VcoprocInit constructs the vendor-specific state for a new virtual
	// instance of the coproc in the given domain.
	VcoprocInit(d *Domain, c *Device) (*Instance, error)

	// VcoprocFree tears a virtual instance down. It must be safe to call
	// on a partially constructed instance.
	VcoprocFree(d *Domain, v *Instance)

	// VcoprocIsCreated reports whether this (domain, coproc) pairing
	// already has state.
	VcoprocIsCreated(d *Domain, c *Device) bool

	// CtxSwitchFrom saves the hardware context of the outgoing instance;
	// nil means there is no previous owner. May fail recoverably.
	CtxSwitchFrom(v *Instance) error

	// CtxSwitchTo loads the hardware context of the incoming instance;
	// nil idles the hardware. Failure is fatal to the hypervisor.
	CtxSwitchTo(v *Instance) error
}

// Device is one physical coprocessor. Created by a vendor probe during
// init when the platform description enumerates a matching node, handed to
// the registry, and never destroyed.
type Device struct {
	desc   *device.Desc
	driver Driver
	sched  *schedule.Scheduler

	// mu guards the list of virtual instances created from this device.
	mu        sync.Mutex
	instances []*Instance
}

// NewDevice wraps a validated device description and its vendor driver.
func NewDevice(desc *device.Desc, driver Driver) *Device {
	return &Device{
		desc:   desc,
		driver: driver,
	}
}

// Path returns the canonical device path, the stable identifier the
// registry keys on.
func (c *Device) Path() string {
	return c.desc.Path
}

// Desc returns the platform description of the device.
func (c *Device) Desc() *device.Desc {
	return c.desc
}

// Driver returns the vendor driver contract bound to the device.
func (c *Device) Driver() Driver {
	return c.driver
}

// Scheduler returns the scheduler instance time-multiplexing this device,
// or nil before the device has been registered.
func (c *Device) Scheduler() *schedule.Scheduler {
	return c.sched
}

// Instances returns a snapshot of the virtual instances currently created
// from this device.
func (c *Device) Instances() []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Instance, len(c.instances))
	copy(out, c.instances)
	return out
}

func (c *Device) addInstance(v *Instance) {
	c.mu.Lock()
	c.instances = append(c.instances, v)
	c.mu.Unlock()
}

func (c *Device) removeInstance(v *Instance) {
	c.mu.Lock()
	for i, cur := range c.instances {
		if cur == v {
			c.instances = append(c.instances[:i], c.instances[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// SwitchFrom adapts the vendor contract to the scheduler's switcher seam.
func (c *Device) SwitchFrom(t schedule.Task) error {
	return c.driver.CtxSwitchFrom(toInstance(t))
}

// SwitchTo adapts the vendor contract to the scheduler's switcher seam.
func (c *Device) SwitchTo(t schedule.Task) error {
	return c.driver.CtxSwitchTo(toInstance(t))
}

func toInstance(t schedule.Task) *Instance {
	if t == nil {
		return nil
	}
	return t.(*Instance)
}
