// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package coproc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/virtfwk/coproc-virt/coproc/schedule"
)

// Instance is one virtual coprocessor: the attachment of a physical device
// to one guest domain. Both back-references are non-owning; the instance is
// threaded onto the device's list and the domain's list and destroyed by
// whoever logically releases it last, normally the domain on detach.
type Instance struct {
	id     uuid.UUID
	coproc *Device
	domain *Domain

	// mu guards the FSM state and both private pointers.
	mu        sync.Mutex
	state     schedule.State
	schedPriv any
	priv      any
}

// NewInstance builds the core half of a virtual instance. Vendor drivers
// call this from VcoprocInit and hang their own state off SetPriv.
func NewInstance(d *Domain, c *Device) *Instance {
	return &Instance{
		id:     uuid.New(),
		coproc: c,
		domain: d,
		state:  schedule.StateUnknown,
	}
}

// ID returns the unique identifier assigned to the instance at creation.
// The core's own logs and events name instances by Label, not by ID.
func (v *Instance) ID() uuid.UUID {
	return v.id
}

// Coproc returns the physical device this instance virtualizes.
func (v *Instance) Coproc() *Device {
	return v.coproc
}

// Domain returns the guest domain owning the instance. Valid for the whole
// lifetime of the instance: it is always destroyed before its domain.
func (v *Instance) Domain() *Domain {
	return v.domain
}

// Label implements schedule.Task.
func (v *Instance) Label() string {
	return fmt.Sprintf("%s:dom%d", v.coproc.Path(), v.domain.ID())
}

// State implements schedule.Task.
func (v *Instance) State() schedule.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetState implements schedule.Task. Only the scheduler core drives the
// FSM; everybody else observes.
func (v *Instance) SetState(s schedule.State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// SchedPriv implements schedule.Task. The pointer is owned entirely by the
// scheduling policy.
func (v *Instance) SchedPriv() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.schedPriv
}

// SetSchedPriv implements schedule.Task.
func (v *Instance) SetSchedPriv(priv any) {
	v.mu.Lock()
	v.schedPriv = priv
	v.mu.Unlock()
}

// Priv returns the vendor driver's private state for the instance.
func (v *Instance) Priv() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.priv
}

// SetPriv hangs vendor driver state off the instance.
func (v *Instance) SetPriv(priv any) {
	v.mu.Lock()
	v.priv = priv
	v.mu.Unlock()
}
