// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package mock provides a scripted implementation of the coproc driver
// contract for exercising the core without any vendor silicon model.
package mock

import (
	"sync"

	"github.com/virtfwk/coproc-virt/coproc"
)

// Driver is a coproc.Driver whose behaviour the test scripts through its
// exported fields. The zero value is a well-behaved driver.
type Driver struct {
	mu        sync.Mutex
	instances map[uint32]*coproc.Instance

	// Errors returned by the corresponding contract calls. SwitchFromErrs
	// is consumed one entry per call, so a test can fail the first save
	// and let the retry through.
	InitErr        error
	SwitchFromErrs []error
	SwitchToErr    error

	InitCalls       int
	FreeCalls       int
	SwitchFromCalls int
	SwitchToCalls   int

	// LastFrom and LastTo record the most recent context switch halves;
	// nil stands for "no previous owner" and "idle" respectively.
	LastFrom *coproc.Instance
	LastTo   *coproc.Instance
}

// NewDriver returns a well-behaved scripted driver.
func NewDriver() *Driver {
	return &Driver{}
}

func (m *Driver) VcoprocInit(d *coproc.Domain, c *coproc.Device) (*coproc.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InitCalls++
	if m.InitErr != nil {
		return nil, m.InitErr
	}

	if m.instances == nil {
		m.instances = make(map[uint32]*coproc.Instance)
	}
	v := coproc.NewInstance(d, c)
	m.instances[d.ID()] = v
	return v, nil
}

func (m *Driver) VcoprocFree(d *coproc.Domain, v *coproc.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FreeCalls++
	delete(m.instances, d.ID())
}

func (m *Driver) VcoprocIsCreated(d *coproc.Domain, c *coproc.Device) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.instances[d.ID()]
	return ok
}

func (m *Driver) CtxSwitchFrom(v *coproc.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SwitchFromCalls++
	m.LastFrom = v

	if len(m.SwitchFromErrs) > 0 {
		err := m.SwitchFromErrs[0]
		m.SwitchFromErrs = m.SwitchFromErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Driver) CtxSwitchTo(v *coproc.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SwitchToCalls++
	m.LastTo = v
	return m.SwitchToErr
}

// Created reports whether the driver holds state for the domain.
func (m *Driver) Created(domID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.instances[domID]
	return ok
}
