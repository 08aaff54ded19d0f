// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package coproc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/pubsub"

	"github.com/virtfwk/coproc-virt/coproc/schedule"
	"github.com/virtfwk/coproc-virt/rangeset"
)

// Domain is the coprocessor view of one guest partition: the set of
// virtual instances attached to it plus the resource rangesets those
// instances occupy.
type Domain struct {
	id    uint32
	name  string
	dying atomic.Bool

	// mu is the instance-list lock, the outermost lock of the hierarchy.
	// The detach path deliberately drops it before calling into the
	// scheduler.
	mu        sync.Mutex
	instances []*Instance

	rangesets *rangeset.List
	iomem     *rangeset.Set
	irqs      *rangeset.Set
}

// NewDomain builds the coproc view for a guest partition. Domain 0 is the
// control domain.
func NewDomain(id uint32, name string) *Domain {
	return &Domain{
		id:   id,
		name: name,
	}
}

// ID returns the domain identifier.
func (d *Domain) ID() uint32 {
	return d.id
}

// Name returns the human-readable domain name.
func (d *Domain) Name() string {
	return d.name
}

// IsControlDomain reports whether this is domain 0.
func (d *Domain) IsControlDomain() bool {
	return d.id == 0
}

// SetDying marks the domain as being torn down. Attach requests are
// refused from here on and the schedulers are free to idle its instances.
func (d *Domain) SetDying() {
	d.dying.Store(true)
}

// Dying reports whether the domain is on its way out.
func (d *Domain) Dying() bool {
	return d.dying.Load()
}

// NumInstances returns how many virtual coprocessors are attached. Never
// exceeds the registry's device count.
func (d *Domain) NumInstances() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// Instances returns a snapshot of the attached virtual coprocessors.
func (d *Domain) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Instance, len(d.instances))
	copy(out, d.instances)
	return out
}

// IomemRanges returns the MMIO windows occupied by the domain's attached
// coprocessors, or nil before DomainInit, when DomainInit found no coprocs
// registered, and after DomainFree has drained the domain.
func (d *Domain) IomemRanges() *rangeset.Set {
	return d.iomem
}

// IRQRanges returns the IRQ numbers occupied by the domain's attached
// coprocessors, or nil in the same cases as IomemRanges.
func (d *Domain) IRQRanges() *rangeset.Set {
	return d.irqs
}

func (d *Domain) firstInstance() *Instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.instances) == 0 {
		return nil
	}
	return d.instances[0]
}

// Manager is the virtual instance manager: the per-domain side of the
// coprocessor picture. One per hypervisor, bound to the device registry.
type Manager struct {
	logger   hclog.Logger
	registry *Registry
	events   *pubsub.Publisher
}

// ManagerOption tweaks a Manager at construction time.
type ManagerOption func(*Manager)

func WithManagerLogger(logger hclog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerEvents publishes Attached/Detached notifications on the given
// publisher.
func WithManagerEvents(p *pubsub.Publisher) ManagerOption {
	return func(m *Manager) {
		m.events = p
	}
}

// NewManager binds a virtual instance manager to a device registry.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   hclog.NewNullLogger(),
		registry: registry,
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("vcoproc")

	return m
}

// Attached is published on the event stream after a successful attach.
type Attached struct {
	Domain string
	Path   string
}

// Detached is published after a successful detach.
type Detached struct {
	Domain string
	Path   string
}

// DomainInit prepares the coproc view of a freshly created domain. With no
// coprocs registered it succeeds without allocating anything: the domain
// will never have any. bootCoprocs is the resolved boot-time attachment
// list; it is only ever non-empty for the control domain, and any item
// failing to attach is fatal to domain init.
func (m *Manager) DomainInit(d *Domain, bootCoprocs []string) error {
	if m.registry.Count() == 0 {
		return nil
	}

	d.rangesets = rangeset.NewList()

	var err error
	if d.iomem, err = d.rangesets.New("iomem", rangeset.PrettyPrintHex); err != nil {
		return fmt.Errorf("coproc: iomem ranges for dom%d: %w", d.id, err)
	}
	if d.irqs, err = d.rangesets.New("irqs", 0); err != nil {
		return fmt.Errorf("coproc: irq ranges for dom%d: %w", d.id, err)
	}

	if len(bootCoprocs) == 0 {
		return nil
	}

	m.logger.Info("got list of coprocs", "domain", d.name, "coprocs", bootCoprocs)

	for _, path := range bootCoprocs {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("coproc: boot coproc %q is not an absolute path: %w",
				path, ErrInvalidArgument)
		}
		if _, err := m.Attach(d, path); err != nil {
			m.logger.Error("failed to attach coproc", "path", path,
				"domain", d.name, "error", err)
			return fmt.Errorf("coproc: attaching %q to dom%d: %w", path, d.id, err)
		}
	}

	return nil
}

// Attach looks the path up in the registry, asks the vendor driver to
// construct a virtual instance, registers it with the device's scheduler
// and threads it onto the domain. Every step failure undoes the earlier
// successes.
func (m *Manager) Attach(d *Domain, path string) (*Instance, error) {
	if d.Dying() {
		return nil, fmt.Errorf("coproc: dom%d is dying: %w", d.id, ErrInvalidArgument)
	}

	c := m.registry.FindByPath(path)
	if c == nil {
		return nil, fmt.Errorf("coproc: %q: %w", path, ErrNotFound)
	}

	if c.driver.VcoprocIsCreated(d, c) {
		return nil, fmt.Errorf("coproc: %q on dom%d: %w", path, d.id, ErrAlreadyExists)
	}

	v, err := c.driver.VcoprocInit(d, c)
	if err != nil {
		return nil, fmt.Errorf("coproc: vcoproc init for %q: %w", path, err)
	}
	if v == nil {
		return nil, fmt.Errorf("coproc: vcoproc init for %q returned nothing: %w",
			path, ErrOutOfMemory)
	}

	if err := c.sched.AddTask(v); err != nil {
		c.driver.VcoprocFree(d, v)
		return nil, fmt.Errorf("coproc: registering %q with scheduler: %w", path, err)
	}

	if err := m.claimResources(d, c); err != nil {
		m.releaseResources(d, c)
		_ = c.sched.RemoveTask(v)
		c.driver.VcoprocFree(d, v)
		return nil, err
	}

	c.addInstance(v)

	d.mu.Lock()
	d.instances = append(d.instances, v)
	d.mu.Unlock()

	m.publish(Attached{Domain: d.name, Path: path})
	m.logger.Info("attached vcoproc", "path", path, "domain", d.name)

	return v, nil
}

// Detach asks the scheduler to destroy the instance's scheduler-side
// state, unlinks it from both lists and hands it back to the vendor
// driver. While the instance still owns the engine the scheduler refuses
// and Detach surfaces ErrRetry: ask again once it has been scheduled out.
func (m *Manager) Detach(d *Domain, v *Instance) error {
	c := v.coproc

	if err := c.sched.RemoveTask(v); err != nil {
		if errors.Is(err, schedule.ErrBusy) {
			return fmt.Errorf("coproc: %s still owns the engine: %w", v.Label(), ErrRetry)
		}
		return fmt.Errorf("coproc: unregistering %s: %w", v.Label(), err)
	}

	c.removeInstance(v)

	d.mu.Lock()
	for i, cur := range d.instances {
		if cur == v {
			d.instances = append(d.instances[:i], d.instances[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	m.releaseResources(d, c)
	c.driver.VcoprocFree(d, v)

	m.publish(Detached{Domain: d.name, Path: c.Path()})
	m.logger.Info("detached vcoproc", "path", c.Path(), "domain", d.name)

	return nil
}

// IsAttached reports whether some virtual instance of the domain refers to
// the device at path.
func (m *Manager) IsAttached(d *Domain, path string) bool {
	c := m.registry.FindByPath(path)
	if c == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, v := range d.instances {
		if v.coproc == c {
			return true
		}
	}
	return false
}

// DomainFree detaches every remaining instance on the way out of domain
// destruction. The domain lock is dropped around each detach to keep the
// lock hierarchy intact; the loop runs until the list drains. ErrRetry is
// surfaced to the caller: the instance still owns the engine and the
// scheduler has been told to idle it, so a later retry will succeed.
func (m *Manager) DomainFree(d *Domain) error {
	d.SetDying()

	var mErr *multierror.Error
	for {
		v := d.firstInstance()
		if v == nil {
			break
		}

		err := m.Detach(d, v)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrRetry) {
			// Push the instance off the engine so the retry can make
			// progress, then hand the decision back to the caller.
			v.coproc.sched.Sleep(v)
			v.coproc.sched.Schedule()
			mErr = multierror.Append(mErr, err)
			break
		}

		mErr = multierror.Append(mErr, err)
		break
	}

	if d.NumInstances() == 0 && d.rangesets != nil {
		d.rangesets.DestroyAll()
		d.rangesets = nil
		d.iomem = nil
		d.irqs = nil
	}

	return mErr.ErrorOrNil()
}

func (m *Manager) claimResources(d *Domain, c *Device) error {
	if d.iomem == nil {
		return nil
	}

	for _, w := range c.desc.MMIOs {
		if err := d.iomem.Add(w.Base, w.End()); err != nil {
			return fmt.Errorf("coproc: claiming mmio window for dom%d: %w", d.id, err)
		}
	}
	for _, irq := range c.desc.IRQs {
		if err := d.irqs.AddSingleton(uint64(irq)); err != nil {
			return fmt.Errorf("coproc: claiming irq for dom%d: %w", d.id, err)
		}
	}
	return nil
}

func (m *Manager) releaseResources(d *Domain, c *Device) {
	if d.iomem == nil {
		return
	}

	for _, w := range c.desc.MMIOs {
		if err := d.iomem.Remove(w.Base, w.End()); err != nil {
			m.logger.Warn("failed to release mmio window", "domain", d.name, "error", err)
		}
	}
	for _, irq := range c.desc.IRQs {
		if err := d.irqs.RemoveSingleton(uint64(irq)); err != nil {
			m.logger.Warn("failed to release irq", "domain", d.name, "error", err)
		}
	}
}

func (m *Manager) publish(ev any) {
	if m.events != nil {
		m.events.Publish(ev)
	}
}
