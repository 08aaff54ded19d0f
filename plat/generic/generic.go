// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package generic is the reference vendor coproc driver. It models the
// hardware context as a bank of registers per MMIO window and keeps a
// shadow copy per virtual instance, which is enough to exercise the whole
// sharing framework on silicon that is not wired up yet.
package generic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/virtfwk/coproc-virt/coproc"
	"github.com/virtfwk/coproc-virt/iommu"
	device "github.com/virtfwk/coproc-virt/internal/shared"
	"github.com/virtfwk/coproc-virt/platform"
)

// Compatible is the compatible string the probe matches on.
const Compatible = "virtfwk,coproc-generic"

// maxBankWords caps how much of an MMIO window is treated as switchable
// context.
const maxBankWords = 64

// doorbellReg is the word index guests ring to submit work.
const doorbellReg = 0

var (
	ErrNoInstance = errors.New("no instance for this domain")

	// Track every probed engine so work submission can address one by
	// its canonical path.
	enginesMu sync.Mutex
	engines   []*engine
)

// softRegs is the software model of the micro-TLB context register. The
// flush bit is self-clearing, as it is on the real interconnect.
type softRegs struct {
	ctr atomic.Uint32
}

func (r *softRegs) ReadCTR() uint32 {
	return r.ctr.Load()
}

func (r *softRegs) WriteCTR(v uint32) {
	r.ctr.Store(v &^ iommu.CtrFlush)
}

// hwContext is the vendor-private state of one virtual instance: a shadow
// copy of every register bank.
type hwContext struct {
	shadow [][]uint32
}

// engine is one physical coprocessor driven by this vendor driver.
type engine struct {
	logger hclog.Logger
	desc   *device.Desc
	dev    *coproc.Device
	utlb   *iommu.MicroTLB

	// mu guards the live register banks and the per-domain instances.
	mu        sync.Mutex
	live      [][]uint32
	instances map[uint32]*coproc.Instance
}

// Probe turns a matching platform node into a registered-ready device.
// It is the entry the driver contributes to the platform driver table.
func Probe(logger hclog.Logger, node *platform.Node) (*coproc.Device, error) {
	desc := platform.DescFromNode(node)
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("generic: %q: %w", node.Path(), err)
	}

	g := &engine{
		logger:    logger.Named("generic").With("coproc", desc.Path),
		desc:      desc,
		instances: make(map[uint32]*coproc.Instance),
	}
	g.utlb = iommu.New(g.logger, &softRegs{})

	g.live = make([][]uint32, len(desc.MMIOs))
	for i, w := range desc.MMIOs {
		g.live[i] = make([]uint32, bankWords(w))
	}

	dev := coproc.NewDevice(desc, g)
	g.dev = dev

	enginesMu.Lock()
	engines = append(engines, g)
	enginesMu.Unlock()

	g.logger.Info("probed coproc", "mmios", len(desc.MMIOs), "irqs", len(desc.IRQs))
	return dev, nil
}

func bankWords(w device.MMIO) int {
	words := int(w.Size / 4)
	if words > maxBankWords {
		words = maxBankWords
	}
	if words == 0 {
		words = 1
	}
	return words
}

func newHWContext(g *engine) *hwContext {
	ctx := &hwContext{shadow: make([][]uint32, len(g.live))}
	for i, bank := range g.live {
		ctx.shadow[i] = make([]uint32, len(bank))
	}
	return ctx
}

// VcoprocInit implements the driver contract.
func (g *engine) VcoprocInit(d *coproc.Domain, c *coproc.Device) (*coproc.Instance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.instances[d.ID()]; ok {
		return nil, fmt.Errorf("generic: dom%d: %w", d.ID(), coproc.ErrAlreadyExists)
	}

	v := coproc.NewInstance(d, c)
	v.SetPriv(newHWContext(g))
	g.instances[d.ID()] = v

	return v, nil
}

// VcoprocFree implements the driver contract. Safe on instances whose
// construction never finished.
func (g *engine) VcoprocFree(d *coproc.Domain, v *coproc.Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.instances, d.ID())
	if v != nil {
		v.SetPriv(nil)
	}
}

// VcoprocIsCreated implements the driver contract.
func (g *engine) VcoprocIsCreated(d *coproc.Domain, c *coproc.Device) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.instances[d.ID()]
	return ok
}

// CtxSwitchFrom saves the live register banks into the outgoing instance
// and flushes its translations. A nil instance means the engine had no
// previous owner.
func (g *engine) CtxSwitchFrom(v *coproc.Instance) error {
	if v == nil {
		return nil
	}

	ctx, ok := v.Priv().(*hwContext)
	if !ok {
		return fmt.Errorf("generic: %s has no hardware context: %w",
			v.Label(), coproc.ErrInvalidArgument)
	}

	g.mu.Lock()
	for i, bank := range g.live {
		copy(ctx.shadow[i], bank)
	}
	g.mu.Unlock()

	if err := g.utlb.Invalidate(); err != nil {
		// A wedged TLB is logged and lived with; the context itself has
		// been saved.
		g.logger.Warn("tlb invalidate after context save", "error", err)
	}

	return nil
}

// CtxSwitchTo loads the incoming instance's shadow banks onto the engine.
// A nil instance idles the hardware.
func (g *engine) CtxSwitchTo(v *coproc.Instance) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if v == nil {
		for _, bank := range g.live {
			for i := range bank {
				bank[i] = 0
			}
		}
		g.utlb.Disable()
		return nil
	}

	ctx, ok := v.Priv().(*hwContext)
	if !ok {
		return fmt.Errorf("generic: %s has no hardware context: %w",
			v.Label(), coproc.ErrInvalidArgument)
	}

	for i, bank := range ctx.shadow {
		copy(g.live[i], bank)
	}
	g.utlb.Enable()

	return nil
}

// SubmitWork rings the doorbell of the domain's instance and wakes it up,
// which is what the real interrupt path does when a guest queues a job.
func (g *engine) SubmitWork(domID uint32) error {
	g.mu.Lock()
	v, ok := g.instances[domID]
	if ok {
		if ctx, isHW := v.Priv().(*hwContext); isHW && len(ctx.shadow) > 0 {
			ctx.shadow[0][doorbellReg]++
		}
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("generic: dom%d on %q: %w", domID, g.desc.Path, ErrNoInstance)
	}

	g.dev.Scheduler().Wake(v)
	return nil
}

// CompleteWork reports the domain's instance idle again; it goes back to
// sleep until the next doorbell.
func (g *engine) CompleteWork(domID uint32) error {
	g.mu.Lock()
	v, ok := g.instances[domID]
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("generic: dom%d on %q: %w", domID, g.desc.Path, ErrNoInstance)
	}

	g.dev.Scheduler().Sleep(v)
	return nil
}

// Find returns the probed engine at the canonical path, or nil.
func Find(path string) *engine {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	for _, g := range engines {
		if g.desc.Path == path {
			return g
		}
	}
	return nil
}

// SubmitWork addresses an engine by path, for callers holding only the
// platform identifier.
func SubmitWork(path string, domID uint32) error {
	g := Find(path)
	if g == nil {
		return fmt.Errorf("generic: %q: %w", path, coproc.ErrNotFound)
	}
	return g.SubmitWork(domID)
}
