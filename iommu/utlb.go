// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package iommu carries the micro-TLB maintenance the coproc drivers need
// around a context switch. The IOMMU proper (page tables, DMA translation)
// is a separate driver; only the flush/sync handshake lives here.
package iommu

import (
	"errors"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/hashicorp/go-hclog"
)

const (
	// tlbLoopTimeout bounds the flush poll; past it the hardware is
	// assumed wedged and the operation carries on regardless.
	tlbLoopTimeout = 100 * time.Microsecond
	tlbPollTick    = time.Microsecond
)

// Context control register bits shared by every micro-TLB implementation
// this driver generation covers.
const (
	CtrEnable uint32 = 1 << 0
	CtrFlush  uint32 = 1 << 1
	CtrIntEn  uint32 = 1 << 2
)

var ErrTimedOut = errors.New("tlb sync timed out")

// Regs is the register access a micro-TLB exposes: one context control
// register, read and written whole.
type Regs interface {
	ReadCTR() uint32
	WriteCTR(uint32)
}

// MicroTLB drives the translation cache sitting in front of one
// coprocessor bus master.
type MicroTLB struct {
	logger hclog.Logger
	clk    clock.Clock
	regs   Regs
}

// Option tweaks a MicroTLB at construction time.
type Option func(*MicroTLB)

func WithClock(clk clock.Clock) Option {
	return func(u *MicroTLB) {
		u.clk = clk
	}
}

// New wraps the register window of one micro-TLB.
func New(logger hclog.Logger, regs Regs, opts ...Option) *MicroTLB {
	u := &MicroTLB{
		logger: logger.Named("utlb"),
		clk:    clock.NewClock(),
		regs:   regs,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Enable turns translation on for the bus master.
func (u *MicroTLB) Enable() {
	u.regs.WriteCTR(u.regs.ReadCTR() | CtrEnable)
}

// Disable turns translation off.
func (u *MicroTLB) Disable() {
	u.regs.WriteCTR(u.regs.ReadCTR() &^ CtrEnable)
}

// Invalidate kicks a flush of the translation cache and waits for the
// hardware to acknowledge it. On timeout the error is logged and returned,
// but the caller is expected to carry on: there is nothing better to do
// with a deadlocked MMU.
func (u *MicroTLB) Invalidate() error {
	u.regs.WriteCTR(u.regs.ReadCTR() | CtrFlush)
	return u.sync()
}

// sync polls the flush bit with a 1us tick for at most 100us.
func (u *MicroTLB) sync() error {
	var waited time.Duration

	for u.regs.ReadCTR()&CtrFlush != 0 {
		if waited >= tlbLoopTimeout {
			u.logger.Error("tlb sync timed out -- mmu may be deadlocked")
			return ErrTimedOut
		}
		u.clk.Sleep(tlbPollTick)
		waited += tlbPollTick
	}

	return nil
}
