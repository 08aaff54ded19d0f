// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package coproc_test

import (
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/shoenig/test/must"

	"github.com/virtfwk/coproc-virt/coproc"
	"github.com/virtfwk/coproc-virt/coproc/schedule"
	device "github.com/virtfwk/coproc-virt/internal/shared"
	"github.com/virtfwk/coproc-virt/testutil/mock"
)

func testDesc(path string) *device.Desc {
	return &device.Desc{
		Name:       "c0",
		Path:       path,
		Compatible: "vendor,test",
		MMIOs:      []device.MMIO{{Base: 0xfd000000, Size: 0x1000}},
		IRQs:       []uint32{119},
	}
}

// testSetup builds a registry on a fake clock with one mock-driven device
// per path, so nothing dispatches behind the test's back.
func testSetup(t *testing.T, paths ...string) (*coproc.Registry, map[string]*mock.Driver) {
	t.Helper()

	clk := fakeclock.NewFakeClock(time.Now())
	reg := coproc.NewRegistry(
		coproc.WithSchedulerOptions(schedule.WithClock(clk)),
	)
	t.Cleanup(func() {
		must.NoError(t, reg.Shutdown())
	})

	drivers := make(map[string]*mock.Driver)
	base := uint64(0xfd000000)
	for i, path := range paths {
		drv := mock.NewDriver()
		desc := testDesc(path)
		desc.MMIOs[0].Base = base + uint64(i)*0x10000
		desc.IRQs[0] = 119 + uint32(i)
		must.NoError(t, reg.Register(coproc.NewDevice(desc, drv)))
		drivers[path] = drv
	}

	return reg, drivers
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := testSetup(t, "/c0", "/c1")
	must.Eq(t, 2, reg.Count())

	// Same canonical path twice is refused.
	err := reg.Register(coproc.NewDevice(testDesc("/c0"), mock.NewDriver()))
	must.ErrorIs(t, err, coproc.ErrAlreadyExists)
	must.Eq(t, 2, reg.Count())

	// A device without a driver contract is refused.
	err = reg.Register(coproc.NewDevice(testDesc("/c2"), nil))
	must.ErrorIs(t, err, coproc.ErrInvalidArgument)

	err = reg.Register(nil)
	must.ErrorIs(t, err, coproc.ErrInvalidArgument)
}

func TestRegistry_FindByPath(t *testing.T) {
	reg, _ := testSetup(t, "/c0", "/c1")

	c := reg.FindByPath("/c1")
	must.NotNil(t, c)
	must.Eq(t, "/c1", c.Path())
	must.NotNil(t, c.Scheduler())

	must.Nil(t, reg.FindByPath("/cX"))
	must.Nil(t, reg.FindByPath(""))
}

func TestManager_AttachDetach(t *testing.T) {
	reg, drivers := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	v, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)
	must.NotNil(t, v)
	must.True(t, mgr.IsAttached(d1, "/c0"))
	must.Eq(t, 1, d1.NumInstances())
	must.Eq(t, schedule.StateSleeping, v.State())
	must.True(t, drivers["/c0"].Created(1))

	// The attached device's resources land in the domain's rangesets.
	must.True(t, d1.IomemRanges().Contains(0xfd000000, 0xfd000fff))
	must.True(t, d1.IRQRanges().ContainsSingleton(119))

	must.NoError(t, mgr.Detach(d1, v))
	must.False(t, mgr.IsAttached(d1, "/c0"))
	must.Eq(t, 0, d1.NumInstances())
	must.False(t, drivers["/c0"].Created(1))
	must.True(t, d1.IomemRanges().IsEmpty())
	must.True(t, d1.IRQRanges().IsEmpty())
}

func TestManager_DuplicateAttach(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	_, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)

	_, err = mgr.Attach(d1, "/c0")
	must.ErrorIs(t, err, coproc.ErrAlreadyExists)
	must.Eq(t, 1, d1.NumInstances())
}

func TestManager_AttachUnknownPath(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	_, err := mgr.Attach(d1, "/cX")
	must.ErrorIs(t, err, coproc.ErrNotFound)
	must.False(t, mgr.IsAttached(d1, "/cX"))
}

func TestManager_AttachDyingDomain(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))
	d1.SetDying()

	_, err := mgr.Attach(d1, "/c0")
	must.ErrorIs(t, err, coproc.ErrInvalidArgument)
}

func TestManager_AttachInitFailureUnwinds(t *testing.T) {
	reg, drivers := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	boom := errors.New("vendor allocation failed")
	drivers["/c0"].InitErr = boom

	_, err := mgr.Attach(d1, "/c0")
	must.ErrorIs(t, err, boom)
	must.Eq(t, 0, d1.NumInstances())
	must.False(t, mgr.IsAttached(d1, "/c0"))

	// The failed attach left nothing behind; a later one succeeds.
	drivers["/c0"].InitErr = nil
	_, err = mgr.Attach(d1, "/c0")
	must.NoError(t, err)
}

func TestManager_TwoDomainShare(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	d2 := coproc.NewDomain(2, "guest-2")
	must.NoError(t, mgr.DomainInit(d1, nil))
	must.NoError(t, mgr.DomainInit(d2, nil))

	v1, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)
	v2, err := mgr.Attach(d2, "/c0")
	must.NoError(t, err)

	sched := reg.FindByPath("/c0").Scheduler()
	sched.Wake(v1)
	sched.Wake(v2)

	countRunning := func() int {
		n := 0
		for _, v := range []*coproc.Instance{v1, v2} {
			if v.State() == schedule.StateRunning {
				n++
			}
		}
		return n
	}

	// However often the engine is re-arbitrated, exactly one of the two
	// instances owns it at any snapshot.
	must.Eq(t, 1, countRunning())
	for i := 0; i < 5; i++ {
		sched.Schedule()
		must.Eq(t, 1, countRunning())
	}
}

func TestManager_DetachRunningRetries(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	v, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)

	sched := reg.FindByPath("/c0").Scheduler()
	sched.Wake(v)
	must.Eq(t, schedule.StateRunning, v.State())

	// The engine owner can not be detached; the caller is told to retry.
	err = mgr.Detach(d1, v)
	must.ErrorIs(t, err, coproc.ErrRetry)
	must.Eq(t, 1, d1.NumInstances())

	// Once scheduled out, the retry succeeds.
	sched.Sleep(v)
	must.NoError(t, mgr.Detach(d1, v))
	must.Eq(t, 0, d1.NumInstances())
}

func TestManager_DomainFree(t *testing.T) {
	reg, drivers := testSetup(t, "/c0", "/c1")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	_, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)
	_, err = mgr.Attach(d1, "/c1")
	must.NoError(t, err)
	must.Eq(t, 2, d1.NumInstances())

	must.NoError(t, mgr.DomainFree(d1))
	must.Eq(t, 0, d1.NumInstances())
	must.True(t, d1.Dying())
	must.False(t, drivers["/c0"].Created(1))
	must.False(t, drivers["/c1"].Created(1))

	// The rangeset family went down with the last instance.
	must.Nil(t, d1.IomemRanges())
}

func TestManager_DomainFreeWithRunningInstance(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	v, err := mgr.Attach(d1, "/c0")
	must.NoError(t, err)

	sched := reg.FindByPath("/c0").Scheduler()
	sched.Wake(v)
	must.Eq(t, schedule.StateRunning, v.State())

	// The first sweep hits the running instance: surfaced as retry, and
	// the scheduler is told to idle it.
	err = mgr.DomainFree(d1)
	must.ErrorIs(t, err, coproc.ErrRetry)
	must.Eq(t, 1, d1.NumInstances())

	// Second sweep drains.
	must.NoError(t, mgr.DomainFree(d1))
	must.Eq(t, 0, d1.NumInstances())
}

func TestManager_DomainInitNoCoprocs(t *testing.T) {
	reg := coproc.NewRegistry()
	mgr := coproc.NewManager(reg)

	d1 := coproc.NewDomain(1, "guest-1")
	must.NoError(t, mgr.DomainInit(d1, nil))

	// Nothing was allocated: the domain can never have instances.
	must.Nil(t, d1.IomemRanges())
	must.Nil(t, d1.IRQRanges())
}

func TestManager_DomainInitBootList(t *testing.T) {
	reg, _ := testSetup(t, "/c0", "/c1")
	mgr := coproc.NewManager(reg)

	dom0 := coproc.NewDomain(0, "Domain-0")
	must.NoError(t, mgr.DomainInit(dom0, []string{"/c0", "/c1"}))
	must.Eq(t, 2, dom0.NumInstances())
	must.True(t, mgr.IsAttached(dom0, "/c0"))
	must.True(t, mgr.IsAttached(dom0, "/c1"))
}

func TestManager_DomainInitBootListFailures(t *testing.T) {
	reg, _ := testSetup(t, "/c0")
	mgr := coproc.NewManager(reg)

	// An unregistered path is fatal to domain init.
	dom0 := coproc.NewDomain(0, "Domain-0")
	err := mgr.DomainInit(dom0, []string{"/cX"})
	must.ErrorIs(t, err, coproc.ErrNotFound)

	// So is an unresolved alias slipping through.
	dom0 = coproc.NewDomain(0, "Domain-0")
	err = mgr.DomainInit(dom0, []string{"gsx"})
	must.ErrorIs(t, err, coproc.ErrInvalidArgument)
}
