// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command coproc-virt boots the coprocessor sharing core against a
// platform description and drives a short two-domain contention scenario,
// which is the quickest way to watch the scheduler arbitrate a physical
// engine between guests.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jessevdk/go-flags"
	"github.com/moby/pubsub"

	"github.com/virtfwk/coproc-virt/coproc"
	"github.com/virtfwk/coproc-virt/coproc/schedule"
	"github.com/virtfwk/coproc-virt/plat/generic"
	"github.com/virtfwk/coproc-virt/platform"
)

type options struct {
	PlatformFile string        `short:"p" long:"platform" description:"platform description file (YAML); a built-in two-coproc board is used when omitted"`
	Dom0Coprocs  string        `short:"c" long:"dom0-coprocs" default:"gsx,vsp" description:"comma-separated coproc paths or aliases attached to dom0 at boot"`
	LogLevel     string        `short:"l" long:"log-level" default:"info" description:"trace, debug, info, warn or error"`
	RunFor       time.Duration `short:"d" long:"duration" default:"500ms" description:"how long to let the schedulers run"`
}

// defaultPlatform describes a small board with two shareable engines, for
// running the harness with no description on disk.
const defaultPlatform = `
root:
  name: ""
  children:
    - name: soc
      children:
        - name: gsx@fd000000
          compatible: virtfwk,coproc-generic
          properties:
            xen,coproc: ""
          regs:
            - base: 0xfd000000
              size: 0x10000
          irqs: [119]
        - name: vsp@fe9a0000
          compatible: virtfwk,coproc-generic
          properties:
            xen,coproc: ""
          regs:
            - base: 0xfe9a0000
              size: 0x8000
          irqs: [190, 191]
aliases:
  gsx: /soc/gsx@fd000000
  vsp: /soc/vsp@fe9a0000
`

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "coproc-virt",
		Level: hclog.LevelFromString(opts.LogLevel),
	})

	if err := run(logger, &opts); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger, opts *options) error {
	tree, err := loadPlatform(opts.PlatformFile)
	if err != nil {
		return err
	}

	events := pubsub.NewPublisher(100*time.Millisecond, 16)
	defer events.Close()

	reg := coproc.NewRegistry(
		coproc.WithRegistryLogger(logger),
		coproc.WithEvents(events),
	)
	defer func() {
		if err := reg.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}()

	drivers := platform.DriverTable{
		generic.Compatible: generic.Probe,
	}
	if n := platform.InitCoprocs(logger, tree, drivers, reg); n == 0 {
		return fmt.Errorf("no coprocs came up from the platform description")
	}

	// Drain the event stream into the log for the whole run.
	sub := events.Subscribe()
	defer events.Evict(sub)
	go logEvents(logger, sub)

	mgr := coproc.NewManager(reg,
		coproc.WithManagerLogger(logger),
		coproc.WithManagerEvents(events),
	)

	bootList, err := platform.ResolveCoprocList(tree, opts.Dom0Coprocs)
	if err != nil {
		return err
	}

	dom0 := coproc.NewDomain(0, "Domain-0")
	if err := mgr.DomainInit(dom0, bootList); err != nil {
		return err
	}

	// A second guest attaching the same engines forces the schedulers to
	// actually arbitrate.
	domU := coproc.NewDomain(1, "guest-1")
	if err := mgr.DomainInit(domU, nil); err != nil {
		return err
	}
	for _, path := range bootList {
		rc := mgr.DoDomctl(domU, &coproc.Domctl{
			Cmd: coproc.CmdAttachCoproc,
			Attach: coproc.AttachCoproc{
				Path: append([]byte(path), 0),
				Size: uint32(len(path) + 1),
			},
		})
		if rc != 0 {
			return fmt.Errorf("attach of %q to %s failed: %s", path, domU.Name(),
				coproc.ErrnoString(rc))
		}
	}

	// Ring every doorbell and let the engines run.
	for _, d := range []*coproc.Domain{dom0, domU} {
		for _, v := range d.Instances() {
			if err := generic.SubmitWork(v.Coproc().Path(), d.ID()); err != nil {
				logger.Warn("work submission failed", "error", err)
			}
		}
	}

	time.Sleep(opts.RunFor)
	reg.DumpState()
	if rs := dom0.IomemRanges(); rs != nil {
		logger.Info("dom0 resources", "iomem", rs.String(), "irqs", dom0.IRQRanges().String())
	}

	for _, d := range []*coproc.Domain{domU, dom0} {
		if err := teardown(mgr, d); err != nil {
			return fmt.Errorf("tearing down %s: %w", d.Name(), err)
		}
		logger.Info("domain torn down", "domain", d.Name())
	}

	return nil
}

func loadPlatform(path string) (*platform.Tree, error) {
	if path != "" {
		return platform.LoadFile(path)
	}
	return platform.Load([]byte(defaultPlatform))
}

// teardown drains the domain's instances, yielding to the schedulers while
// any of them still owns an engine.
func teardown(mgr *coproc.Manager, d *coproc.Domain) error {
	for {
		err := mgr.DomainFree(d)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coproc.ErrRetry) {
			return err
		}
		time.Sleep(schedule.DefaultSlice)
	}
}

func logEvents(logger hclog.Logger, ch chan interface{}) {
	for ev := range ch {
		switch e := ev.(type) {
		case schedule.StateChange:
			logger.Debug("state change", "coproc", e.Scheduler, "task", e.Task,
				"from", e.From, "to", e.To)
		case schedule.Switched:
			logger.Debug("context switch", "coproc", e.Scheduler,
				"from", e.From, "to", e.To)
		case coproc.Attached:
			logger.Info("vcoproc attached", "domain", e.Domain, "path", e.Path)
		case coproc.Detached:
			logger.Info("vcoproc detached", "domain", e.Domain, "path", e.Path)
		}
	}
}
