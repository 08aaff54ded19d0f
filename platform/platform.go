// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"github.com/hashicorp/go-hclog"

	"github.com/virtfwk/coproc-virt/coproc"
	device "github.com/virtfwk/coproc-virt/internal/shared"
)

// ProbeFunc turns a matching device node into a registered coprocessor.
// Each vendor driver contributes one, keyed by its compatible string.
type ProbeFunc func(logger hclog.Logger, node *Node) (*coproc.Device, error)

// DriverTable maps compatible strings to vendor probes.
type DriverTable map[string]ProbeFunc

// InitCoprocs walks the platform description and probes every node that
// carries the coproc property with its matching vendor driver, registering
// the result. A node whose compatible string has no driver is skipped; a
// failing probe is logged and skipped, matching the boot behaviour of the
// rest of the device framework. Returns how many coprocs were registered.
func InitCoprocs(logger hclog.Logger, tree *Tree, drivers DriverTable, reg *coproc.Registry) int {
	logger = logger.Named("platform")

	count := 0
	_ = tree.Walk(func(n *Node) error {
		if !n.HasProperty(CoprocProperty) {
			return nil
		}

		probe, ok := drivers[n.Compatible]
		if !ok {
			logger.Debug("no driver for coproc node", "path", n.Path(),
				"compatible", n.Compatible)
			return nil
		}

		dev, err := probe(logger, n)
		if err != nil {
			logger.Error("coproc probe failed", "path", n.Path(), "error", err)
			return nil
		}

		if err := reg.Register(dev); err != nil {
			logger.Error("coproc registration failed", "path", n.Path(), "error", err)
			return nil
		}

		count++
		return nil
	})

	if count == 0 {
		logger.Warn("unable to find compatible coprocs in the platform description")
	}

	return count
}

// DescFromNode renders a device node as the description the core and the
// vendor drivers share.
func DescFromNode(n *Node) *device.Desc {
	d := &device.Desc{
		Name:       n.Name,
		Path:       n.Path(),
		Compatible: n.Compatible,
		IRQs:       append([]uint32(nil), n.IRQs...),
	}
	for _, r := range n.Regs {
		d.MMIOs = append(d.MMIOs, device.MMIO{Base: r.Base, Size: r.Size})
	}
	return d
}
