// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package device holds the value types that describe a physical coprocessor
// as handed over by the platform description. They are shared between the
// platform probe, the vendor drivers and the core registry.
package device

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	maxNameLength = 63
)

var (
	validLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_@\-]{0,61}[a-zA-Z0-9])?$`)

	ErrEmptyPath    = errors.New("device path can not be empty")
	ErrRelativePath = errors.New("device path must be absolute")
	ErrNoMMIOs      = errors.New("device needs at least one mmio window")
	ErrNoIRQs       = errors.New("device needs at least one irq")
	ErrEmptyMMIO    = errors.New("mmio window can not be empty")
	ErrInvalidName  = fmt.Errorf("a device name must consist of alphanumeric characters, '_', '-' or '@', and be at most %d characters", maxNameLength)
	ErrNoCompatible = errors.New("device carries no compatible string")
)

// MMIO is one memory-mapped I/O window occupied by a coprocessor. The core
// never interprets it; vendor drivers map it onto their register model.
type MMIO struct {
	Base uint64
	Size uint64
}

func (m MMIO) End() uint64 {
	return m.Base + m.Size - 1
}

// Desc describes one physical coprocessor. The canonical path is the stable
// identifier used as the primary key everywhere in the core.
type Desc struct {
	Name       string
	Path       string
	Compatible string
	MMIOs      []MMIO
	IRQs       []uint32
}

func (d *Desc) Validate() error {
	var mErr *multierror.Error

	if d.Path == "" {
		mErr = multierror.Append(mErr, ErrEmptyPath)
	} else if !strings.HasPrefix(d.Path, "/") {
		mErr = multierror.Append(mErr, ErrRelativePath)
	}

	if d.Name != "" && !IsValidLabel(d.Name) {
		mErr = multierror.Append(mErr, ErrInvalidName)
	}

	if d.Compatible == "" {
		mErr = multierror.Append(mErr, ErrNoCompatible)
	}

	if len(d.MMIOs) == 0 {
		mErr = multierror.Append(mErr, ErrNoMMIOs)
	}
	for _, m := range d.MMIOs {
		if m.Size == 0 {
			mErr = multierror.Append(mErr, ErrEmptyMMIO)
		}
	}

	if len(d.IRQs) == 0 {
		mErr = multierror.Append(mErr, ErrNoIRQs)
	}

	return mErr.ErrorOrNil()
}

func (d *Desc) Copy() *Desc {
	if d == nil {
		return nil
	}

	c := &Desc{
		Name:       d.Name,
		Path:       d.Path,
		Compatible: d.Compatible,
	}

	c.MMIOs = make([]MMIO, len(d.MMIOs))
	copy(c.MMIOs, d.MMIOs)

	c.IRQs = make([]uint32, len(d.IRQs))
	copy(c.IRQs, d.IRQs)

	return c
}

// IsValidLabel reports whether the name is usable as a device label.
func IsValidLabel(name string) bool {
	return validLabel.MatchString(name)
}
