// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package device

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestDesc_Validate(t *testing.T) {
	cases := []struct {
		name    string
		desc    Desc
		expErrs []error
	}{
		{
			name: "complete description",
			desc: Desc{
				Name:       "gsx0",
				Path:       "/soc/gsx@fd000000",
				Compatible: "vendor,gsx",
				MMIOs:      []MMIO{{Base: 0xfd000000, Size: 0x10000}},
				IRQs:       []uint32{119},
			},
		},
		{
			name: "empty path",
			desc: Desc{
				Compatible: "vendor,gsx",
				MMIOs:      []MMIO{{Base: 0xfd000000, Size: 0x10000}},
				IRQs:       []uint32{119},
			},
			expErrs: []error{ErrEmptyPath},
		},
		{
			name: "relative path",
			desc: Desc{
				Path:       "soc/gsx@fd000000",
				Compatible: "vendor,gsx",
				MMIOs:      []MMIO{{Base: 0xfd000000, Size: 0x10000}},
				IRQs:       []uint32{119},
			},
			expErrs: []error{ErrRelativePath},
		},
		{
			name: "bad name",
			desc: Desc{
				Name:       "-gsx!",
				Path:       "/soc/gsx@fd000000",
				Compatible: "vendor,gsx",
				MMIOs:      []MMIO{{Base: 0xfd000000, Size: 0x10000}},
				IRQs:       []uint32{119},
			},
			expErrs: []error{ErrInvalidName},
		},
		{
			name: "no resources",
			desc: Desc{
				Path:       "/soc/gsx@fd000000",
				Compatible: "vendor,gsx",
			},
			expErrs: []error{ErrNoMMIOs, ErrNoIRQs},
		},
		{
			name: "zero sized window",
			desc: Desc{
				Path:       "/soc/gsx@fd000000",
				Compatible: "vendor,gsx",
				MMIOs:      []MMIO{{Base: 0xfd000000}},
				IRQs:       []uint32{119},
			},
			expErrs: []error{ErrEmptyMMIO},
		},
		{
			name: "no compatible",
			desc: Desc{
				Path:  "/soc/gsx@fd000000",
				MMIOs: []MMIO{{Base: 0xfd000000, Size: 0x10000}},
				IRQs:  []uint32{119},
			},
			expErrs: []error{ErrNoCompatible},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.desc.Validate()
			if len(tc.expErrs) == 0 {
				must.NoError(t, err)
				return
			}
			must.Error(t, err)
			for _, expErr := range tc.expErrs {
				must.ErrorIs(t, err, expErr)
			}
		})
	}
}

func TestDesc_Copy(t *testing.T) {
	orig := &Desc{
		Name:       "gsx0",
		Path:       "/soc/gsx@fd000000",
		Compatible: "vendor,gsx",
		MMIOs:      []MMIO{{Base: 0xfd000000, Size: 0x10000}},
		IRQs:       []uint32{119, 120},
	}

	c := orig.Copy()
	must.Eq(t, orig, c)

	c.MMIOs[0].Base = 0
	c.IRQs[0] = 0
	must.Eq(t, uint64(0xfd000000), orig.MMIOs[0].Base)
	must.Eq(t, uint32(119), orig.IRQs[0])
}

func TestMMIO_End(t *testing.T) {
	m := MMIO{Base: 0x1000, Size: 0x100}
	must.Eq(t, uint64(0x10ff), m.End())
}
