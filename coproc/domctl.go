// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package coproc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/virtfwk/coproc-virt/rangeset"
)

// Domctl command codes recognized by the coproc core.
const (
	// CmdAttachCoproc attaches the coprocessor named by a guest-supplied
	// path to the target domain.
	CmdAttachCoproc uint32 = 1
)

// pageSize bounds how much of the guest-supplied path buffer is copied.
const pageSize = 4096

// Negative errno values returned through the domctl interface.
const (
	EPERM  = 1
	EAGAIN = 11
	ENOMEM = 12
	EBUSY  = 16
	EEXIST = 17
	ENODEV = 19
	EINVAL = 22
	ENOSYS = 38
)

// AttachCoproc is the payload of CmdAttachCoproc: a guest buffer holding
// the device path and the number of bytes the guest claims it is long.
type AttachCoproc struct {
	Path []byte
	Size uint32
}

// Domctl is one control operation targeting a domain's coproc view.
type Domctl struct {
	Cmd    uint32
	Attach AttachCoproc
}

// DoDomctl handles a control operation for the given domain. Returns zero
// on success and a negative errno on failure; unknown commands return
// -ENOSYS.
func (m *Manager) DoDomctl(d *Domain, ctl *Domctl) int {
	switch ctl.Cmd {
	case CmdAttachCoproc:
		if d.Dying() {
			return -EINVAL
		}

		path, errno := copyPathFromGuest(ctl.Attach.Path, ctl.Attach.Size)
		if errno != 0 {
			return -errno
		}

		m.logger.Info("got coproc attach request", "path", path, "domain", d.Name())

		if _, err := m.Attach(d, path); err != nil {
			m.logger.Error("failed to attach coproc", "path", path,
				"domain", d.Name(), "error", err)
			return -errnoFromErr(err)
		}
		return 0

	default:
		return -ENOSYS
	}
}

// copyPathFromGuest copies at most size bytes of the guest buffer, bounded
// by one page, and NUL-terminates the result.
func copyPathFromGuest(buf []byte, size uint32) (string, int) {
	if size == 0 || size > pageSize {
		return "", EINVAL
	}
	if int(size) > len(buf) {
		return "", EINVAL
	}

	copied := make([]byte, size)
	copy(copied, buf[:size])

	if i := bytes.IndexByte(copied, 0); i >= 0 {
		copied = copied[:i]
	}
	if len(copied) == 0 {
		return "", EINVAL
	}

	return string(copied), 0
}

// errnoFromErr maps the core error taxonomy onto the errno values visible
// through the domctl interface.
func errnoFromErr(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return ENODEV
	case errors.Is(err, ErrAlreadyExists):
		return EEXIST
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, rangeset.ErrOutOfRanges):
		return ENOMEM
	case errors.Is(err, ErrRetry):
		return EAGAIN
	case errors.Is(err, ErrInvalidArgument):
		return EINVAL
	default:
		return EINVAL
	}
}

// ErrnoString renders a domctl return value for logs.
func ErrnoString(rc int) string {
	if rc == 0 {
		return "ok"
	}
	return fmt.Sprintf("errno %d", -rc)
}
