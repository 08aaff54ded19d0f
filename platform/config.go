// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"errors"
	"fmt"
	"strings"
)

// MaxCoprocListLen caps the boot-time coproc list the same way the
// command-line parser caps its string parameters.
const MaxCoprocListLen = 128

var (
	ErrListTooLong = errors.New("coproc list exceeds the maximum length")
)

// ResolveCoprocList expands a comma-separated list of device paths and
// aliases into canonical node paths. Each item is an absolute path when it
// starts with '/', a symbolic alias otherwise. An item naming no node is
// an error; an empty list resolves to nothing.
func ResolveCoprocList(t *Tree, list string) ([]string, error) {
	if list == "" {
		return nil, nil
	}
	if len(list) > MaxCoprocListLen {
		return nil, fmt.Errorf("platform: %w: %d bytes", ErrListTooLong, len(list))
	}

	var paths []string
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		var (
			n   *Node
			err error
		)
		if strings.HasPrefix(item, "/") {
			n, err = t.FindByPath(item)
		} else {
			n, err = t.FindByAlias(item)
		}
		if err != nil {
			return nil, err
		}

		paths = append(paths, n.Path())
	}

	return paths, nil
}
