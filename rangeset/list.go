// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

package rangeset

import (
	"slices"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// List threads a family of sets onto one owner, typically a domain. Sets
// created through it unlink themselves on Destroy, and the whole family can
// be torn down at once when the owner goes away.
type List struct {
	mu   sync.Mutex
	sets []*Set
}

// NewList returns an empty family of sets.
func NewList() *List {
	return &List{}
}

// New creates a set and threads it onto the list.
func (l *List) New(name string, flags Flags) (*Set, error) {
	r, err := New(name, flags)
	if err != nil {
		return nil, err
	}

	r.owner = l

	l.mu.Lock()
	l.sets = append(l.sets, r)
	l.mu.Unlock()

	return r, nil
}

func (l *List) unlink(r *Set) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := slices.Index(l.sets, r); i >= 0 {
		l.sets = slices.Delete(l.sets, i, i+1)
	}
}

// Len returns how many sets are currently threaded on the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sets)
}

// DestroyAll destroys every set still threaded on the list.
func (l *List) DestroyAll() {
	l.mu.Lock()
	sets := l.sets
	l.sets = nil
	l.mu.Unlock()

	for _, r := range sets {
		r.owner = nil
		r.Destroy()
	}
}

// Dump logs every set on the list, one line each.
func (l *List) Dump(logger hclog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.sets {
		logger.Info("rangeset", "name", r.Name(), "ranges", r.String())
	}
}
