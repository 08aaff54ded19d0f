// Copyright (c) VirtFwk, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package platform models the description of the machine the hypervisor
// boots on: a tree of device nodes with addresses, interrupts and
// free-form properties, plus an alias table. Vendor coproc drivers are
// probed against it at init.
package platform

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// CoprocProperty marks a device node as a coprocessor candidate for the
// sharing framework.
const CoprocProperty = "xen,coproc"

var (
	ErrNoRoot       = errors.New("platform description has no root node")
	ErrUnknownAlias = errors.New("no node for alias")
	ErrUnknownPath  = errors.New("no node at path")
)

// Reg is one address window a node occupies on the bus.
type Reg struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Node is one device node of the platform description.
type Node struct {
	Name       string            `yaml:"name"`
	Compatible string            `yaml:"compatible"`
	Properties map[string]string `yaml:"properties"`
	Regs       []Reg             `yaml:"regs"`
	IRQs       []uint32          `yaml:"irqs"`
	Children   []*Node           `yaml:"children"`

	path string
}

// Path returns the full name of the node, the canonical identifier used
// as primary key across the hypervisor.
func (n *Node) Path() string {
	return n.path
}

// HasProperty reports whether the node carries the named property.
func (n *Node) HasProperty(name string) bool {
	_, ok := n.Properties[name]
	return ok
}

// Property returns the value of the named property and whether it exists.
func (n *Node) Property(name string) (string, bool) {
	v, ok := n.Properties[name]
	return v, ok
}

// Tree is a whole platform description.
type Tree struct {
	Root    *Node             `yaml:"root"`
	Aliases map[string]string `yaml:"aliases"`

	byPath map[string]*Node
}

// Load parses a YAML platform description and resolves node paths.
func Load(data []byte) (*Tree, error) {
	var t Tree
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("platform: unable to parse description: %w", err)
	}

	if t.Root == nil {
		return nil, ErrNoRoot
	}

	t.byPath = make(map[string]*Node)
	t.index(t.Root, "")

	return &t, nil
}

// LoadFile reads and parses a platform description from disk.
func LoadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: unable to read description: %w", err)
	}
	return Load(data)
}

func (t *Tree) index(n *Node, parent string) {
	if parent == "" && n == t.Root {
		n.path = "/"
	} else {
		if parent == "/" {
			parent = ""
		}
		n.path = parent + "/" + n.Name
	}

	t.byPath[n.path] = n

	for _, child := range n.Children {
		t.index(child, n.path)
	}
}

// FindByPath returns the node with the given full name, or an error.
func (t *Tree) FindByPath(path string) (*Node, error) {
	if n, ok := t.byPath[path]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("platform: %q: %w", path, ErrUnknownPath)
}

// FindByAlias resolves a symbolic alias to its node.
func (t *Tree) FindByAlias(alias string) (*Node, error) {
	path, ok := t.Aliases[alias]
	if !ok {
		return nil, fmt.Errorf("platform: %q: %w", alias, ErrUnknownAlias)
	}
	return t.FindByPath(path)
}

// Walk visits every node of the tree depth-first. Iteration stops early
// when fn returns a non-nil error, which is passed through.
func (t *Tree) Walk(fn func(*Node) error) error {
	return walk(t.Root, fn)
}

func walk(n *Node, fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}
