/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config implements the directive-based configuration format.
//
// A configuration file is a tree of directives:
//
//	name arg0 arg1 {
//	    child0 arg
//	    child1
//	}
//
// Directives end at the line break, blocks are delimited by braces, '#'
// starts a comment and double quotes allow arguments with whitespace.
// {env:NAME} is replaced with the value of the environment variable.
package config

import (
	"fmt"
)

// Node is a parsed directive or block.
type Node struct {
	// Name is the first token of the directive.
	Name string
	// Args are the remaining tokens on the directive line.
	Args []string
	// Children contains the block contents. It is nil for a plain
	// directive and non-nil (possibly empty) for a block.
	Children []Node

	// File and Line point to the directive location for error messages.
	File string
	Line int
}

// Child returns the first child directive with the given name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// NodeErr formats an error message prefixed with the node location.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}
