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

package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, Node) (interface{}, error)
	store         *reflect.Value
}

func (m *matcher) assign(val interface{}) {
	valRefl := reflect.ValueOf(val)
	// Untyped nil has no type and would panic in Set.
	if !valRefl.IsValid() {
		valRefl = reflect.Zero(m.store.Type())
	}
	m.store.Set(valRefl)
}

// Map maps configuration directives of a block to Go variables.
//
// Each directive is registered with one of the typed methods (String,
// Int, Duration, ...) or with Custom, then Process walks the block, runs
// the mappers and stores results.
type Map struct {
	allowUnknown bool

	// Values contains all values produced during processing.
	Values map[string]interface{}

	entries map[string]matcher

	// Globals are used for directives registered with inheritGlobal when
	// the block does not set them.
	Globals map[string]interface{}
	Block   Node
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

// AllowUnknown makes Process return unknown directives instead of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func noBlock(node Node) error {
	if len(node.Children) != 0 {
		return NodeErr(node, "can't declare a block here")
	}
	return nil
}

func singleArg(node Node) (string, error) {
	if err := noBlock(node); err != nil {
		return "", err
	}
	if len(node.Args) != 1 {
		return "", NodeErr(node, "expected exactly one argument")
	}
	return node.Args[0], nil
}

// String maps 'name value'.
func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		return singleArg(node)
	}, store)
}

// StringList maps 'name value1 value2 ...', at least one value is required.
func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
		return append([]string(nil), node.Args...), nil
	}, store)
}

// Enum maps 'name value' where value must be one of allowed.
func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		for _, a := range allowed {
			if a == arg {
				return arg, nil
			}
		}
		return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
	}, store)
}

// Int maps 'name 123'.
func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

// Float maps 'name 1.5'.
func (m *Map) Float(name string, inheritGlobal, required bool, defaultVal float64, store *float64) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, NodeErr(node, "invalid float: %s", arg)
		}
		return f, nil
	}, store)
}

// Duration maps 'name 5s'. Multiple arguments are concatenated, so
// 'name 1h 30m' is the same as 'name 1h30m'. Negative values are rejected.
func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, inheritGlobal, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "at least one argument is required")
		}
		dur, err := time.ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		if dur < 0 {
			return nil, NodeErr(node, "duration must not be negative")
		}
		return dur, nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps 'name', 'name yes' and 'name no'. A directive without
// arguments means true.
func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.Custom(name, inheritGlobal, false, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		switch len(node.Args) {
		case 0:
			return true, nil
		case 1:
			b, err := ParseBool(node.Args[0])
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			return b, nil
		default:
			return nil, NodeErr(node, "expected at most one argument")
		}
	}, store)
}

// Custom registers a directive with an arbitrary mapper.
//
// If inheritGlobal is true, the value from Globals is used when the block
// does not contain the directive. If required is true, Process fails when
// the value is set neither in the block nor (with inheritGlobal) globally.
// defaultVal may be nil if required is true.
//
// store must be a pointer to a variable of the type returned by mapper,
// or nil to keep the value only in Map.Values.
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config.Map: duplicate matcher for " + name)
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config.Map: store argument must be a pointer")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		required:      required,
		defaultVal:    defaultVal,
		mapper:        mapper,
		store:         target,
	}
}

// Process maps the directives of m.Block and returns the unknown ones if
// AllowUnknown was called.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Globals, m.Block)
}

func (m *Map) ProcessWith(globals map[string]interface{}, block Node) (unknown []Node, err error) {
	matched := make(map[string]bool)
	m.Values = make(map[string]interface{})

	for _, child := range block.Children {
		matcher, ok := m.entries[child.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(child, "unexpected directive: %s", child.Name)
			}
			unknown = append(unknown, child)
			continue
		}
		if matched[child.Name] {
			return nil, NodeErr(child, "duplicate directive: %s", child.Name)
		}
		matched[child.Name] = true

		val, err := matcher.mapper(m, child)
		if err != nil {
			return nil, err
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	for _, matcher := range m.entries {
		if matched[matcher.name] {
			continue
		}

		var val interface{}
		globalVal, ok := globals[matcher.name]
		switch {
		case matcher.inheritGlobal && ok:
			val = globalVal
		case matcher.required:
			return nil, NodeErr(block, "missing required directive: %s", matcher.name)
		case matcher.defaultVal == nil:
			continue
		default:
			val, err = matcher.defaultVal()
			if err != nil {
				return nil, err
			}
		}

		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	return unknown, nil
}
