// Package knob implements the configuration registry. Components register
// the knobs they understand with a name, a description and a default;
// values come from a TOML file, from explicit Set calls (CLI flags), or
// fall back to the default.
//
// Registration happens before any value is read, so an unknown key in a
// config file is a hard configuration error rather than a silent no-op.
package knob

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

type kind int

const (
	kindBool kind = iota
	kindInt
	kindStr
)

type def struct {
	name string
	desc string
	kind kind

	boolVal bool
	intVal  int64
	strVal  string
}

// mutexGroup is a set of boolean knobs of which at most one may be
// enabled.
type mutexGroup struct {
	names []string
	msg   string
}

// Registry holds knob definitions and their resolved values.
type Registry struct {
	mu      sync.Mutex
	defs    map[string]*def
	mutexes []mutexGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*def)}
}

// RegisterBool registers a boolean knob. Re-registering the same name is
// allowed (several components share knobs like unit_size); the first
// registration wins.
func (r *Registry) RegisterBool(name, desc string, dflt bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return
	}
	r.defs[name] = &def{name: name, desc: desc, kind: kindBool, boolVal: dflt}
}

// RegisterInt registers an integer knob.
func (r *Registry) RegisterInt(name, desc string, dflt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return
	}
	r.defs[name] = &def{name: name, desc: desc, kind: kindInt, intVal: dflt}
}

// RegisterStr registers a string knob.
func (r *Registry) RegisterStr(name, desc, dflt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return
	}
	r.defs[name] = &def{name: name, desc: desc, kind: kindStr, strVal: dflt}
}

// ValueBool returns the value of a boolean knob. Reading an unregistered
// knob is a programming error and panics.
func (r *Registry) ValueBool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.defs[name]
	if d == nil || d.kind != kindBool {
		panic(fmt.Sprintf("knob: %q is not a registered bool knob", name))
	}
	return d.boolVal
}

// ValueInt returns the value of an integer knob.
func (r *Registry) ValueInt(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.defs[name]
	if d == nil || d.kind != kindInt {
		panic(fmt.Sprintf("knob: %q is not a registered int knob", name))
	}
	return d.intVal
}

// ValueStr returns the value of a string knob.
func (r *Registry) ValueStr(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.defs[name]
	if d == nil || d.kind != kindStr {
		panic(fmt.Sprintf("knob: %q is not a registered string knob", name))
	}
	return d.strVal
}

// RegisterMutex declares a set of boolean knobs as mutually exclusive:
// enabling more than one of them is a configuration error reported by
// Validate with msg. Every name must already be registered as a bool.
func (r *Registry) RegisterMutex(msg string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		d := r.defs[name]
		if d == nil || d.kind != kindBool {
			panic(fmt.Sprintf("knob: mutex over unregistered bool knob %q", name))
		}
	}
	r.mutexes = append(r.mutexes, mutexGroup{names: names, msg: msg})
}

// Validate checks cross-knob constraints after all values are resolved.
// Called once at setup, before any analyzer is wired.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.mutexes {
		var enabled []string
		for _, name := range g.names {
			if r.defs[name].boolVal {
				enabled = append(enabled, name)
			}
		}
		if len(enabled) > 1 {
			return fmt.Errorf("knob: %s (enabled: %v)", g.msg, enabled)
		}
	}
	return nil
}

// Set assigns a knob from its string form, used by CLI overrides.
func (r *Registry) Set(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.defs[name]
	if d == nil {
		return fmt.Errorf("knob: unknown knob %q", name)
	}
	switch d.kind {
	case kindBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("knob: %q: %w", name, err)
		}
		d.boolVal = v
	case kindInt:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("knob: %q: %w", name, err)
		}
		d.intVal = v
	case kindStr:
		d.strVal = value
	}
	return nil
}

// LoadFile resolves knob values from a TOML file. Keys must be registered;
// value types must match the registration.
func (r *Registry) LoadFile(path string) error {
	var raw map[string]toml.Primitive
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("knob: load %s: %w", path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, prim := range raw {
		d := r.defs[name]
		if d == nil {
			return fmt.Errorf("knob: %s: unknown knob %q", path, name)
		}
		switch d.kind {
		case kindBool:
			if err := md.PrimitiveDecode(prim, &d.boolVal); err != nil {
				return fmt.Errorf("knob: %s: %q: %w", path, name, err)
			}
		case kindInt:
			if err := md.PrimitiveDecode(prim, &d.intVal); err != nil {
				return fmt.Errorf("knob: %s: %q: %w", path, name, err)
			}
		case kindStr:
			if err := md.PrimitiveDecode(prim, &d.strVal); err != nil {
				return fmt.Errorf("knob: %s: %q: %w", path, name, err)
			}
		}
	}
	return nil
}

// Describe returns "name<tab>description (default)" lines for every knob in
// name order, for the CLI help output.
func (r *Registry) Describe() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		d := r.defs[name]
		var val string
		switch d.kind {
		case kindBool:
			val = strconv.FormatBool(d.boolVal)
		case kindInt:
			val = strconv.FormatInt(d.intVal, 10)
		case kindStr:
			val = d.strVal
		}
		out = append(out, fmt.Sprintf("%s\t%s (default %s)", name, d.desc, val))
	}
	return out
}
