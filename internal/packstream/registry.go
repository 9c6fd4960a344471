package packstream

import (
	"fmt"
	"reflect"
)

// DehydrateFunc turns an application-level value into a Structure ready
// for Encoder.Encode. HydrateFunc is the inverse, turning a decoded
// Structure back into the application value.
type DehydrateFunc func(v any) (Structure, error)
type HydrateFunc func(s Structure) (any, error)

// Registry is the process-global, immutable-after-build table mapping
// application types to their wire Structure tag, per §9's redesign
// flag: "replace module-level singletons with a process-global
// immutable registry built once at start-up; no locks needed after
// initialization." The driver builds one Registry with
// NewBuilder().Build() and shares it across every connection; it is
// never mutated.
type Registry struct {
	dehydrate map[reflect.Type]dehydrateEntry
	hydrate   map[byte]HydrateFunc
	// subtypeOrder lists additional types to probe, in order, when an
	// exact reflect.Type lookup misses — the "exact type then subtype
	// chain" lookup §4.1 requires for dehydration hooks.
	subtypeOrder []reflect.Type
}

type dehydrateEntry struct {
	tag byte
	fn  DehydrateFunc
}

// Builder accumulates hooks before Build freezes them into a Registry.
// A Builder is only used during start-up, before Build.
type Builder struct {
	dehydrate map[reflect.Type]dehydrateEntry
	hydrate   map[byte]HydrateFunc
	order     []reflect.Type
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		dehydrate: map[reflect.Type]dehydrateEntry{},
		hydrate:   map[byte]HydrateFunc{},
	}
}

// AddHook registers both directions of a structure tag for the given
// Go type. The order hooks are added in becomes the subtype probing
// order for Dehydrate when an exact type match fails (e.g. a caller's
// custom type that embeds or implements an interface over one of the
// known temporal/spatial types should be added after its base type).
func (b *Builder) AddHook(sample any, tag byte, dehydrate DehydrateFunc, hydrate HydrateFunc) {
	t := reflect.TypeOf(sample)
	b.dehydrate[t] = dehydrateEntry{tag: tag, fn: dehydrate}
	b.hydrate[tag] = hydrate
	b.order = append(b.order, t)
}

// Build freezes the builder into an immutable Registry.
func (b *Builder) Build() *Registry {
	return &Registry{
		dehydrate:    b.dehydrate,
		hydrate:      b.hydrate,
		subtypeOrder: append([]reflect.Type(nil), b.order...),
	}
}

// Dehydrate converts an application value to its Structure form. Exact
// type match is tried first, then each registered type in registration
// order is tried as an assignability check (the "subtype chain").
func (r *Registry) Dehydrate(v any) (Structure, bool, error) {
	t := reflect.TypeOf(v)
	if entry, ok := r.dehydrate[t]; ok {
		s, err := entry.fn(v)
		if err != nil {
			return Structure{}, true, fmt.Errorf("packstream: dehydrate %s: %w", t, err)
		}
		return s, true, nil
	}
	if t == nil {
		return Structure{}, false, nil
	}
	for _, candidate := range r.subtypeOrder {
		if t.AssignableTo(candidate) {
			entry := r.dehydrate[candidate]
			s, err := entry.fn(v)
			if err != nil {
				return Structure{}, true, fmt.Errorf("packstream: dehydrate %s as %s: %w", t, candidate, err)
			}
			return s, true, nil
		}
	}
	return Structure{}, false, nil
}

// Hydrate converts a decoded Structure into an application value using
// the hook registered for its tag. An unrecognized tag yields a Broken
// value rather than an error, per §4.1.
func (r *Registry) Hydrate(s Structure) any {
	fn, ok := r.hydrate[s.Tag]
	if !ok {
		return Broken{Tag: s.Tag, Fields: s.Fields, Reason: "unknown structure tag"}
	}
	v, err := fn(s)
	if err != nil {
		return Broken{Tag: s.Tag, Fields: s.Fields, Reason: err.Error()}
	}
	return v
}
