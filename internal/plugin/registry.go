package plugin

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/mitchellh/mapstructure"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Definition is a named and typed input. Params holds every field of the
// definition, including name and kind.
type Definition struct {
	Name   string
	Kind   string
	Source string // file the definition was read from, empty for config inputs
	Params map[string]any
}

func (d Definition) String() string {
	if d.Source == "" {
		return d.Kind + "/" + d.Name
	}
	return d.Kind + "/" + d.Name + " (" + d.Source + ")"
}

// Decode decodes the parameters into out using mapstructure tags. Strings
// like 10s are accepted for time.Duration fields and scalar types are
// converted where it is unambiguous.
func (d Definition) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("mapstructure.NewDecoder: %w", err)
	}
	if err := dec.Decode(d.Params); err != nil {
		return fmt.Errorf("decoding %s: %w", d, err)
	}
	return nil
}

// NewDefinition validates the name and kind of raw.
func NewDefinition(source string, raw map[string]any) (Definition, error) {
	name, _ := raw["name"].(string)
	kind, _ := raw["kind"].(string)
	switch {
	case name == "":
		return Definition{}, fmt.Errorf("input %s: name is required", source)
	case kind == "":
		return Definition{}, fmt.Errorf("input %s: kind is required", name)
	}
	return Definition{
		Name:   name,
		Kind:   kind,
		Source: source,
		Params: raw,
	}, nil
}

type Factory func(Definition) (engine.Job, error)

type Registry struct {
	mx        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("job kind %s already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

func (r *Registry) New(def Definition) (engine.Job, error) {
	r.mx.RLock()
	f, ok := r.factories[def.Kind]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for input %s", ErrUnknownKind, def.Kind, def.Name)
	}
	job, err := f(def)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", def.Name, err)
	}
	return job, nil
}

// Jobs builds a job of every definition. Definitions which fail are
// reported in the joined error, the rest is still returned. Names must be
// unique.
func (r *Registry) Jobs(defs []Definition) ([]engine.Job, error) {
	var errs []error
	jobs := make([]engine.Job, 0, len(defs))
	names := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if prev, ok := names[def.Name]; ok {
			errs = append(errs, fmt.Errorf("input %s: duplicate name, already defined by %s", def, prev))
			continue
		}
		names[def.Name] = def

		job, err := r.New(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}
