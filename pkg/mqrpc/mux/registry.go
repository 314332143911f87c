package mux

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
)

var (
	errEmptyName    = errors.New("empty route name")
	errSealed       = errors.New("registry is sealed")
	errMissingCodec = errors.New("missing serializer or deserializer")
)

// entry is one registered route with its payload type erased.
type entry struct {
	name   string
	typ    reflect.Type
	route  mqrpc.Route
	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

// Registry collects route declarations at startup.
// Call Seal once every route is registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	sealed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register declares route name with payload type T.
//
// Names are unique; registering a name twice fails, as does registering on a
// sealed registry.
func Register[T any](reg *Registry, name string, decl mqrpc.Declaration[T]) error {
	if name == "" {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "register", "", errEmptyName)
	}
	if err := decl.Route.Validate(); err != nil {
		return err
	}
	if decl.Serialize == nil || decl.Deserialize == nil {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "register", name, errMissingCodec)
	}

	var zero T
	e := &entry{
		name:  name,
		typ:   reflect.TypeOf((*T)(nil)).Elem(),
		route: decl.Route,
		encode: func(v any) ([]byte, error) {
			val, ok := v.(T)
			if !ok {
				return nil, mqerrors.New(mqerrors.ErrPayloadType, "publish", name,
					fmt.Errorf("expected %T, got %T", zero, v))
			}
			return decl.Serialize(val)
		},
		decode: func(data []byte) (any, error) {
			return decl.Deserialize(data)
		},
	}
	return reg.add(e)
}

func (r *Registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "register", e.name, errSealed)
	}
	if _, exists := r.entries[e.name]; exists {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "register", e.name,
			fmt.Errorf("route %q already registered", e.name))
	}
	r.entries[e.name] = e
	r.order = append(r.order, e.name)
	return nil
}

// Seal freezes the registry and returns its immutable view.
// Further Register calls fail.
func (r *Registry) Seal() *Sealed {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	return &Sealed{entries: maps.Clone(r.entries), order: slices.Clone(r.order)}
}

// Sealed is the immutable route set used at runtime.
// It is safe for concurrent use with no locking.
type Sealed struct {
	entries map[string]*entry
	order   []string
}

// Names returns the route names in registration order.
func (s *Sealed) Names() []string {
	return slices.Clone(s.order)
}

// Route returns the route registered under name.
func (s *Sealed) Route(name string) (mqrpc.Route, bool) {
	e, ok := s.entries[name]
	if !ok {
		return mqrpc.Route{}, false
	}
	return e.route, true
}

func (s *Sealed) lookup(op, name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, mqerrors.New(mqerrors.ErrRouteNotFound, op, name, nil)
	}
	return e, nil
}

// checkType fails with ErrPayloadType unless T is the route's payload type.
func checkType[T any](e *entry, op string) error {
	if typ := reflect.TypeOf((*T)(nil)).Elem(); typ != e.typ {
		return mqerrors.New(mqerrors.ErrPayloadType, op, e.name,
			fmt.Errorf("route carries %v, got %v", e.typ, typ))
	}
	return nil
}
