// Package activator turns the work reference stored on a job into
// something a worker can call.
package activator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/0xPuncker/undertaker/pkg/types"
)

var (
	ErrNotActivatable    = errors.New("activator: work is not activatable")
	ErrAlreadyRegistered = errors.New("activator: already registered")
)

// Activator resolves a work reference to an Invocation.
type Activator interface {
	Activate(work types.WorkReference) (Invocation, error)
}

// Invocation is a resolved unit of work, ready to run with the job's
// parameters.
type Invocation interface {
	Invoke(ctx context.Context, params []types.Parameter) error
}

// Method runs against an instance produced by the type's factory.
type Method func(ctx context.Context, instance any, params []types.Parameter) error

// StaticMethod runs without an instance.
type StaticMethod func(ctx context.Context, params []types.Parameter) error

// Factory builds a fresh instance for every activation.
type Factory func() (any, error)

type methodKey struct {
	typeName   string
	methodName string
}

// Registry is an explicit registration table of types and methods.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	methods   map[methodKey]Method
	statics   map[methodKey]StaticMethod
}

var _ Activator = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		methods:   make(map[methodKey]Method),
		statics:   make(map[methodKey]StaticMethod),
	}
}

func (r *Registry) RegisterType(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return fmt.Errorf("activator: type name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[typeName]; ok {
		return fmt.Errorf("%w: type %s", ErrAlreadyRegistered, typeName)
	}
	r.factories[typeName] = factory
	return nil
}

func (r *Registry) RegisterMethod(typeName, methodName string, method Method) error {
	if typeName == "" || methodName == "" || method == nil {
		return fmt.Errorf("activator: type name, method name and method are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := methodKey{typeName, methodName}
	if _, ok := r.methods[key]; ok {
		return fmt.Errorf("%w: method %s.%s", ErrAlreadyRegistered, typeName, methodName)
	}
	r.methods[key] = method
	return nil
}

func (r *Registry) RegisterStatic(typeName, methodName string, method StaticMethod) error {
	if methodName == "" || method == nil {
		return fmt.Errorf("activator: method name and method are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := methodKey{typeName, methodName}
	if _, ok := r.statics[key]; ok {
		return fmt.Errorf("%w: static method %s", ErrAlreadyRegistered, types.WorkReference{TypeName: typeName, MethodName: methodName, Static: true})
	}
	r.statics[key] = method
	return nil
}

// Activate resolves work. Instance references call the type's factory
// on every activation.
func (r *Registry) Activate(work types.WorkReference) (Invocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := methodKey{work.TypeName, work.MethodName}
	if work.Static {
		method, ok := r.statics[key]
		if !ok {
			return nil, fmt.Errorf("%w: no static method %s", ErrNotActivatable, work)
		}
		return staticInvocation(method), nil
	}

	method, ok := r.methods[key]
	if !ok {
		return nil, fmt.Errorf("%w: no method %s", ErrNotActivatable, work)
	}
	factory, ok := r.factories[work.TypeName]
	if !ok {
		return nil, fmt.Errorf("%w: type %s is not registered", ErrNotActivatable, work.TypeName)
	}

	instance, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %v", ErrNotActivatable, work.TypeName, err)
	}
	return &instanceInvocation{instance: instance, method: method}, nil
}

// Lookup reports whether work can be activated without building an
// instance.
func (r *Registry) Lookup(work types.WorkReference) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := methodKey{work.TypeName, work.MethodName}
	if work.Static {
		_, ok := r.statics[key]
		return ok
	}
	_, hasMethod := r.methods[key]
	_, hasType := r.factories[work.TypeName]
	return hasMethod && hasType
}

type staticInvocation StaticMethod

func (s staticInvocation) Invoke(ctx context.Context, params []types.Parameter) error {
	return s(ctx, params)
}

type instanceInvocation struct {
	instance any
	method   Method
}

func (i *instanceInvocation) Invoke(ctx context.Context, params []types.Parameter) error {
	return i.method(ctx, i.instance, params)
}
