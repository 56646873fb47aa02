// Package agents maps agent names to per-user factories and shared
// singletons.
//
// A factory materializes a fresh instance bound to one user's engine, so it
// needs a Binding; asking for a factory-only name without one returns
// nothing. A singleton is shared and ignores the binding. Duplicate
// registrations are recorded instead of aborting startup.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/pkg/execctx"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Binding is the per-user scope an instance runs in. *engine.Engine
// implements it.
type Binding interface {
	UserContext() *execctx.ExecutionContext
	Emit(ctx context.Context, kind lifecycle.Kind, payload map[string]interface{}) (lifecycle.Receipt, error)
	AttachAgent(name string, instance any) error
}

// Agent is a runnable agent instance.
type Agent interface {
	Run(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// FactoryFunc creates an instance bound to b.
type FactoryFunc func(b Binding) (Agent, error)

var (
	// ErrAgentNotFound is matched by every *AgentNotFoundError.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is matched by duplicate registration errors.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrBindingRequired is returned by CreateInstance without a binding.
	ErrBindingRequired = errors.New("agent binding is required")
)

// AgentNotFoundError reports a name with no factory registration.
type AgentNotFoundError struct {
	Name string
	// SingletonOnly is set when the name exists but only as a singleton.
	SingletonOnly bool
}

func (e *AgentNotFoundError) Error() string {
	if e.SingletonOnly {
		return fmt.Sprintf("agent %q has no factory (singleton only)", e.Name)
	}
	return fmt.Sprintf("agent %q not found", e.Name)
}

func (e *AgentNotFoundError) Is(target error) bool {
	return target == ErrAgentNotFound
}

// RegistrationError records a rejected registration.
type RegistrationError struct {
	Name string
	Kind string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Info describes one registered name.
type Info struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	HasFactory   bool     `json:"has_factory"`
	HasSingleton bool     `json:"has_singleton"`
}

type slotOptions struct {
	tags        []string
	override    bool
	description string
}

// Option customizes a registration.
type Option func(*slotOptions)

// WithTags attaches lookup tags.
func WithTags(tags ...string) Option {
	return func(o *slotOptions) { o.tags = append(o.tags, tags...) }
}

// WithOverride replaces an existing registration of the same kind.
func WithOverride() Option {
	return func(o *slotOptions) { o.override = true }
}

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(o *slotOptions) { o.description = desc }
}

type entry struct {
	factory        FactoryFunc
	factoryTags    []string
	singleton      Agent
	singletonTags  []string
	description    string
	hasSingleton   bool
	hasFactoryDesc bool
}

// Registry holds agent registrations. It is safe for concurrent use.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	errs    []error
}

// NewRegistry creates an empty registry. A nil logger uses the global one.
func NewRegistry(logger *zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Registry{
		logger:  l.With().Str("component", "agent_registry").Logger(),
		entries: make(map[string]*entry),
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) fail(name, kind string, err error) error {
	regErr := &RegistrationError{Name: name, Kind: kind, Err: err}
	r.errs = append(r.errs, regErr)
	r.logger.Error().Err(err).Str("agent", name).Str("kind", kind).Msg("Agent registration rejected")
	return regErr
}

// RegisterFactory registers fn under name. A duplicate factory without
// WithOverride is recorded in Errors and returned.
func (r *Registry) RegisterFactory(name string, fn FactoryFunc, opts ...Option) error {
	var o slotOptions
	for _, opt := range opts {
		opt(&o)
	}
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return r.fail(name, "factory", errors.New("name is required"))
	}
	if fn == nil {
		return r.fail(name, "factory", errors.New("factory function is required"))
	}

	e := r.entries[name]
	if e == nil {
		e = &entry{}
		r.entries[name] = e
	}
	if e.factory != nil && !o.override {
		return r.fail(name, "factory", ErrDuplicateAgent)
	}

	e.factory = fn
	e.factoryTags = normalizeTags(o.tags)
	if o.description != "" {
		e.description = o.description
		e.hasFactoryDesc = true
	}
	r.logger.Debug().Str("agent", name).Strs("tags", e.factoryTags).Msg("Registered agent factory")
	return nil
}

// RegisterSingleton registers a shared instance under name. A duplicate
// singleton without WithOverride is recorded in Errors and returned.
func (r *Registry) RegisterSingleton(name string, instance Agent, opts ...Option) error {
	var o slotOptions
	for _, opt := range opts {
		opt(&o)
	}
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return r.fail(name, "singleton", errors.New("name is required"))
	}
	if instance == nil {
		return r.fail(name, "singleton", errors.New("instance is required"))
	}

	e := r.entries[name]
	if e == nil {
		e = &entry{}
		r.entries[name] = e
	}
	if e.hasSingleton && !o.override {
		return r.fail(name, "singleton", ErrDuplicateAgent)
	}

	e.singleton = instance
	e.hasSingleton = true
	e.singletonTags = normalizeTags(o.tags)
	if o.description != "" && !e.hasFactoryDesc {
		e.description = o.description
	}
	r.logger.Debug().Str("agent", name).Strs("tags", e.singletonTags).Msg("Registered agent singleton")
	return nil
}

// Get returns the singleton registered under name, or a fresh factory
// instance bound to b. It returns nil for unknown names, and for
// factory-only names when b is nil.
func (r *Registry) Get(ctx context.Context, name string, b Binding) Agent {
	r.mu.RLock()
	e := r.entries[name]
	var singleton Agent
	var hasFactory bool
	if e != nil {
		singleton = e.singleton
		hasFactory = e.factory != nil
	}
	r.mu.RUnlock()

	if singleton != nil {
		return singleton
	}
	if !hasFactory || b == nil {
		return nil
	}

	inst, err := r.CreateInstance(ctx, name, b)
	if err != nil {
		return nil
	}
	return inst
}

// CreateInstance always runs the factory registered under name and attaches
// the new instance to b. Singleton-only and unknown names fail with an
// *AgentNotFoundError.
func (r *Registry) CreateInstance(ctx context.Context, name string, b Binding) (Agent, error) {
	r.mu.RLock()
	e := r.entries[name]
	var fn FactoryFunc
	singletonOnly := false
	if e != nil {
		fn = e.factory
		singletonOnly = e.factory == nil && e.hasSingleton
	}
	r.mu.RUnlock()

	if fn == nil {
		observability.RecordAgentInstance(name, false)
		return nil, &AgentNotFoundError{Name: name, SingletonOnly: singletonOnly}
	}
	if b == nil || b.UserContext() == nil {
		observability.RecordAgentInstance(name, false)
		return nil, ErrBindingRequired
	}

	ec := b.UserContext()
	logger := r.logger.With().
		Str("agent", name).
		Str("user_id", ec.UserID()).
		Str("request_id", ec.RequestID()).
		Logger()

	inst, err := fn(b)
	if err == nil && inst == nil {
		err = errors.New("factory returned no instance")
	}
	if err != nil {
		observability.RecordAgentInstance(name, false)
		logger.Warn().Err(err).Msg("Agent factory failed")
		return nil, fmt.Errorf("create agent %q: %w", name, err)
	}

	if err := b.AttachAgent(name, inst); err != nil {
		observability.RecordAgentInstance(name, false)
		return nil, fmt.Errorf("attach agent %q: %w", name, err)
	}

	observability.RecordAgentInstance(name, true)
	logger.Debug().Msg("Agent instance created")
	return inst, nil
}

// Has reports whether name has any registration.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Describe returns the registration info for name.
func (r *Registry) Describe(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return e.info(name), true
}

func (e *entry) info(name string) Info {
	return Info{
		Name:         name,
		Description:  e.description,
		Tags:         normalizeTags(append(append([]string(nil), e.factoryTags...), e.singletonTags...)),
		HasFactory:   e.factory != nil,
		HasSingleton: e.hasSingleton,
	}
}

// List returns every registration sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.info(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByTag returns the sorted names carrying tag on either slot.
func (r *Registry) ListByTag(tag string) []string {
	tag = strings.ToLower(strings.TrimSpace(tag))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.entries {
		if containsTag(e.factoryTags, tag) || containsTag(e.singletonTags, tag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func containsTag(tags []string, tag string) bool {
	i := sort.SearchStrings(tags, tag)
	return i < len(tags) && tags[i] == tag
}

// Unregister removes both slots of name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Errors returns every recorded registration error in order.
func (r *Registry) Errors() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.errs...)
}

// Err joins the recorded registration errors, or returns nil.
func (r *Registry) Err() error {
	return errors.Join(r.Errors()...)
}
