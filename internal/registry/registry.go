package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const DefaultScheme = "mcp"

var (
	ErrDuplicateIdentifier   = errors.New("duplicate resource identifier")
	ErrRegistryClosed        = errors.New("registry closed")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrParameterTypeMismatch = errors.New("parameter type mismatch")
	ErrMissingParameter      = errors.New("missing parameter")
	ErrInvalidTemplate       = errors.New("invalid identifier template")
)

// Surface names the inbound path a dispatch arrived on.
type Surface string

const (
	SurfaceResource Surface = "resource"
	SurfaceTool     Surface = "tool"
)

// Handler turns coerced parameters into a backend payload.
type Handler func(ctx context.Context, args Args) (any, error)

// Descriptor declares one queryable item. URI may omit the scheme. When Name
// is empty it is derived from the identifier's literal segments.
type Descriptor struct {
	Name        string
	URI         string
	Description string
	MimeType    string
	Params      []Param
	Handler     Handler
}

// Match is the result of resolving an identifier.
type Match struct {
	Descriptor
	Bindings []Binding
	Query    url.Values
}

// Event is emitted once per Dispatch or Call, after the handler returns.
type Event struct {
	RequestID  string
	Identifier string
	Name       string
	Surface    Surface
	Duration   time.Duration
	Err        error
}

type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type Option func(*Registry)

func WithScheme(scheme string) Option {
	return func(r *Registry) {
		scheme = strings.TrimSuffix(strings.TrimSpace(scheme), "://")
		if scheme != "" {
			r.scheme = scheme
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

type entry struct {
	desc   Descriptor
	tmpl   template
	params map[string]Param
}

// Registry maps identifiers and tool names to handlers. It is populated
// during startup and becomes read-only once sealed.
type Registry struct {
	scheme   string
	logger   *slog.Logger
	observer Observer
	sealed   atomic.Bool

	entries  []*entry
	literals map[string]*entry
	shapes   map[string]*entry
	tools    map[string]*entry
}

func New(opts ...Option) *Registry {
	r := &Registry{
		scheme:   DefaultScheme,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		literals: map[string]*entry{},
		shapes:   map[string]*entry{},
		tools:    map[string]*entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Scheme() string {
	return r.scheme
}

// Register adds a descriptor. It must be called before the first lookup.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed.Load() {
		return ErrRegistryClosed
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidTemplate, d.URI)
	}

	path, ok := r.stripScheme(d.URI)
	if !ok {
		return fmt.Errorf("%w: %q does not use scheme %q", ErrInvalidTemplate, d.URI, r.scheme)
	}
	tmpl, err := parseTemplate(path)
	if err != nil {
		return err
	}

	if tmpl.segments[0].isParam() {
		return fmt.Errorf("%w: %q must start with a literal segment", ErrInvalidTemplate, d.URI)
	}
	explicitName := d.Name != ""
	if d.MimeType == "" {
		d.MimeType = "application/json"
	}
	d.URI = r.scheme + "://" + tmpl.path

	params, ordered, err := declareParams(tmpl, d.Params)
	if err != nil {
		return fmt.Errorf("%s: %w", d.URI, err)
	}
	d.Params = ordered

	shape := tmpl.shape()
	if existing, dup := r.shapes[shape]; dup {
		return fmt.Errorf("%w: %s collides with %s", ErrDuplicateIdentifier, d.URI, existing.desc.URI)
	}
	if !explicitName {
		d.Name = r.freeName(tmpl)
	}
	if existing, dup := r.tools[d.Name]; dup {
		return fmt.Errorf("%w: tool name %q already used by %s", ErrDuplicateIdentifier, d.Name, existing.desc.URI)
	}

	e := &entry{desc: d, tmpl: tmpl, params: params}
	r.entries = append(r.entries, e)
	r.shapes[shape] = e
	r.tools[d.Name] = e
	if tmpl.isLiteral() {
		r.literals[tmpl.path] = e
	}
	return nil
}

// freeName picks a tool name for a descriptor registered without one. Only an
// explicit Name can collide; derived names fall back to longer forms.
func (r *Registry) freeName(tmpl template) string {
	for _, name := range []string{tmpl.defaultName(), tmpl.qualifiedName()} {
		if _, taken := r.tools[name]; !taken {
			return name
		}
	}
	base := tmpl.qualifiedName()
	for n := 2; ; n++ {
		name := base + "_" + strconv.Itoa(n)
		if _, taken := r.tools[name]; !taken {
			return name
		}
	}
}

// declareParams returns placeholders first, in template order, followed by
// any extra optional params.
func declareParams(tmpl template, declared []Param) (map[string]Param, []Param, error) {
	byName := make(map[string]Param, len(declared))
	for _, p := range declared {
		if strings.TrimSpace(p.Name) == "" {
			return nil, nil, fmt.Errorf("%w: unnamed param", ErrInvalidTemplate)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, nil, fmt.Errorf("%w: param %q declared twice", ErrInvalidTemplate, p.Name)
		}
		byName[p.Name] = p
	}

	ordered := make([]Param, 0, len(declared)+len(tmpl.params))
	placeholders := make(map[string]struct{}, len(tmpl.params))
	for _, name := range tmpl.params {
		p, ok := byName[name]
		if !ok {
			p = Param{Name: name, Type: String}
		}
		p.Optional = false
		byName[name] = p
		placeholders[name] = struct{}{}
		ordered = append(ordered, p)
	}

	for _, p := range declared {
		if _, ok := placeholders[p.Name]; ok {
			continue
		}
		if !p.Optional {
			return nil, nil, fmt.Errorf("%w: param %q is not in the identifier and must be optional", ErrInvalidTemplate, p.Name)
		}
		ordered = append(ordered, p)
	}

	return byName, ordered, nil
}

// Seal closes registration. Further calls are no-ops.
func (r *Registry) Seal() {
	if r.sealed.CompareAndSwap(false, true) {
		r.logger.Debug("registry sealed", "entries", len(r.entries))
	}
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

func (r *Registry) Resolve(identifier string) (Match, error) {
	r.Seal()

	e, bindings, query, err := r.lookup(identifier)
	if err != nil {
		return Match{}, err
	}
	return Match{Descriptor: e.desc, Bindings: bindings, Query: query}, nil
}

func (r *Registry) lookup(identifier string) (*entry, []Binding, url.Values, error) {
	path, ok := r.stripScheme(strings.TrimSpace(identifier))
	if !ok || path == "" {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrResourceNotFound, identifier)
	}

	var query url.Values
	if before, rawQuery, found := strings.Cut(path, "?"); found {
		parsed, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid query on %s: %v", ErrParameterTypeMismatch, identifier, err)
		}
		path, query = before, parsed
	}

	if e, ok := r.literals[path]; ok {
		return e, nil, query, nil
	}

	parts := strings.Split(path, "/")
	for _, e := range r.entries {
		if e.tmpl.isLiteral() {
			continue
		}
		if bindings, ok := e.tmpl.match(parts); ok {
			return e, bindings, query, nil
		}
	}

	return nil, nil, nil, fmt.Errorf("%w: %s", ErrResourceNotFound, identifier)
}

func (r *Registry) stripScheme(identifier string) (string, bool) {
	scheme, rest, found := strings.Cut(identifier, "://")
	if !found {
		return identifier, true
	}
	if scheme != r.scheme {
		return "", false
	}
	return rest, true
}

// Dispatch resolves a resource identifier and runs its handler.
func (r *Registry) Dispatch(ctx context.Context, identifier string) (any, error) {
	r.Seal()
	start := time.Now()
	event := Event{RequestID: uuid.NewString(), Identifier: identifier, Surface: SurfaceResource}

	result, err := func() (any, error) {
		e, bindings, query, err := r.lookup(identifier)
		if err != nil {
			return nil, err
		}
		event.Name = e.desc.Name

		raw := make(map[string]any, len(bindings)+len(e.params))
		for _, b := range bindings {
			raw[b.Name] = b.Value
		}
		for name, p := range e.params {
			if _, bound := raw[name]; bound || !p.Optional {
				continue
			}
			if query.Has(name) {
				raw[name] = query.Get(name)
			}
		}

		args, err := e.bind(raw)
		if err != nil {
			return nil, err
		}
		args.Query = query
		return r.invoke(ctx, e, args, event)
	}()

	r.finish(event, start, err)
	return result, err
}

// Call looks a descriptor up by tool name and runs it with explicit arguments.
func (r *Registry) Call(ctx context.Context, name string, arguments map[string]any) (any, error) {
	r.Seal()
	start := time.Now()
	event := Event{RequestID: uuid.NewString(), Identifier: name, Name: name, Surface: SurfaceTool}

	result, err := func() (any, error) {
		e, ok := r.tools[name]
		if !ok {
			event.Name = ""
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
		}
		args, err := e.bind(arguments)
		if err != nil {
			return nil, err
		}
		return r.invoke(ctx, e, args, event)
	}()

	r.finish(event, start, err)
	return result, err
}

func (e *entry) bind(raw map[string]any) (Args, error) {
	values := make(map[string]any, len(e.desc.Params))
	for _, p := range e.desc.Params {
		value, present := raw[p.Name]
		if !present || isBlank(value) {
			if p.Optional {
				continue
			}
			return Args{}, fmt.Errorf("%w: %s", ErrMissingParameter, p.Name)
		}
		coerced, err := coerce(p, value)
		if err != nil {
			return Args{}, err
		}
		values[p.Name] = coerced
	}
	return Args{values: values}, nil
}

func (r *Registry) invoke(ctx context.Context, e *entry, args Args, event Event) (any, error) {
	r.logger.Debug("dispatch start",
		"request_id", event.RequestID,
		"name", e.desc.Name,
		"surface", string(event.Surface),
	)
	return e.desc.Handler(ctx, args)
}

func (r *Registry) finish(event Event, start time.Time, err error) {
	event.Duration = time.Since(start)
	event.Err = err

	attrs := []any{
		"request_id", event.RequestID,
		"name", event.Name,
		"surface", string(event.Surface),
		"duration", event.Duration,
	}
	if err != nil {
		r.logger.Warn("dispatch failed", append(attrs, "identifier", event.Identifier, "error", err)...)
	} else {
		r.logger.Debug("dispatch finished", attrs...)
	}

	if r.observer != nil {
		r.observer.Observe(event)
	}
}

// Resources lists literal descriptors in registration order.
func (r *Registry) Resources() []Descriptor {
	var out []Descriptor
	for _, e := range r.entries {
		if e.tmpl.isLiteral() {
			out = append(out, e.desc)
		}
	}
	return out
}

// Templates lists parameterized descriptors in registration order.
func (r *Registry) Templates() []Descriptor {
	var out []Descriptor
	for _, e := range r.entries {
		if !e.tmpl.isLiteral() {
			out = append(out, e.desc)
		}
	}
	return out
}

// Tools lists every descriptor in registration order.
func (r *Registry) Tools() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// InputSchema describes the tool arguments as a JSON Schema object.
func (d Descriptor) InputSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type.String()}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if !p.Optional {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
