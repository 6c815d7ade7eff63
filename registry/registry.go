// Package registry holds the procedures a service can execute.
//
// Names are dotted paths ("math.double"). A name is rejected when it, or
// its last segment, is one of the reserved names fixed at construction
// (the protocol control names are always reserved). Names with a segment
// starting with "_" are private: user code cannot register them, and the
// service uses that space for its own built-in procedures.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"gen-rpc/message"
	"gen-rpc/rpcerr"
)

// Func is the form every procedure is adapted to. The returned value is
// sent back as the call result; a session.Generator or an iter.Seq turns
// the call into a streaming one.
type Func func(ctx context.Context, call *Call) (any, error)

// Procedure is one registration.
type Procedure struct {
	Name string
	Func Func
	// Doc is a one-line description returned by introspection.
	Doc string
	// Owner is the object the procedure was registered from, if any.
	Owner any
}

// Registry maps names to procedures. It is safe for concurrent use;
// registrations may be added while lookups are in progress.
type Registry struct {
	reserved set.Strings

	mu    sync.RWMutex
	procs map[string]*Procedure
}

// New returns an empty registry whose reserved set is the protocol names
// plus extra.
func New(extra ...string) *Registry {
	reserved := set.NewStrings(message.ReservedNames()...)
	for _, name := range extra {
		reserved.Add(name)
	}
	return &Registry{
		reserved: reserved,
		procs:    make(map[string]*Procedure),
	}
}

// Join builds a namespaced name. An empty namespace leaves name as is.
func Join(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// Reserved returns the reserved names in order.
func (r *Registry) Reserved() []string {
	return r.reserved.SortedValues()
}

// IsReserved reports whether name or its final segment is reserved.
func (r *Registry) IsReserved(name string) bool {
	return r.reserved.Contains(name) || r.reserved.Contains(message.LastSegment(name))
}

// IsPrivate reports whether any segment of name is private.
func IsPrivate(name string) bool {
	for _, seg := range strings.Split(name, ".") {
		if strings.HasPrefix(seg, message.PrivatePrefix) {
			return true
		}
	}
	return false
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) error {
	return r.Add(Procedure{Name: name, Func: fn})
}

// Add registers p. It fails when the name is reserved, private, malformed
// or already registered.
func (r *Registry) Add(p Procedure) error {
	if err := r.check(p, false); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.Name]; ok {
		return errors.AlreadyExistsf("procedure %q", p.Name)
	}
	r.procs[p.Name] = &p
	return nil
}

// AddBuiltin registers a procedure in the private namespace. It is meant
// for procedures the service provides itself.
func (r *Registry) AddBuiltin(p Procedure) error {
	if err := r.check(p, true); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.Name]; ok {
		return errors.AlreadyExistsf("procedure %q", p.Name)
	}
	r.procs[p.Name] = &p
	return nil
}

func (r *Registry) check(p Procedure, private bool) error {
	if p.Func == nil {
		return errors.NotValidf("procedure %q without function", p.Name)
	}
	for _, seg := range strings.Split(p.Name, ".") {
		if seg == "" {
			return errors.NotValidf("procedure name %q", p.Name)
		}
	}
	if r.IsReserved(p.Name) {
		return errors.Annotatef(rpcerr.ErrReservedName, "procedure %q", p.Name)
	}
	if IsPrivate(p.Name) != private {
		if private {
			return errors.NotValidf("builtin %q outside the private namespace", p.Name)
		}
		return errors.NotValidf("private procedure name %q", p.Name)
	}
	return nil
}

// RegisterObject registers every method of obj as namespace.method,
// skipping private and restricted method names. A reserved or duplicate
// name fails the whole registration and nothing is added.
func (r *Registry) RegisterObject(obj *Object, restricted ...string) error {
	skip := set.NewStrings(restricted...)
	var procs []Procedure
	for _, m := range obj.methods {
		if skip.Contains(m.Name) || IsPrivate(m.Name) {
			continue
		}
		p := m
		p.Name = Join(obj.Namespace, m.Name)
		p.Owner = obj.Owner
		if err := r.check(p, false); err != nil {
			return errors.Annotatef(err, "registering %s", describeOwner(obj))
		}
		procs = append(procs, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := set.NewStrings()
	for _, p := range procs {
		if _, ok := r.procs[p.Name]; ok || seen.Contains(p.Name) {
			return errors.AlreadyExistsf("procedure %q", p.Name)
		}
		seen.Add(p.Name)
	}
	for _, p := range procs {
		r.procs[p.Name] = &p
	}
	return nil
}

// Lookup returns the procedure registered under name.
func (r *Registry) Lookup(name string) (*Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, errors.NotFoundf("procedure %q", name)
	}
	return p, nil
}

// ListNames returns the public registered names in order.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		if !IsPrivate(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Procedures returns the public procedures ordered by name.
func (r *Registry) Procedures() []Procedure {
	names := r.ListNames()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Procedure, 0, len(names))
	for _, name := range names {
		if p, ok := r.procs[name]; ok {
			out = append(out, *p)
		}
	}
	return out
}
