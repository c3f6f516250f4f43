package grain

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"weak"

	"grain-rpc/rpcerr"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

type proxyEntry struct {
	ptr   weak.Pointer[Proxy]
	iface string
}

type subjectKey struct {
	iface   string
	subject any
}

// Registry maps object ids to the proxies and servants of one endpoint.
//
// Servants are held strongly until removed. Proxies are held weakly: the entry lives as long
// as application code keeps the typed stub (which references its *Proxy). Once the stub is
// collected, RemoveUnusedProxies drops the entry and a later GetOrCreateProxy transparently
// builds a fresh proxy for the same id.
type Registry struct {
	mu        deadlock.Mutex
	catalog   *Catalog
	ids       *IDAllocator
	ch        Channel
	logger    *logrus.Entry
	proxies   map[ObjectID]proxyEntry
	servants  map[ObjectID]*Servant
	bySubject map[subjectKey]*Servant

	numCollected atomic.Int64
}

func NewRegistry(catalog *Catalog, ids *IDAllocator, ch Channel, logger *logrus.Entry) *Registry {
	return &Registry{
		catalog:   catalog,
		ids:       ids,
		ch:        ch,
		logger:    logger,
		proxies:   make(map[ObjectID]proxyEntry),
		servants:  make(map[ObjectID]*Servant),
		bySubject: make(map[subjectKey]*Servant),
	}
}

func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// RegisterProxy creates a proxy for id. It fails if a live proxy with that id exists.
func (r *Registry) RegisterProxy(id ObjectID, desc *InterfaceDescriptor) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.proxies[id]; ok && e.ptr.Value() != nil {
		return nil, &rpcerr.ArgumentError{Interface: desc.Name, Reason: fmt.Sprintf("a proxy with id %d already exists", id)}
	}
	p, err := r.newProxyLocked(id, desc)
	if err != nil {
		return nil, err
	}
	return p.stub, nil
}

// GetOrCreateProxy returns the stub of the live proxy for id, creating one if needed.
func (r *Registry) GetOrCreateProxy(id ObjectID, desc *InterfaceDescriptor) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.proxies[id]; ok {
		if p := e.ptr.Value(); p != nil {
			if p.desc != desc {
				return nil, &rpcerr.TypeMismatchError{ObjectID: uint64(id), Expected: desc.Name, Actual: p.desc.Name}
			}
			return p.stub, nil
		}
	}
	p, err := r.newProxyLocked(id, desc)
	if err != nil {
		return nil, err
	}
	return p.stub, nil
}

func (r *Registry) newProxyLocked(id ObjectID, desc *InterfaceDescriptor) (*Proxy, error) {
	factory := r.catalog.factory(desc.Name)
	if factory == nil {
		return nil, errors.Errorf("interface %s is not registered", desc.Name)
	}
	p := &Proxy{id: id, desc: desc, ch: r.ch}
	p.stub = factory(p)
	if _, ok := p.stub.(GrainProxy); !ok {
		return nil, errors.Errorf("proxy stub %T for %s does not implement GrainProxy", p.stub, desc.Name)
	}
	if !reflect.TypeOf(p.stub).Implements(desc.Type) {
		return nil, errors.Errorf("proxy stub %T does not implement %s", p.stub, desc.Name)
	}
	r.proxies[id] = proxyEntry{ptr: weak.Make(p), iface: desc.Name}
	return p, nil
}

// Proxy returns the live proxy for id.
func (r *Registry) Proxy(id ObjectID) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.proxies[id]
	if !ok {
		return nil, false
	}
	p := e.ptr.Value()
	return p, p != nil
}

// RegisterServant exposes subject under id.
func (r *Registry) RegisterServant(id ObjectID, desc *InterfaceDescriptor, subject any) (*Servant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servants[id]; ok {
		return nil, &rpcerr.ArgumentError{Interface: desc.Name, Reason: fmt.Sprintf("a servant with id %d already exists", id)}
	}
	s, err := newServant(id, desc, subject)
	if err != nil {
		return nil, err
	}
	r.servants[id] = s
	key := subjectKey{iface: desc.Name, subject: subject}
	if _, ok := r.bySubject[key]; !ok {
		r.bySubject[key] = s
	}
	return s, nil
}

// GetOrCreateServant returns the servant exposing subject, allocating an id on first use.
// Subjects are compared by pointer identity.
func (r *Registry) GetOrCreateServant(desc *InterfaceDescriptor, subject any) (*Servant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := newServant(0, desc, subject)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.bySubject[subjectKey{iface: desc.Name, subject: subject}]; ok {
		return existing, nil
	}
	id, err := r.ids.Next()
	if err != nil {
		return nil, err
	}
	s.id = id
	r.servants[id] = s
	r.bySubject[subjectKey{iface: desc.Name, subject: subject}] = s
	r.logger.WithFields(logrus.Fields{"objectID": id, "interface": desc.Name}).Debug("created servant")
	return s, nil
}

func (r *Registry) Servant(id ObjectID) (*Servant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servants[id]
	return s, ok
}

// RetrieveSubject returns the object exposed under id.
func (r *Registry) RetrieveSubject(id ObjectID) (any, bool) {
	s, ok := r.Servant(id)
	if !ok {
		return nil, false
	}
	return s.subject, true
}

func (r *Registry) RemoveServant(id ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servants[id]
	if !ok {
		return false
	}
	delete(r.servants, id)
	key := subjectKey{iface: s.desc.Name, subject: s.subject}
	if r.bySubject[key] == s {
		delete(r.bySubject, key)
	}
	return true
}

// RemoveUnusedProxies drops the entries of proxies that have been garbage collected.
func (r *Registry) RemoveUnusedProxies() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.proxies {
		if e.ptr.Value() == nil {
			delete(r.proxies, id)
			n++
		}
	}
	if n > 0 {
		r.numCollected.Add(int64(n))
		r.logger.WithField("count", n).Debug("removed collected proxies")
	}
	return n
}

// RemoveProxiesInRange forgets every proxy whose id lies in rg. Stubs still held by the
// application keep working but are no longer returned by GetOrCreateProxy.
func (r *Registry) RemoveProxiesInRange(rg IDRange) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id := range r.proxies {
		if rg.Contains(id) {
			delete(r.proxies, id)
			n++
		}
	}
	return n
}

func (r *Registry) NumProxies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

func (r *Registry) NumServants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servants)
}

// NumProxiesCollected counts entries removed by RemoveUnusedProxies so far.
func (r *Registry) NumProxiesCollected() int64 {
	return r.numCollected.Load()
}

// ServantIDs snapshots the ids of every registered servant.
func (r *Registry) ServantIDs() mapset.Set[ObjectID] {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := mapset.NewThreadUnsafeSetWithSize[ObjectID](len(r.servants))
	for id := range r.servants {
		ids.Add(id)
	}
	return ids
}
