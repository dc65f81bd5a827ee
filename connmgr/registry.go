package connmgr

import (
	"errors"
	"sync"

	"github.com/NHellFire/tinc/socket"
)

// ErrDuplicatePeer is returned when a record claims a peer name that
// already has a connection.
var ErrDuplicatePeer = errors.New("peer already has a connection")

// Registry is the shared table of live and attempted connections plus
// the fixed set of listen sockets, guarded by a single lock.  All
// insertions, removals and existence checks go through it.
type Registry struct {
	mtx    sync.Mutex
	conns  map[*Connection]struct{}
	byName map[string]*Connection
	listen []*socket.ListenPair
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[*Connection]struct{}),
		byName: make(map[string]*Connection),
	}
}

// Add registers a record.  Named records claim their peer name; at
// most one record may hold a name at a time.
func (r *Registry) Add(c *Connection) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if c.Name != UnknownName {
		if _, ok := r.byName[c.Name]; ok {
			return ErrDuplicatePeer
		}
		r.byName[c.Name] = c
	}
	r.conns[c] = struct{}{}
	return nil
}

// AddInbound registers an accepted record, marks it as expecting
// identification and starts its worker in one critical section, so a
// registered inbound record is never observed without its worker.
// start must not call back into the registry.
func (r *Registry) AddInbound(c *Connection, start func(*Connection) error) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	c.markExpectID()
	r.conns[c] = struct{}{}
	return start(c)
}

// Remove deregisters a record and releases its name claim.
func (r *Registry) Remove(c *Connection) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	delete(r.conns, c)
	if cur, ok := r.byName[c.Name]; ok && cur == c {
		delete(r.byName, c.Name)
	}
}

// Lookup returns the record holding the given peer name, or nil.
func (r *Registry) Lookup(name string) *Connection {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.byName[name]
}

// Identify assigns a peer name to a registered record.  The first
// record to complete identification wins: a holder that is still
// connecting is evicted, a later claim against an established holder
// returns ErrDuplicatePeer and the caller discards its record.
func (r *Registry) Identify(c *Connection, name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.conns[c]; !ok {
		return errors.New("connection not registered")
	}
	if cur, ok := r.byName[name]; ok {
		if cur == c {
			return nil
		}
		if !cur.Connecting() {
			return ErrDuplicatePeer
		}
		// A connection that completed identification beats an
		// outgoing attempt still connecting to the same peer.
		delete(r.conns, cur)
		delete(r.byName, name)
		cur.Close()
	}
	if cur, ok := r.byName[c.Name]; ok && cur == c {
		delete(r.byName, c.Name)
	}
	c.Name = name
	r.byName[name] = c
	return nil
}

// ForEach calls fn for every registered record while holding the lock.
// fn must not call back into the registry.
func (r *Registry) ForEach(fn func(*Connection)) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for c := range r.conns {
		fn(c)
	}
}

// Len returns the number of registered records.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.conns)
}

// SetListeners stores the fixed set of listen pairs, one per
// configured local endpoint.  Called once at startup.
func (r *Registry) SetListeners(pairs []*socket.ListenPair) {
	r.mtx.Lock()
	r.listen = pairs
	r.mtx.Unlock()
}

// Listeners returns the listen pairs registered at startup.
func (r *Registry) Listeners() []*socket.ListenPair {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.listen
}
