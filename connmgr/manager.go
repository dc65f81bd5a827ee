package connmgr

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/davecgh/go-spew/spew"

	"github.com/NHellFire/tinc/addrmgr"
	"github.com/NHellFire/tinc/conf"
	"github.com/NHellFire/tinc/socket"
)

const (
	// retryStep is the fixed backoff increment between retry rounds,
	// in seconds.
	retryStep = 5

	// defaultMaxTimeout caps the retry backoff, in seconds.
	defaultMaxTimeout = 900

	// defaultDialTimeout bounds a single connect attempt.
	defaultDialTimeout = 30 * time.Second
)

// Config holds the options and collaborators of the connection
// manager.
type Config struct {
	// Registry is the shared table of live and attempted
	// connections.
	Registry *Registry

	// Sockets builds and tunes sockets.
	Sockets *socket.Factory

	// Params is the local node's own connection parameter template,
	// copied onto every new record.
	Params Params

	// PeerConfig loads the configuration tree for a peer name.
	PeerConfig func(name string) (*conf.Tree, error)

	// Lookup resolves host names from Address entries.  Defaults to
	// the system resolver.
	Lookup addrmgr.LookupFunc

	// Labels renders remote addresses for log lines.  Defaults to
	// numeric labels.
	Labels func(net.Addr) string

	// StartWorker launches the meta-connection handler for a record.
	// A failure to start a worker is fatal to the process.
	StartWorker func(*Connection) error

	// OnConnected is invoked once an outgoing connection completes,
	// before its worker starts.  The identification exchange begins
	// here.
	OnConnected func(*Connection)

	// MaxTimeout caps the retry backoff, in seconds.  Defaults to
	// 900.
	MaxTimeout int

	// DialTimeout bounds a single connect attempt.  Defaults to 30s.
	DialTimeout time.Duration

	// Clock drives the retry timers.  Defaults to the real clock.
	Clock clock.Clock
}

// Manager drives outgoing connection attempts and the accept loops,
// and converges both onto the registry.
type Manager struct {
	cfg Config

	start int32
	stop  int32
	wg    sync.WaitGroup

	sched *Scheduler

	mtx      sync.Mutex
	outgoing map[string]*Outgoing
}

// New returns a new connection manager.
func New(cfg *Config) (*Manager, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("Config: Registry cannot be nil")
	case cfg.Sockets == nil:
		return nil, errors.New("Config: Sockets cannot be nil")
	case cfg.PeerConfig == nil:
		return nil, errors.New("Config: PeerConfig cannot be nil")
	case cfg.StartWorker == nil:
		return nil, errors.New("Config: StartWorker cannot be nil")
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = defaultMaxTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Manager{
		cfg:      *cfg,
		sched:    NewScheduler(cfg.Clock),
		outgoing: make(map[string]*Outgoing),
	}, nil
}

// Start launches the retry scheduler and one accept loop per listen
// socket registered in the registry.
func (m *Manager) Start() {
	if atomic.AddInt32(&m.start, 1) != 1 {
		return
	}

	log.Tracef("Connection manager started")
	m.sched.Start()

	for _, pair := range m.cfg.Registry.Listeners() {
		m.wg.Add(1)
		go m.acceptLoop(pair.TCP)
	}
}

// Stop closes the listen sockets, which unblocks the accept loops, and
// halts the retry scheduler.
func (m *Manager) Stop() {
	if atomic.AddInt32(&m.stop, 1) != 1 {
		log.Warnf("Connection manager already stopped")
		return
	}

	for _, pair := range m.cfg.Registry.Listeners() {
		_ = pair.Close()
	}
	m.sched.Stop()
	log.Tracef("Connection manager stopped")
}

// Wait blocks until every loop and attempt goroutine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.sched.Wait()
}

func (m *Manager) stopped() bool {
	return atomic.LoadInt32(&m.stop) != 0
}

// ConnectTo processes the configured ConnectTo names.  Invalid names
// are logged and skipped; a name that already has a pending attempt
// keeps the existing one.
func (m *Manager) ConnectTo(names []string) {
	for _, name := range names {
		if !conf.CheckID(name) {
			log.Errorf("Invalid name for outgoing connection: %q", name)
			continue
		}
		m.StartOutgoing(name)
	}
}

// StartOutgoing begins the pending outgoing attempt for a peer, or
// returns the one already pending.
func (m *Manager) StartOutgoing(name string) *Outgoing {
	m.mtx.Lock()
	if o, ok := m.outgoing[name]; ok {
		m.mtx.Unlock()
		return o
	}
	o := &Outgoing{name: name, state: StateSelecting}
	m.outgoing[name] = o
	m.mtx.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.setupOutgoing(o)
	}()
	return o
}

// RemovePeer abandons the pending outgoing attempt for a peer that was
// removed from the configuration, cancelling any armed retry timer.
func (m *Manager) RemovePeer(name string) {
	m.mtx.Lock()
	o := m.outgoing[name]
	delete(m.outgoing, name)
	m.mtx.Unlock()

	if o != nil {
		o.setState(StateAbandoned)
	}
	m.sched.Cancel(name)
}

// wanted reports whether o is still the registered attempt for its
// peer.
func (m *Manager) wanted(o *Outgoing) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cur, ok := m.outgoing[o.name]
	return ok && cur == o
}

// setupOutgoing starts one resolution round for the peer: it loads the
// peer's Address entries, builds a fresh address source and walks the
// state machine.  Re-entered by the retry timer for each new round.
func (m *Manager) setupOutgoing(o *Outgoing) {
	if m.stopped() {
		return
	}
	m.sched.Cancel(o.name)

	// Already connected: leave the attempt attached to the live
	// record so a later disconnect can resume it.
	if existing := m.cfg.Registry.Lookup(o.name); existing != nil {
		log.Infof("Already connected to %s", o.name)
		existing.attachOutgoing(o)
		o.setState(StateConnected)
		return
	}

	tree, err := m.cfg.PeerConfig(o.name)
	if err != nil {
		log.Errorf("Reading configuration for %s failed: %v", o.name, err)
		m.abandonOutgoing(o)
		return
	}
	entries := tree.Values("Address")
	if len(entries) == 0 {
		log.Errorf("No address specified for %s", o.name)
		m.abandonOutgoing(o)
		return
	}

	port, _ := tree.Get("Port")
	var keep func(net.IP) bool
	if fam := m.cfg.Sockets.Family(); fam != socket.FamilyAuto {
		keep = fam.Keeps
	}
	o.source = addrmgr.NewSource(entries, port, m.cfg.Lookup, keep)
	o.setState(StateSelecting)

	c := newConnection(o.name, m.cfg.Params)
	c.outgoing = o

	if err := m.cfg.Registry.Add(c); err != nil {
		// Raced with an inbound connection that identified first.
		log.Infof("Already connected to %s", o.name)
		if cur := m.cfg.Registry.Lookup(o.name); cur != nil {
			cur.attachOutgoing(o)
		}
		o.setState(StateConnected)
		return
	}

	m.runOutgoing(o, c)
}

func (m *Manager) abandonOutgoing(o *Outgoing) {
	o.setState(StateAbandoned)
	m.sched.Cancel(o.name)
	m.mtx.Lock()
	if cur, ok := m.outgoing[o.name]; ok && cur == o {
		delete(m.outgoing, o.name)
	}
	m.mtx.Unlock()
}

// runOutgoing walks one attempt through its states until the record is
// connected, the candidate list is exhausted, or the peer is no longer
// wanted.
func (m *Manager) runOutgoing(o *Outgoing, c *Connection) {
	if c.Outgoing() == nil {
		fatalf("outgoing connection attempt for %s without pending state", c.Name)
		return
	}

	var cand addrmgr.Candidate
	for {
		if m.stopped() {
			return
		}

		switch o.State() {
		case StateSelecting:
			next, ok := o.source.Next()
			if !ok {
				m.cfg.Registry.Remove(c)
				if !m.wanted(o) {
					o.setState(StateAbandoned)
					return
				}
				log.Errorf("Could not set up a meta connection to %s", c.Name)
				if !o.casState(StateSelecting, StateRetryWait) {
					continue
				}
				m.retryOutgoing(o)
				return
			}
			cand = next
			c.RemoteAddr = cand.TCPAddr()
			c.Hostname = m.label(c.RemoteAddr)
			log.Debugf("Next candidate for %s: %v", c.Name,
				newLogClosure(func() string { return spew.Sdump(cand) }))
			if !o.casState(StateSelecting, StateConnecting) {
				continue
			}

		case StateConnecting:
			log.Infof("Trying to connect to %s (%s)", c.Name, c.Hostname)
			c.setConnecting(true)
			conn, err := m.cfg.Sockets.Dialer(m.cfg.DialTimeout).Dial(cand.Network(), c.RemoteAddr.String())
			if err != nil {
				c.setConnecting(false)
				log.Errorf("Error while connecting to %s (%s): %v", c.Name, c.Hostname, err)
				o.casState(StateConnecting, StateSelecting)
				continue
			}
			c.setConn(conn)
			o.casState(StateConnecting, StateConnected)

		case StateConnected:
			// An inbound connection may have identified itself while
			// the dial was in flight and taken over the name.
			if m.cfg.Registry.Lookup(c.Name) != c {
				c.Close()
				return
			}
			m.finishConnecting(c)
			if err := m.cfg.StartWorker(c); err != nil {
				fatalf("create worker for %s failed: %v", c.Name, err)
			}
			return

		default:
			// Abandoned while the attempt was in flight.
			m.cfg.Registry.Remove(c)
			c.Close()
			return
		}
	}
}

// retryOutgoing grows the attempt's timeout by the fixed step, capped
// at the configured maximum, and arms the retry timer.  The next round
// starts over from the first Address entry.
func (m *Manager) retryOutgoing(o *Outgoing) {
	timeout := o.bumpTimeout(retryStep, m.cfg.MaxTimeout)
	m.sched.Arm(o.name, time.Duration(timeout)*time.Second, func() {
		if m.stopped() || !m.wanted(o) {
			return
		}
		o.setState(StateSelecting)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.setupOutgoing(o)
		}()
	})
	log.Infof("Trying to re-establish outgoing connection to %s in %d seconds", o.name, timeout)
}

// finishConnecting completes a successful connect: the connecting flag
// is cleared, activity is stamped, the socket is re-tuned and the
// identification exchange starts.
func (m *Manager) finishConnecting(c *Connection) {
	log.Infof("Connected to %s (%s)", c.Name, c.Hostname)
	m.cfg.Sockets.TuneStream(c.Conn())
	c.touch()
	c.setConnecting(false)
	if o := c.Outgoing(); o != nil {
		o.resetTimeout()
	}
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(c)
	}
}

// IdentifyConnection records the peer name a connection identified
// itself with.  The first record to claim a name wins; the loser is
// closed and deregistered.  A pending outgoing attempt for the name
// converges onto the winning record.
func (m *Manager) IdentifyConnection(c *Connection, name string) error {
	if err := m.cfg.Registry.Identify(c, name); err != nil {
		log.Infof("Already connected to %s, closing connection from %s", name, c.Hostname)
		m.cfg.Registry.Remove(c)
		c.Close()
		return err
	}
	c.clearExpectID()
	c.touch()

	m.mtx.Lock()
	o := m.outgoing[name]
	m.mtx.Unlock()
	if o != nil {
		m.sched.Cancel(name)
		c.attachOutgoing(o)
		o.setState(StateConnected)
		o.resetTimeout()
	}
	return nil
}

// ConnectionClosed deregisters a dead record and, when a pending
// outgoing attempt is attached to it, schedules a reconnect.
func (m *Manager) ConnectionClosed(c *Connection) {
	m.cfg.Registry.Remove(c)
	c.Close()

	o := c.Outgoing()
	if o == nil || m.stopped() || !m.wanted(o) {
		return
	}
	o.setState(StateRetryWait)
	m.retryOutgoing(o)
}

// acceptLoop accepts inbound control connections on one listen socket.
// An accept failure ends only this loop.
func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()

	log.Infof("Listening for connections on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !m.stopped() {
				log.Errorf("Accepting a new connection failed: %v", err)
			}
			log.Tracef("Accept loop done for %s", ln.Addr())
			return
		}
		m.handleInbound(conn)
	}
}

// handleInbound registers an accepted connection under the placeholder
// name and starts its worker.  The record must identify itself before
// anything else.
func (m *Manager) handleInbound(conn net.Conn) {
	remote := unmapAddr(conn.RemoteAddr())

	c := newConnection(UnknownName, m.cfg.Params)
	c.setConn(conn)
	c.RemoteAddr = remote
	c.Hostname = m.label(remote)

	log.Infof("Connection from %s", c.Hostname)
	m.cfg.Sockets.TuneStream(conn)

	if err := m.cfg.Registry.AddInbound(c, m.cfg.StartWorker); err != nil {
		fatalf("create worker for connection from %s failed: %v", c.Hostname, err)
	}
}

func (m *Manager) label(addr net.Addr) string {
	if m.cfg.Labels != nil {
		return m.cfg.Labels(addr)
	}
	return addrmgr.NumericLabel(addr)
}

// unmapAddr strips the IPv4-in-IPv6 mapping from an accepted remote
// address.
func unmapAddr(addr net.Addr) net.Addr {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr
	}
	if ip4 := ta.IP.To4(); ip4 != nil {
		return &net.TCPAddr{IP: ip4, Port: ta.Port, Zone: ta.Zone}
	}
	return ta
}
