package connmgr

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UnknownName is the placeholder name for inbound connections that
// have not yet identified themselves.
const UnknownName = "unknown"

// Params are the connection parameters a record starts out with,
// copied from the local node's own connection.  Their negotiation
// happens in the meta-protocol layer.
type Params struct {
	Cipher      string
	Digest      string
	MACLength   int
	Compression int
}

// Connection is one live or connecting transport association with a
// peer.  A record is owned by its worker once the worker starts; the
// registry only references it for lookup and iteration.
type Connection struct {
	// Name is the peer name, or UnknownName until the inbound peer
	// identifies itself.  Renames go through Registry.Identify.
	Name string

	// Hostname is the human-readable label of the remote address,
	// used in log lines.
	Hostname string

	// RemoteAddr is the resolved address this record connects to or
	// was accepted from.
	RemoteAddr net.Addr

	Params Params

	conn net.Conn

	connecting int32 // atomic
	expectID   int32 // atomic

	flagsMtx     sync.Mutex
	lastActivity time.Time
	outgoing     *Outgoing
}

func newConnection(name string, params Params) *Connection {
	c := &Connection{Name: name, Params: params}
	c.touch()
	return c
}

func (c *Connection) String() string {
	if c.Hostname == "" {
		return c.Name
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Hostname)
}

// Conn returns the underlying socket, nil while still connecting.
func (c *Connection) Conn() net.Conn {
	c.flagsMtx.Lock()
	defer c.flagsMtx.Unlock()
	return c.conn
}

func (c *Connection) setConn(conn net.Conn) {
	c.flagsMtx.Lock()
	c.conn = conn
	c.flagsMtx.Unlock()
}

// Connecting reports whether the connect is still in flight.
func (c *Connection) Connecting() bool {
	return atomic.LoadInt32(&c.connecting) != 0
}

func (c *Connection) setConnecting(v bool) {
	if v {
		atomic.StoreInt32(&c.connecting, 1)
	} else {
		atomic.StoreInt32(&c.connecting, 0)
	}
}

// ExpectingID reports whether the record must identify itself before
// any other request is honored.
func (c *Connection) ExpectingID() bool {
	return atomic.LoadInt32(&c.expectID) != 0
}

func (c *Connection) markExpectID() {
	atomic.StoreInt32(&c.expectID, 1)
}

func (c *Connection) clearExpectID() {
	atomic.StoreInt32(&c.expectID, 0)
}

// touch stamps the last-activity time.
func (c *Connection) touch() {
	c.flagsMtx.Lock()
	c.lastActivity = time.Now()
	c.flagsMtx.Unlock()
}

// LastActivity returns the time of the last recorded activity.
func (c *Connection) LastActivity() time.Time {
	c.flagsMtx.Lock()
	defer c.flagsMtx.Unlock()
	return c.lastActivity
}

// Outgoing returns the pending attempt attached to this record, if
// any.  A reconnect resumes from that attempt's state.
func (c *Connection) Outgoing() *Outgoing {
	c.flagsMtx.Lock()
	defer c.flagsMtx.Unlock()
	return c.outgoing
}

func (c *Connection) attachOutgoing(o *Outgoing) {
	c.flagsMtx.Lock()
	c.outgoing = o
	c.flagsMtx.Unlock()
}

// Close closes the underlying socket if one is attached.
func (c *Connection) Close() {
	if conn := c.Conn(); conn != nil {
		conn.Close()
	}
}
