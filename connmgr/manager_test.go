package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/NHellFire/tinc/conf"
	"github.com/NHellFire/tinc/socket"
)

func newTestManager(t *testing.T, clk clock.Clock, mutate func(*Config)) (*Manager, *Registry) {
	t.Helper()

	reg := NewRegistry()
	cfg := &Config{
		Registry:    reg,
		Sockets:     socket.NewFactory(socket.Options{}, nil),
		PeerConfig:  func(name string) (*conf.Tree, error) { return conf.NewTree(), nil },
		StartWorker: func(*Connection) error { return nil },
		Clock:       clk,
		MaxTimeout:  20,
		DialTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m, reg
}

// peerTrees returns a PeerConfig func serving fixed Address entries.
func peerTrees(peers map[string][]string) func(string) (*conf.Tree, error) {
	return func(name string) (*conf.Tree, error) {
		tree := conf.NewTree()
		for _, addr := range peers[name] {
			tree.Add("Address", addr)
		}
		return tree, nil
	}
}

func TestRetryBackoffSequence(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{"node1": {"unresolvable.test"}})
		cfg.Lookup = func(host string) ([]net.IP, error) {
			return nil, errors.New("no such host")
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	o := m.StartOutgoing("node1")

	// With max timeout 20 the rounds back off 5, 10, 15, 20 and stay
	// capped there.
	for _, want := range []int{5, 10, 15, 20, 20, 20} {
		waitFor(t, func() bool {
			return o.Timeout() == want && m.sched.Armed("node1")
		})
		require.Equal(t, StateRetryWait, o.State())
		clk.Add(time.Duration(want) * time.Second)
	}
}

func TestConnectToSkipsInvalidAndDuplicateNames(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{"node1": {"unresolvable.test"}})
		cfg.Lookup = func(host string) ([]net.IP, error) {
			return nil, errors.New("no such host")
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	m.ConnectTo([]string{"bad name", "node1", "node1", "", "node.1"})

	m.mtx.Lock()
	names := len(m.outgoing)
	m.mtx.Unlock()
	require.Equal(t, 1, names)

	o1 := m.StartOutgoing("node1")
	o2 := m.StartOutgoing("node1")
	require.Same(t, o1, o2)
}

func TestNoAddressAbandonsAttempt(t *testing.T) {
	clk := clock.NewMock()
	m, reg := newTestManager(t, clk, nil)
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	o := m.StartOutgoing("ghost")
	waitFor(t, func() bool { return o.State() == StateAbandoned })
	require.False(t, m.sched.Armed("ghost"))
	require.Equal(t, 0, reg.Len())

	m.mtx.Lock()
	_, pending := m.outgoing["ghost"]
	m.mtx.Unlock()
	require.False(t, pending)
}

func TestAlreadyConnectedAttachesAttempt(t *testing.T) {
	clk := clock.NewMock()
	m, reg := newTestManager(t, clk, nil)
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	c := newConnection("node1", Params{})
	require.NoError(t, reg.Add(c))

	o := m.StartOutgoing("node1")
	waitFor(t, func() bool { return o.State() == StateConnected })
	require.Same(t, o, c.Outgoing())
	require.False(t, m.sched.Armed("node1"))
}

func TestOutgoingConnectAndReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	clk := clock.NewMock()
	workers := make(chan *Connection, 1)
	var identified []string
	m, reg := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{
			"node1": {fmt.Sprintf("127.0.0.1 %d", port)},
		})
		cfg.StartWorker = func(c *Connection) error {
			workers <- c
			return nil
		}
		cfg.OnConnected = func(c *Connection) {
			identified = append(identified, c.Name)
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	o := m.StartOutgoing("node1")

	var c *Connection
	select {
	case c = <-workers:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	require.Equal(t, "node1", c.Name)
	require.False(t, c.Connecting())
	require.Equal(t, StateConnected, o.State())
	require.Zero(t, o.Timeout())
	require.Same(t, c, reg.Lookup("node1"))
	require.Equal(t, []string{"node1"}, identified)

	// The worker notices the peer went away; the attached attempt
	// schedules a reconnect starting back at the initial step.
	m.ConnectionClosed(c)
	waitFor(t, func() bool { return m.sched.Armed("node1") })
	require.Equal(t, StateRetryWait, o.State())
	require.Equal(t, 5, o.Timeout())
	require.Nil(t, reg.Lookup("node1"))
}

func TestOutgoingTriesCandidatesInOrder(t *testing.T) {
	// A listener that is immediately closed gives a port that refuses
	// connections.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := dead.Addr().(*net.TCPAddr).Port
	dead.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	clk := clock.NewMock()
	workers := make(chan *Connection, 1)
	m, _ := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{
			"node1": {
				fmt.Sprintf("127.0.0.1 %d", deadPort),
				fmt.Sprintf("127.0.0.1 %d", port),
			},
		})
		cfg.StartWorker = func(c *Connection) error {
			workers <- c
			return nil
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	m.StartOutgoing("node1")

	var c *Connection
	select {
	case c = <-workers:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.Equal(t, port, c.RemoteAddr.(*net.TCPAddr).Port)
}

func TestAcceptLoopAndIdentifyConvergence(t *testing.T) {
	factory := socket.NewFactory(socket.Options{}, nil)
	pair, err := factory.ListenPair(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	clk := clock.NewMock()
	workers := make(chan *Connection, 2)
	m, reg := newTestManager(t, clk, func(cfg *Config) {
		cfg.Sockets = factory
		cfg.StartWorker = func(c *Connection) error {
			workers <- c
			return nil
		}
	})
	reg.SetListeners([]*socket.ListenPair{pair})
	m.Start()

	conn1, err := net.Dial("tcp", pair.Addr().String())
	require.NoError(t, err)
	defer conn1.Close()

	var c1 *Connection
	select {
	case c1 = <-workers:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.Equal(t, UnknownName, c1.Name)
	require.True(t, c1.ExpectingID())
	require.Equal(t, 1, reg.Len())

	require.NoError(t, m.IdentifyConnection(c1, "node9"))
	require.Same(t, c1, reg.Lookup("node9"))
	require.False(t, c1.ExpectingID())

	// A second inbound claiming the same name is discarded; the
	// registry keeps a single record for the peer.
	conn2, err := net.Dial("tcp", pair.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()

	var c2 *Connection
	select {
	case c2 = <-workers:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.ErrorIs(t, m.IdentifyConnection(c2, "node9"), ErrDuplicatePeer)
	require.Same(t, c1, reg.Lookup("node9"))
	require.Equal(t, 1, reg.Len())

	// Closing the listeners ends the accept loops.
	m.Stop()
	m.Wait()
}

func TestWorkerStartFailureIsFatal(t *testing.T) {
	old := fatalf
	defer func() { fatalf = old }()
	fatal := make(chan string, 1)
	fatalf = func(format string, args ...interface{}) {
		select {
		case fatal <- fmt.Sprintf(format, args...):
		default:
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	clk := clock.NewMock()
	m, _ := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{
			"node1": {fmt.Sprintf("127.0.0.1 %d", port)},
		})
		cfg.StartWorker = func(*Connection) error {
			return errors.New("out of threads")
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	m.StartOutgoing("node1")

	select {
	case msg := <-fatal:
		require.Contains(t, msg, "node1")
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler never invoked")
	}
}

func TestRunOutgoingWithoutPendingStateIsFatal(t *testing.T) {
	old := fatalf
	defer func() { fatalf = old }()
	var called bool
	fatalf = func(format string, args ...interface{}) { called = true }

	clk := clock.NewMock()
	m, _ := newTestManager(t, clk, nil)

	o := &Outgoing{name: "node1"}
	m.runOutgoing(o, newConnection("node1", Params{}))
	require.True(t, called)
}

func TestRunOutgoingReturnsWhenAbandoned(t *testing.T) {
	clk := clock.NewMock()
	m, reg := newTestManager(t, clk, nil)

	o := &Outgoing{name: "node1", state: StateAbandoned}
	c := newConnection("node1", Params{})
	c.outgoing = o
	require.NoError(t, reg.Add(c))

	done := make(chan struct{})
	go func() {
		m.runOutgoing(o, c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt loop did not return for an abandoned peer")
	}
	require.Nil(t, reg.Lookup("node1"))
	require.Equal(t, 0, reg.Len())
}

func TestDialFailureKeepsAbandonedState(t *testing.T) {
	// A failed dial moves the attempt back to selecting only when it
	// is still connecting; an abandonment in between sticks.
	o := &Outgoing{name: "node1", state: StateAbandoned}
	require.False(t, o.casState(StateConnecting, StateSelecting))
	require.Equal(t, StateAbandoned, o.State())

	o = &Outgoing{name: "node1", state: StateConnecting}
	require.True(t, o.casState(StateConnecting, StateSelecting))
	require.Equal(t, StateSelecting, o.State())
}

func TestIdentifyWinsOverConnectingOutgoing(t *testing.T) {
	clk := clock.NewMock()
	m, reg := newTestManager(t, clk, nil)

	o := &Outgoing{name: "node9", state: StateConnecting}
	out := newConnection("node9", Params{})
	out.outgoing = o
	out.setConnecting(true)
	require.NoError(t, reg.Add(out))
	m.mtx.Lock()
	m.outgoing["node9"] = o
	m.mtx.Unlock()

	in := newConnection(UnknownName, Params{})
	require.NoError(t, reg.Add(in))

	// The inbound connection completes identification while the
	// outgoing dial is still in flight, so it takes the name and the
	// pending attempt converges onto it.
	require.NoError(t, m.IdentifyConnection(in, "node9"))
	require.Same(t, in, reg.Lookup("node9"))
	require.Equal(t, 1, reg.Len())
	require.Equal(t, StateConnected, o.State())
	require.Same(t, o, in.Outgoing())
}

func TestRemovePeerCancelsRetry(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk, func(cfg *Config) {
		cfg.PeerConfig = peerTrees(map[string][]string{"node1": {"unresolvable.test"}})
		cfg.Lookup = func(host string) ([]net.IP, error) {
			return nil, errors.New("no such host")
		}
	})
	m.Start()
	defer func() {
		m.Stop()
		m.Wait()
	}()

	o := m.StartOutgoing("node1")
	waitFor(t, func() bool { return m.sched.Armed("node1") })

	m.RemovePeer("node1")
	require.False(t, m.sched.Armed("node1"))
	require.Equal(t, StateAbandoned, o.State())

	// The fired timer for a removed peer is a no-op.
	clk.Add(time.Hour)
	require.False(t, m.sched.Armed("node1"))
}
