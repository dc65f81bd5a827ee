package socket

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// LookupFunc resolves a host name to addresses.  It is injected so
// tests can run without the system resolver.
type LookupFunc func(host string) ([]net.IP, error)

// controlFn is applied to a socket between creation and bind, via
// net.ListenConfig.Control or net.Dialer.Control.
type controlFn func(network, address string, c syscall.RawConn) error

func chain(fns []controlFn) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		for _, fn := range fns {
			if err := fn(network, address, c); err != nil {
				return err
			}
		}
		return nil
	}
}

// Factory builds and tunes the listening and datagram sockets used for
// inter-node tunneling, applying the configured options in the same
// order on every platform and degrading the options the platform does
// not support.
type Factory struct {
	opts   Options
	caps   Capabilities
	lookup LookupFunc
}

// NewFactory returns a factory for the given options.  A nil lookup
// uses the system resolver.
func NewFactory(opts Options, lookup LookupFunc) *Factory {
	if lookup == nil {
		lookup = net.LookupIP
	}
	return &Factory{opts: opts, caps: platformCaps, lookup: lookup}
}

// Family returns the configured address-family preference.
func (f *Factory) Family() Family {
	return f.opts.Family
}

// ListenPair is one bound control-channel listener and tunnel-data
// socket for a single local address.
type ListenPair struct {
	TCP net.Listener
	UDP net.PacketConn
}

func (p *ListenPair) Addr() net.Addr {
	return p.TCP.Addr()
}

func (p *ListenPair) Close() error {
	err := p.TCP.Close()
	if cerr := p.UDP.Close(); err == nil {
		err = cerr
	}
	return err
}

// ListenControl opens the stream socket accepting control-channel
// connections on the given local address.
func (f *Factory) ListenControl(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: chain(f.listenControls())}
	ln, err := lc.Listen(ctx, f.opts.Family.stream(), address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s/tcp: %w", address, err)
	}
	log.Debugf("Listening for control connections on %s", ln.Addr())
	return ln, nil
}

// ListenData opens the datagram socket carrying tunnel data on the
// given local address.
func (f *Factory) ListenData(ctx context.Context, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: chain(f.datagramControls())}
	pc, err := lc.ListenPacket(ctx, f.opts.Family.datagram(), address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s/udp: %w", address, err)
	}
	log.Debugf("Listening for tunnel data on %s", pc.LocalAddr())
	return pc, nil
}

// ListenPair opens the control listener and the tunnel-data socket for
// one local address.  The data socket is bound to the port the
// listener resolved to, so an address with port 0 yields a matched
// pair.  Partial failures close whatever was created.
func (f *Factory) ListenPair(ctx context.Context, address string) (*ListenPair, error) {
	ln, err := f.ListenControl(ctx, address)
	if err != nil {
		return nil, err
	}

	dataAddr := address
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		dataAddr = net.JoinHostPort(host, fmt.Sprintf("%d", ta.Port))
	}

	pc, err := f.ListenData(ctx, dataAddr)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &ListenPair{TCP: ln, UDP: pc}, nil
}

// Dialer returns a dialer for outgoing control-channel connections
// with the interface bind, source-address bind and stream tuning
// applied to the socket before connect.
func (f *Factory) Dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout, Control: chain(f.dialControls())}
}

// TuneStream applies the low-delay stream options to an accepted or
// freshly connected control socket.  Best effort; failures are
// ignored.
func (f *Factory) TuneStream(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return
	}
	network := "tcp"
	if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok && ra.IP.To4() == nil {
		network = "tcp6"
	}
	_ = setLowDelay(network, "", rc)
}

func (f *Factory) listenControls() []controlFn {
	fns := []controlFn{setReuseAddr, setIPv6Only}
	fns = append(fns, f.interfaceBind(true)...)
	return fns
}

func (f *Factory) datagramControls() []controlFn {
	fns := []controlFn{setReuseAddr}
	fns = append(fns, f.bufferControls()...)
	fns = append(fns, setIPv6Only)
	if f.opts.PMTUDiscovery && f.caps.PMTUDiscover {
		fns = append(fns, setPMTUDiscover)
	}
	fns = append(fns, f.interfaceBind(true)...)
	return fns
}

func (f *Factory) dialControls() []controlFn {
	fns := []controlFn{setIPv6Only}
	fns = append(fns, f.interfaceBind(false)...)
	if f.opts.BindAddress != "" {
		if f.caps.SourceBind {
			fns = append(fns, f.bindAddress())
		} else {
			log.Warnf("BindToAddress not supported on this platform")
		}
	}
	fns = append(fns, setLowDelay)
	return fns
}

// interfaceBind returns the control function binding sockets to the
// configured interface.  When strict, a bind failure fails socket
// creation; otherwise it is logged and the socket proceeds unbound.
// On platforms without the option a warning is logged instead.
func (f *Factory) interfaceBind(strict bool) []controlFn {
	iface := f.opts.BindInterface
	if iface == "" {
		return nil
	}
	if !f.caps.BindToDevice {
		log.Warnf("BindToInterface not supported on this platform")
		return nil
	}
	return []controlFn{func(network, address string, c syscall.RawConn) error {
		if err := setBindToDevice(c, iface); err != nil {
			log.Errorf("Can't bind to interface %s: %v", iface, err)
			if strict {
				return err
			}
		}
		return nil
	}}
}

func (f *Factory) bufferControls() []controlFn {
	var fns []controlFn
	if n := f.opts.UDPRcvBuf; n > 0 {
		fns = append(fns, func(network, address string, c syscall.RawConn) error {
			if err := setRcvBuf(c, n); err != nil {
				log.Warnf("Can't set UDP SO_RCVBUF to %d: %v", n, err)
			}
			return nil
		})
	}
	if n := f.opts.UDPSndBuf; n > 0 {
		fns = append(fns, func(network, address string, c syscall.RawConn) error {
			if err := setSndBuf(c, n); err != nil {
				log.Warnf("Can't set UDP SO_SNDBUF to %d: %v", n, err)
			}
			return nil
		})
	}
	return fns
}

// bindAddress returns the control function binding outgoing sockets to
// the configured source address.  Each resolved address is tried in
// order until one binds; a total failure is logged and the connect
// proceeds unbound.
func (f *Factory) bindAddress() controlFn {
	node := f.opts.BindAddress
	return func(network, address string, c syscall.RawConn) error {
		ips, err := f.bindCandidates(network)
		if err != nil {
			log.Warnf("Error looking up %s port %s: %v", node, "any", err)
			return nil
		}
		if err := bindFirst(c, ips); err != nil {
			log.Errorf("Can't bind to %s/tcp: %v", node, err)
			return nil
		}
		log.Debugf("Successfully bound outgoing TCP socket to %s", node)
		return nil
	}
}

// bindCandidates resolves the configured bind address and keeps the
// results usable for sockets on the given network, preserving resolver
// order.
func (f *Factory) bindCandidates(network string) ([]net.IP, error) {
	ips, err := f.lookup(f.opts.BindAddress)
	if err != nil {
		return nil, err
	}
	v6 := strings.HasSuffix(network, "6")
	var out []net.IP
	for _, ip := range ips {
		if (ip.To4() == nil) == v6 {
			out = append(out, ip)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable addresses for %s", f.opts.BindAddress)
	}
	return out, nil
}
