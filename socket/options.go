package socket

import "net"

// Family selects which address families the node uses for listening
// and for outgoing candidates.
type Family int

const (
	FamilyAuto Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "any"
}

// Keeps reports whether an address belongs to the preferred family.
func (f Family) Keeps(ip net.IP) bool {
	switch f {
	case FamilyIPv4:
		return ip.To4() != nil
	case FamilyIPv6:
		return ip.To4() == nil
	}
	return true
}

func (f Family) stream() string {
	switch f {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	}
	return "tcp"
}

func (f Family) datagram() string {
	switch f {
	case FamilyIPv4:
		return "udp4"
	case FamilyIPv6:
		return "udp6"
	}
	return "udp"
}

// Options are the process-wide socket tunables.
type Options struct {
	// BindInterface names a local interface all sockets are bound to.
	BindInterface string

	// BindAddress is the local source address for outgoing stream
	// connections.
	BindAddress string

	// PMTUDiscovery enables don't-fragment/path-MTU probing on the
	// tunnel-data sockets where the platform supports it.
	PMTUDiscovery bool

	// Receive and send buffer sizes for the tunnel-data sockets, in
	// bytes.  Zero leaves the system default.
	UDPRcvBuf int
	UDPSndBuf int

	// Family restricts listening and candidate selection to one
	// address family.
	Family Family
}

// Capabilities describes which platform-conditional socket options are
// available on the target platform.  Unsupported options degrade to a
// logged no-op.
type Capabilities struct {
	BindToDevice bool
	PMTUDiscover bool
	SourceBind   bool
}
