package addrmgr

import (
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the control-channel port used when an Address entry
// and the peer configuration both leave the port unspecified.
const DefaultPort = "655"

// LookupFunc resolves a host name to addresses.  Results are consumed
// in resolver order.
type LookupFunc func(host string) ([]net.IP, error)

// Candidate is one resolved address eligible for a connection attempt.
type Candidate struct {
	IP   net.IP
	Port int

	// Entry is the ordinal of the Address entry this candidate was
	// resolved from.
	Entry int

	host string
	port string
}

func (c Candidate) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: c.IP, Port: c.Port}
}

// Network returns the dial network matching the candidate's family.
func (c Candidate) Network() string {
	if c.IP.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

func (c Candidate) String() string {
	return c.IP.String() + " port " + c.port
}

// Source walks the configured Address entries for a peer and the
// resolved candidates of each entry, in order.  At most one entry's
// resolution is held at a time; exhausting it advances to the next
// entry and resolves it afresh.  A Source is owned by a single pending
// outgoing attempt and is not safe for concurrent use.
type Source struct {
	entries  []string
	fallback string
	lookup   LookupFunc
	keep     func(net.IP) bool

	next    int
	current []Candidate
	pos     int
}

// NewSource returns a source over the peer's Address entries.
// fallbackPort is used for entries without an explicit port; empty
// means DefaultPort.  keep optionally restricts candidates to one
// address family.
func NewSource(entries []string, fallbackPort string, lookup LookupFunc, keep func(net.IP) bool) *Source {
	if fallbackPort == "" {
		fallbackPort = DefaultPort
	}
	if lookup == nil {
		lookup = net.LookupIP
	}
	return &Source{entries: entries, fallback: fallbackPort, lookup: lookup, keep: keep}
}

// Next returns the next candidate address.  It returns false only when
// every entry has been consumed; the source then yields nothing more
// until Reset.  Entries that fail to resolve are logged and skipped.
func (s *Source) Next() (Candidate, bool) {
	for {
		if s.pos < len(s.current) {
			c := s.current[s.pos]
			s.pos++
			return c, true
		}
		s.current = nil
		s.pos = 0
		if s.next >= len(s.entries) {
			return Candidate{}, false
		}
		entry := s.entries[s.next]
		ordinal := s.next
		s.next++
		s.current = s.resolve(entry, ordinal)
	}
}

// Reset rewinds the source to the first entry for a fresh resolution
// round.
func (s *Source) Reset() {
	s.next = 0
	s.current = nil
	s.pos = 0
}

func (s *Source) resolve(entry string, ordinal int) []Candidate {
	host, portTok := splitEntry(entry, s.fallback)

	port, err := net.LookupPort("tcp", portTok)
	if err != nil {
		log.Errorf("Error looking up %s port %s: %v", host, portTok, err)
		return nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = s.lookup(host)
		if err != nil {
			log.Errorf("Error looking up %s port %s: %v", host, portTok, err)
			return nil
		}
	}

	cands := make([]Candidate, 0, len(ips))
	for _, ip := range ips {
		if s.keep != nil && !s.keep(ip) {
			continue
		}
		cands = append(cands, Candidate{
			IP:    ip,
			Port:  port,
			Entry: ordinal,
			host:  host,
			port:  strconv.Itoa(port),
		})
	}
	return cands
}

// splitEntry splits an Address entry of the form "<host>[ <port>]".
func splitEntry(entry, fallback string) (host, port string) {
	if i := strings.IndexByte(entry, ' '); i >= 0 {
		return entry[:i], entry[i+1:]
	}
	return entry, fallback
}
