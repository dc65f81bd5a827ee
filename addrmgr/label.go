package addrmgr

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/decred/dcrd/lru"
)

// labelCacheLimit bounds both the resolved-name map and the LRU of
// addresses whose reverse lookup failed.
const labelCacheLimit = 1000

// ReverseFunc resolves an address to host names, net.LookupAddr shape.
type ReverseFunc func(addr string) ([]string, error)

// LabelCache produces human-readable "host port port" labels for log
// lines, reverse-resolving addresses to names.  Successful lookups are
// memoized; failed ones are remembered in an LRU so unresolvable
// addresses are not retried on every log line.
type LabelCache struct {
	mtx     sync.Mutex
	reverse ReverseFunc
	labels  map[string]string
	misses  lru.Cache
}

// NewLabelCache returns a cache over the given reverse resolver.  A
// nil resolver uses the system one.
func NewLabelCache(reverse ReverseFunc) *LabelCache {
	if reverse == nil {
		reverse = net.LookupAddr
	}
	return &LabelCache{
		reverse: reverse,
		labels:  make(map[string]string),
		misses:  lru.NewCache(labelCacheLimit),
	}
}

// Label returns the label for addr, resolving its host part at most
// once per cache generation.
func (lc *LabelCache) Label(addr net.Addr) string {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return NumericLabel(addr)
	}
	key := ta.IP.String()
	port := strconv.Itoa(ta.Port)

	lc.mtx.Lock()
	defer lc.mtx.Unlock()

	if name, ok := lc.labels[key]; ok {
		return name + " port " + port
	}
	if lc.misses.Contains(key) {
		return key + " port " + port
	}

	names, err := lc.reverse(key)
	if err != nil || len(names) == 0 {
		lc.misses.Add(key)
		return key + " port " + port
	}

	if len(lc.labels) >= labelCacheLimit {
		lc.labels = make(map[string]string)
	}
	name := strings.TrimSuffix(names[0], ".")
	lc.labels[key] = name
	return name + " port " + port
}

// NumericLabel formats addr as "host port port" without resolving.
func NumericLabel(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String() + " port " + strconv.Itoa(a.Port)
	case *net.UDPAddr:
		return a.IP.String() + " port " + strconv.Itoa(a.Port)
	}
	return addr.String()
}
