package connmgr

import (
	"sync"

	"github.com/NHellFire/tinc/addrmgr"
)

// State is the phase of a pending outgoing attempt.
type State uint8

const (
	// StateSelecting picks the next candidate address.
	StateSelecting State = iota

	// StateConnecting has a connect in flight to the selected
	// candidate.
	StateConnecting

	// StateConnected hands the record to its worker.
	StateConnected

	// StateRetryWait has exhausted every candidate and waits for the
	// retry timer.
	StateRetryWait

	// StateAbandoned is terminal; the peer is no longer configured.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetryWait:
		return "retrywait"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Outgoing is one pending attempt to connect to a configured peer.
// At most one exists per peer name at a time; a duplicate request
// attaches to the existing one.  The source and state are owned by a
// single attempt goroutine at a time.
type Outgoing struct {
	name   string
	source *addrmgr.Source

	mtx     sync.Mutex
	state   State
	timeout int // seconds until the next retry round
}

func (o *Outgoing) Name() string {
	return o.name
}

// State returns the attempt's current phase.
func (o *Outgoing) State() State {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.state
}

func (o *Outgoing) setState(s State) {
	o.mtx.Lock()
	o.state = s
	o.mtx.Unlock()
}

// casState moves the attempt from one phase to another.  It fails
// when a concurrent transition, such as an abandonment or an inbound
// connection identifying first, happened in between.
func (o *Outgoing) casState(from, to State) bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.state != from {
		return false
	}
	o.state = to
	return true
}

// Timeout returns the current retry timeout in seconds.
func (o *Outgoing) Timeout() int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.timeout
}

// bumpTimeout grows the retry timeout by the fixed step, capped at
// max.
func (o *Outgoing) bumpTimeout(step, max int) int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.timeout += step
	if o.timeout > max {
		o.timeout = max
	}
	return o.timeout
}

// resetTimeout rewinds the backoff after a successful connection, so
// the next failure round starts again at the initial step.
func (o *Outgoing) resetTimeout() {
	o.mtx.Lock()
	o.timeout = 0
	o.mtx.Unlock()
}
