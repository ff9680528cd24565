package chord

import (
	"fmt"
	"net"
	"strconv"

	"github.com/zde37/chordring/pkg/ringkey"
)

// HealthState is the assumed liveness of a ring member.
type HealthState int

const (
	HealthStarting HealthState = iota
	HealthIdle
	HealthLeaving
	HealthQuestionable
	HealthDead
)

func (h HealthState) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthIdle:
		return "idle"
	case HealthLeaving:
		return "leaving"
	case HealthQuestionable:
		return "questionable"
	case HealthDead:
		return "dead"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Endpoint represents a node in the Chord ring with its identifier, network
// address and last observed health.
type Endpoint struct {
	ID     ringkey.Key // Node identifier in the ring
	Host   string      // Network host (IP address or hostname)
	Port   int         // Network port
	Health HealthState
}

// NewEndpoint creates a new Endpoint in the Starting state.
func NewEndpoint(id ringkey.Key, host string, port int) *Endpoint {
	return &Endpoint{
		ID:     id,
		Host:   host,
		Port:   port,
		Health: HealthStarting,
	}
}

// String returns a human-readable representation of the endpoint.
func (e *Endpoint) String() string {
	if e == nil {
		return "Endpoint{nil}"
	}
	return fmt.Sprintf("Endpoint{ID: %s, Addr: %s, Health: %s}",
		e.ID.Short(), e.Address(), e.Health)
}

// Address returns the network address in "host:port" format.
func (e *Endpoint) Address() string {
	if e == nil {
		return ""
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Equals checks if two endpoints denote the same node. Health is ignored.
func (e *Endpoint) Equals(other *Endpoint) bool {
	if e == nil && other == nil {
		return true
	}
	if e == nil || other == nil {
		return false
	}
	return e.ID.Equal(other.ID) &&
		e.Host == other.Host &&
		e.Port == other.Port
}

// Copy creates an independent copy. Keys are immutable, so a shallow copy suffices.
func (e *Endpoint) Copy() *Endpoint {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// IsNil checks if the endpoint is nil or has no id.
func (e *Endpoint) IsNil() bool {
	return e == nil || e.ID.IsZero()
}

// Live reports whether the endpoint may be used as a routing hop.
func (e *Endpoint) Live() bool {
	return e != nil && e.Health != HealthDead
}

// NodeState is the lifecycle phase of a ChordNode.
type NodeState int

const (
	StateStarting NodeState = iota
	StateBootstrapping
	StateResolvingSuccessor
	StateJoinHandshake
	StateIdle
	StateLeaving
	StateLeft
	StateFaulted
)

func (s NodeState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateResolvingSuccessor:
		return "resolving_successor"
	case StateJoinHandshake:
		return "join_handshake"
	case StateIdle:
		return "idle"
	case StateLeaving:
		return "leaving"
	case StateLeft:
		return "left"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NodeStatus is a consistent snapshot of a node's ring view.
type NodeStatus struct {
	State       NodeState
	Local       *Endpoint
	Successor   *Endpoint
	Predecessor *Endpoint
	Fingers     []*Endpoint
}
