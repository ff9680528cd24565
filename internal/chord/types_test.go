package chord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zde37/chordring/pkg/ringkey"
)

func TestNewEndpoint(t *testing.T) {
	id := ringkey.FromInt64(42, 100)
	ep := NewEndpoint(id, "10.0.0.1", 8440)

	assert.True(t, ep.ID.Equal(id))
	assert.Equal(t, "10.0.0.1", ep.Host)
	assert.Equal(t, 8440, ep.Port)
	assert.Equal(t, HealthStarting, ep.Health)
	assert.Equal(t, "10.0.0.1:8440", ep.Address())
}

func TestEndpoint_Address(t *testing.T) {
	tests := []struct {
		name     string
		ep       *Endpoint
		expected string
	}{
		{name: "ipv4", ep: &Endpoint{Host: "192.168.1.1", Port: 9000}, expected: "192.168.1.1:9000"},
		{name: "ipv6", ep: &Endpoint{Host: "::1", Port: 9000}, expected: "[::1]:9000"},
		{name: "nil", ep: nil, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ep.Address())
		})
	}
}

func TestEndpoint_Equals(t *testing.T) {
	id := ringkey.FromInt64(7, 100)
	a := NewEndpoint(id, "10.0.0.1", 8440)

	tests := []struct {
		name     string
		other    *Endpoint
		expected bool
	}{
		{name: "same", other: NewEndpoint(id, "10.0.0.1", 8440), expected: true},
		{name: "health ignored", other: &Endpoint{ID: id, Host: "10.0.0.1", Port: 8440, Health: HealthDead}, expected: true},
		{name: "different id", other: NewEndpoint(ringkey.FromInt64(8, 100), "10.0.0.1", 8440), expected: false},
		{name: "different host", other: NewEndpoint(id, "10.0.0.2", 8440), expected: false},
		{name: "different port", other: NewEndpoint(id, "10.0.0.1", 8441), expected: false},
		{name: "nil", other: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, a.Equals(tt.other))
		})
	}

	var nilEp *Endpoint
	assert.True(t, nilEp.Equals(nil))
}

func TestEndpoint_CopyIsIndependent(t *testing.T) {
	orig := NewEndpoint(ringkey.FromInt64(1, 100), "10.0.0.1", 8440)
	c := orig.Copy()
	c.Health = HealthDead
	c.Host = "10.0.0.9"

	assert.Equal(t, HealthStarting, orig.Health)
	assert.Equal(t, "10.0.0.1", orig.Host)

	var nilEp *Endpoint
	assert.Nil(t, nilEp.Copy())
}

func TestEndpoint_IsNilAndLive(t *testing.T) {
	var nilEp *Endpoint
	assert.True(t, nilEp.IsNil())
	assert.True(t, (&Endpoint{Host: "h", Port: 1}).IsNil())
	assert.False(t, NewEndpoint(ringkey.FromInt64(0, 10), "h", 1).IsNil())

	assert.False(t, nilEp.Live())
	assert.True(t, (&Endpoint{Health: HealthQuestionable}).Live())
	assert.False(t, (&Endpoint{Health: HealthDead}).Live())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "questionable", HealthQuestionable.String())
	assert.Equal(t, "health(42)", HealthState(42).String())
	assert.Equal(t, "resolving_successor", StateResolvingSuccessor.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "commit_node_leave", RequestCommitNodeLeave.String())
	assert.Equal(t, "request(99)", RequestType(99).String())
}

func TestRequestResponseCopy(t *testing.T) {
	succ := NewEndpoint(ringkey.FromInt64(3, 10), "a", 1)
	req := &Request{Type: RequestUpdateSuccessor, NewSuccessor: succ}
	rc := req.Copy()
	rc.NewSuccessor.Health = HealthDead
	assert.Equal(t, HealthStarting, succ.Health)

	resp := &Response{Responder: succ, FingerTable: []*Endpoint{succ}}
	cc := resp.Copy()
	cc.FingerTable[0].Host = "b"
	cc.Responder.Port = 2
	assert.Equal(t, "a", succ.Host)
	assert.Equal(t, 1, succ.Port)
}
