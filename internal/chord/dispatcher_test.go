package chord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

func TestRequestDispatcher_UnknownType(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))

	_, err := node.HandleRequest(context.Background(), &Request{Type: RequestType(42)})
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	_, err = node.HandleRequest(context.Background(), nil)
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	// The node keeps serving after a protocol error.
	resp, err := node.HandleRequest(context.Background(), &Request{Type: RequestHealthCheck})
	require.NoError(t, err)
	assert.True(t, resp.Responder.Equals(node.Local()))
}

func TestRequestDispatcher_HealthCheckReflectsState(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))

	resp, err := node.HandleRequest(context.Background(), &Request{Type: RequestHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, HealthStarting, resp.Responder.Health)

	require.NoError(t, node.Join(context.Background()))
	resp, err = node.HandleRequest(context.Background(), &Request{Type: RequestHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, HealthIdle, resp.Responder.Health)
}

func TestRequestDispatcher_KeyLookup(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))
	req := &Request{Type: RequestKeyLookup, RequestedResourceID: ringkey.FromInt64(77, 1_000_000)}

	t.Run("starting node answers with itself", func(t *testing.T) {
		resp, err := node.HandleRequest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, resp.Responder.Equals(node.Local()))
	})

	t.Run("missing resource id", func(t *testing.T) {
		_, err := node.HandleRequest(context.Background(), &Request{Type: RequestKeyLookup})
		assert.ErrorIs(t, err, pkg.ErrProtocol)
	})

	t.Run("joined node routes", func(t *testing.T) {
		nodes := buildStaticRing(t, NewMemoryNetwork(), []int64{100, 400, 800}, 1024)
		resp, err := nodes[0].HandleRequest(context.Background(), &Request{
			Type:                RequestKeyLookup,
			RequestedResourceID: ringkey.FromInt64(500, 1024),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(800), resp.Responder.ID.Value().Int64())
	})

	t.Run("node that left refuses", func(t *testing.T) {
		n := createTestNode(t, NewMemoryNetwork(), testConfig("10.0.0.4", 1_000_000))
		require.NoError(t, n.Join(context.Background()))
		require.NoError(t, n.Leave(context.Background()))

		_, err := n.HandleRequest(context.Background(), req)
		assert.ErrorIs(t, err, pkg.ErrPrecondition)

		_, err = n.LookupKey(context.Background(), req.RequestedResourceID, nil)
		assert.ErrorIs(t, err, pkg.ErrPrecondition)
	})

	t.Run("faulted node without ring", func(t *testing.T) {
		n := createTestNode(t, NewMemoryNetwork(), testConfig("10.0.0.3", 1_000_000))
		n.setState(StateFaulted)
		n.mu.Lock()
		local := n.ring.local.Copy()
		local.Health = HealthIdle
		n.ring.local = local
		n.mu.Unlock()

		_, err := n.HandleRequest(context.Background(), req)
		assert.ErrorIs(t, err, pkg.ErrPrecondition)
	})
}

// A successor update naming an unreachable candidate is refused and the
// current successor stays in place.
func TestRequestDispatcher_UpdateSuccessor(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))
	require.NoError(t, node.Join(context.Background()))
	original := node.Successor()

	t.Run("candidate refuses connections", func(t *testing.T) {
		candidate := NewEndpoint(ringkey.FromInt64(5, 1_000_000), "10.0.0.50", 8440)
		resp, err := node.HandleRequest(context.Background(), &Request{
			Type:         RequestUpdateSuccessor,
			NewSuccessor: candidate,
		})
		require.NoError(t, err)
		assert.False(t, resp.CommitSuccessful)
		assert.True(t, node.Successor().Equals(original))
	})

	t.Run("candidate times out", func(t *testing.T) {
		silent := createTestNode(t, net, testConfig("10.0.0.51", 1_000_000))
		net.SetUnreachable(silent.Local().Address(), true)

		resp, err := node.HandleRequest(context.Background(), &Request{
			Type:         RequestUpdateSuccessor,
			NewSuccessor: silent.Local(),
		})
		require.NoError(t, err)
		assert.False(t, resp.CommitSuccessful)
		assert.True(t, node.Successor().Equals(original))
	})

	t.Run("candidate reports dead", func(t *testing.T) {
		leftNode := createTestNode(t, net, testConfig("10.0.0.52", 1_000_000))
		require.NoError(t, leftNode.Join(context.Background()))
		require.NoError(t, leftNode.Leave(context.Background()))

		resp, err := node.HandleRequest(context.Background(), &Request{
			Type:         RequestUpdateSuccessor,
			NewSuccessor: leftNode.Local(),
		})
		require.NoError(t, err)
		assert.False(t, resp.CommitSuccessful)
		assert.True(t, node.Successor().Equals(original))
	})

	t.Run("healthy candidate", func(t *testing.T) {
		peer := createTestNode(t, net, testConfig("10.0.0.53", 1_000_000))
		resp, err := node.HandleRequest(context.Background(), &Request{
			Type:         RequestUpdateSuccessor,
			NewSuccessor: peer.Local(),
		})
		require.NoError(t, err)
		assert.True(t, resp.CommitSuccessful)
		assert.True(t, node.Successor().Equals(peer.Local()))
		require.NotNil(t, node.snapshot().table.Get(peer.Local().ID))

		// The candidate still reports Starting; once adopted it is a member.
		assert.Equal(t, HealthStarting, peer.Local().Health)
		assert.Equal(t, HealthIdle, node.Successor().Health)
		assert.Equal(t, HealthIdle, node.snapshot().table.Get(peer.Local().ID).Health)
	})

	t.Run("missing candidate", func(t *testing.T) {
		_, err := node.HandleRequest(context.Background(), &Request{Type: RequestUpdateSuccessor})
		assert.ErrorIs(t, err, pkg.ErrProtocol)
	})
}

func TestRequestDispatcher_InitReadiness(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))

	for _, typ := range []RequestType{RequestInitNodeJoin, RequestInitNodeLeave} {
		resp, err := node.HandleRequest(context.Background(), &Request{Type: typ})
		require.NoError(t, err)
		assert.False(t, resp.ReadyForDataCopy, "%s before joining", typ)
	}

	require.NoError(t, node.Join(context.Background()))
	for _, typ := range []RequestType{RequestInitNodeJoin, RequestInitNodeLeave} {
		resp, err := node.HandleRequest(context.Background(), &Request{Type: typ})
		require.NoError(t, err)
		assert.True(t, resp.ReadyForDataCopy, "%s while idle", typ)
	}
}

func TestRequestDispatcher_CommitValidation(t *testing.T) {
	net := NewMemoryNetwork()
	node := createTestNode(t, net, testConfig("10.0.0.1", 1_000_000))

	_, err := node.HandleRequest(context.Background(), &Request{Type: RequestCommitNodeJoin})
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	_, err = node.HandleRequest(context.Background(), &Request{Type: RequestCommitNodeLeave})
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	joiner := NewEndpoint(ringkey.FromInt64(9, 1_000_000), "10.0.0.9", 8440)
	_, err = node.HandleRequest(context.Background(), &Request{Type: RequestCommitNodeJoin, NewSuccessor: joiner})
	assert.ErrorIs(t, err, pkg.ErrPrecondition, "node outside a ring cannot commit a join")
}

func TestRequestDispatcher_CommitJoinRelayFailure(t *testing.T) {
	net := NewMemoryNetwork()
	nodes := joinRing(t, net, 2, 1_000_000)
	a, b := nodes[0], nodes[1]

	// a's predecessor is b; with b gone the relay fails and nothing changes.
	net.Unregister(b.Local().Address())
	joiner := NewEndpoint(ringkey.FromInt64(9, 1_000_000), "10.0.0.99", 8440)

	resp, err := a.HandleRequest(context.Background(), &Request{
		Type:         RequestCommitNodeJoin,
		RequesterID:  joiner.ID,
		NewSuccessor: joiner,
	})
	require.NoError(t, err)
	assert.False(t, resp.CommitSuccessful)
	assert.True(t, a.Predecessor().Equals(b.Local()))
	assert.Nil(t, a.snapshot().table.Get(joiner.ID))
}
