package chord

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

func hostFor(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", (i/65536)%256, (i/256)%256, i%256)
}

func testConfig(host string, keyspace int64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = host
	cfg.Port = 8440
	cfg.HTTPPort = 0
	cfg.Keyspace = big.NewInt(keyspace)
	cfg.ProbeTimeout = 100 * time.Millisecond
	// Background cycles are driven by hand unless a test shortens these.
	cfg.MonitorHealthSchedule = time.Hour
	cfg.UpdateTableSchedule = time.Hour
	cfg.HealthCheckTimeout = 100 * time.Millisecond
	cfg.HealthRecheckTimeout = 50 * time.Millisecond
	cfg.RebuildTimeout = 2 * time.Second
	cfg.RPCTimeout = 500 * time.Millisecond
	return cfg
}

// createTestNode builds a node on net and registers it under its address.
func createTestNode(t *testing.T, net *MemoryNetwork, cfg *config.Config) *ChordNode {
	t.Helper()

	node, err := NewChordNode(cfg, net, pkg.Nop())
	require.NoError(t, err)
	require.NotNil(t, node)

	net.Register(cfg.Address(), node)
	t.Cleanup(func() { _ = node.Shutdown() })
	return node
}

// joinRing creates count nodes and joins them one after another, each
// bootstrapping off the first node.
func joinRing(t *testing.T, net *MemoryNetwork, count int, keyspace int64) []*ChordNode {
	t.Helper()

	nodes := make([]*ChordNode, 0, count)
	for i := 0; i < count; i++ {
		cfg := testConfig(hostFor(i+1), keyspace)
		cfg.Seed = int64(i + 1)
		if i > 0 {
			cfg.BootstrapNodes = []string{hostFor(1)}
		}
		node := createTestNode(t, net, cfg)
		require.NoError(t, node.Join(context.Background()), "node %d", i)
		nodes = append(nodes, node)
	}
	return nodes
}

// buildStaticRing wires one Idle node per id with exact successor and
// predecessor pointers and ideal finger tables, without running any
// handshake. Nodes are returned in id order.
func buildStaticRing(t *testing.T, net *MemoryNetwork, ids []int64, keyspace int64) []*ChordNode {
	t.Helper()

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	nodes := make([]*ChordNode, len(sorted))
	endpoints := make(map[int64]*Endpoint, len(sorted))
	for i, id := range sorted {
		node := createTestNode(t, net, testConfig(hostFor(i+1), keyspace))
		local := node.Local()
		local.ID = ringkey.FromInt64(id, keyspace)
		local.Health = HealthIdle
		node.ring.local = local
		node.state = StateIdle

		nodes[i] = node
		endpoints[id] = local
	}

	bits := ringkey.Bits(big.NewInt(keyspace))
	for i, node := range nodes {
		local := node.ring.local
		table := NewFingerTable(local.ID)
		for k := 0; k < bits; k++ {
			target := local.ID.AddPowerOfTwo(k).Value().Int64()
			table.InsertFinger(endpoints[ownerOf(sorted, target)])
		}
		node.ring.successor = endpoints[sorted[(i+1)%len(sorted)]]
		node.ring.predecessor = endpoints[sorted[(i-1+len(sorted))%len(sorted)]]
		node.ring.table = table
	}
	return nodes
}

// scriptedPeer answers every request with canned values.
type scriptedPeer struct {
	self     *Endpoint
	ready    bool
	commit   bool
	echoKeys bool // answer lookups with an endpoint carrying the requested id
}

func (p *scriptedPeer) HandleRequest(_ context.Context, req *Request) (*Response, error) {
	switch req.Type {
	case RequestKeyLookup:
		if p.echoKeys {
			ep := p.self.Copy()
			ep.ID = req.RequestedResourceID
			return &Response{Responder: ep}, nil
		}
		return &Response{Responder: p.self.Copy()}, nil
	case RequestInitNodeJoin, RequestInitNodeLeave:
		return &Response{Responder: p.self.Copy(), ReadyForDataCopy: p.ready}, nil
	case RequestCommitNodeJoin, RequestCommitNodeLeave:
		return &Response{Responder: p.self.Copy(), CommitSuccessful: p.commit}, nil
	default:
		return &Response{Responder: p.self.Copy()}, nil
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (b *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, update.(RingUpdateEvent))
	return nil
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

type recordingPayload struct {
	mu        sync.Mutex
	preloaded []*Endpoint
	backedUp  []*Endpoint
	err       error
}

func (p *recordingPayload) PreloadData(_ context.Context, peer *Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preloaded = append(p.preloaded, peer.Copy())
	return p.err
}

func (p *recordingPayload) BackupData(_ context.Context, peer *Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backedUp = append(p.backedUp, peer.Copy())
	return p.err
}
