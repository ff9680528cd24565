package chord

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

// ringState is the node's view of the ring. It is replaced as a whole under
// ChordNode.mu and the endpoints it points to are never modified after being
// stored, so a copied ringState is a consistent snapshot.
type ringState struct {
	local       *Endpoint
	successor   *Endpoint
	predecessor *Endpoint
	table       *FingerTable
}

// ChordNode represents a node in the Chord ring.
type ChordNode struct {
	config *config.Config
	logger *pkg.Logger

	sender       RequestSender
	bootstrapper Bootstrapper
	payload      PayloadWorker
	metrics      *metrics.Metrics
	broadcaster  RingUpdateBroadcaster
	dispatcher   *RequestDispatcher

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.RWMutex
	state NodeState
	ring  ringState

	// Background task lifecycle, created at join and cancelled at leave
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.Mutex
}

// NewChordNode creates a node in the Starting state. The node draws its id
// from a generator seeded with cfg.Seed; Join may redraw it.
func NewChordNode(cfg *config.Config, sender RequestSender, logger *pkg.Logger) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("request sender cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	n := &ChordNode{
		config:  cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "chord", "addr": cfg.Address()}),
		sender:  sender,
		payload: NopPayloadWorker{},
		rng:     rand.New(rand.NewSource(seed)),
		state:   StateStarting,
	}
	n.dispatcher = NewRequestDispatcher(n)

	local := NewEndpoint(n.randomID(), cfg.Host, cfg.Port)
	n.ring = ringState{local: local}

	candidates, err := ParseCandidates(cfg.BootstrapNodes, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n.bootstrapper, err = NewProbeBootstrapper(sender, candidates, cfg.Address(),
		cfg.ProbeTimeout, cfg.ProbeParallelism, logger)
	if err != nil {
		return nil, err
	}

	n.logger.Info().
		Str("node_id", local.ID.Short()).
		Int("bootstrap_candidates", len(candidates)).
		Msg("ChordNode created")

	return n, nil
}

// SetBootstrapper replaces the bootstrapper built from config.
func (n *ChordNode) SetBootstrapper(b Bootstrapper) {
	n.bootstrapper = b
}

// SetPayloadWorker sets the collaborator that migrates data on join and leave.
func (n *ChordNode) SetPayloadWorker(w PayloadWorker) {
	if w == nil {
		w = NopPayloadWorker{}
	}
	n.payload = w
}

// SetMetrics attaches a metrics sink.
func (n *ChordNode) SetMetrics(m *metrics.Metrics) {
	n.metrics = m
	m.SetState("", n.State().String())
}

// SetBroadcaster sets the broadcaster for ring update events.
func (n *ChordNode) SetBroadcaster(b RingUpdateBroadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcaster = b
}

func (n *ChordNode) randomID() ringkey.Key {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return ringkey.Random(n.rng, n.config.Keyspace)
}

func (n *ChordNode) snapshot() ringState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ring
}

// setState moves the lifecycle state and mirrors it into the local health.
func (n *ChordNode) setState(state NodeState) {
	n.mu.Lock()
	prev := n.state
	n.state = state
	if h, ok := localHealth(state); ok && n.ring.local.Health != h {
		local := n.ring.local.Copy()
		local.Health = h
		n.ring.local = local
	}
	n.mu.Unlock()

	if prev != state {
		n.metrics.SetState(prev.String(), state.String())
		n.logger.Debug().
			Str("from", prev.String()).
			Str("to", state.String()).
			Msg("Node state changed")
	}
}

func localHealth(state NodeState) (HealthState, bool) {
	switch state {
	case StateStarting:
		return HealthStarting, true
	case StateIdle:
		return HealthIdle, true
	case StateLeaving:
		return HealthLeaving, true
	case StateLeft:
		return HealthDead, true
	default:
		return 0, false
	}
}

// State returns the lifecycle state.
func (n *ChordNode) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Local returns a copy of the node's own endpoint.
func (n *ChordNode) Local() *Endpoint {
	return n.snapshot().local.Copy()
}

// Successor returns a copy of the successor, nil before joining.
func (n *ChordNode) Successor() *Endpoint {
	return n.snapshot().successor.Copy()
}

// Predecessor returns a copy of the predecessor, nil before joining.
func (n *ChordNode) Predecessor() *Endpoint {
	return n.snapshot().predecessor.Copy()
}

// Fingers returns the finger table ordered by distance from the local node.
func (n *ChordNode) Fingers() []*Endpoint {
	r := n.snapshot()
	if r.table == nil {
		return nil
	}
	return r.table.Fingers()
}

// Status returns a consistent snapshot of state and ring pointers.
func (n *ChordNode) Status() NodeStatus {
	n.mu.RLock()
	state, r := n.state, n.ring
	n.mu.RUnlock()

	status := NodeStatus{
		State:       state,
		Local:       r.local.Copy(),
		Successor:   r.successor.Copy(),
		Predecessor: r.predecessor.Copy(),
	}
	if r.table != nil {
		status.Fingers = r.table.Fingers()
	}
	return status
}

// Join enters a ring. With no bootstrap node reachable the node forms a new
// singleton ring; otherwise it resolves its successor and runs the two-step
// join handshake against it.
//
// A rejected handshake leaves the node Faulted. Transport failures return it
// to Starting so the caller may retry.
func (n *ChordNode) Join(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateStarting {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot join from state %s", pkg.ErrInvalidState, state)
	}
	n.mu.Unlock()

	n.setState(StateBootstrapping)
	bootstrap, err := n.bootstrapper.FindBootstrapNode(ctx)
	if err != nil {
		n.setState(StateStarting)
		return fmt.Errorf("find bootstrap node: %w", err)
	}
	if bootstrap == nil {
		n.formRing()
		return nil
	}

	n.logger.Info().
		Str("bootstrap", bootstrap.Address()).
		Msg("Joining Chord ring")

	n.setState(StateResolvingSuccessor)
	successor, err := n.resolveSuccessor(ctx, bootstrap)
	if err != nil {
		if errors.Is(err, pkg.ErrIDCollision) {
			n.setState(StateFaulted)
		} else {
			n.setState(StateStarting)
		}
		return err
	}

	n.setState(StateJoinHandshake)
	if err := n.joinHandshake(ctx, successor); err != nil {
		if errors.Is(err, pkg.ErrJoinRejected) || errors.Is(err, pkg.ErrJoinCommitFailed) {
			n.setState(StateFaulted)
		} else {
			n.setState(StateStarting)
		}
		return err
	}
	return nil
}

// formRing makes the node the only member of a new ring.
func (n *ChordNode) formRing() {
	n.mu.Lock()
	local := n.ring.local.Copy()
	local.Health = HealthIdle
	table := NewFingerTable(local.ID)
	table.Reset(local)
	n.ring = ringState{
		local:       local,
		successor:   local,
		predecessor: local,
		table:       table,
	}
	n.mu.Unlock()

	n.setState(StateIdle)
	n.metrics.SetFingerCount(1)
	n.startBackgroundTasks()

	n.logger.Info().
		Str("node_id", local.ID.Short()).
		Msg("Created new Chord ring")
	n.broadcast(EventNodeJoin, local, "node formed a new ring")
}

// resolveSuccessor draws ids until a lookup through bootstrap returns a
// successor with a different id.
func (n *ChordNode) resolveSuccessor(ctx context.Context, bootstrap *Endpoint) (*Endpoint, error) {
	for draw := 1; draw <= n.config.MaxIDDraws; draw++ {
		id := n.randomID()
		n.mu.Lock()
		local := n.ring.local.Copy()
		local.ID = id
		n.ring.local = local
		n.mu.Unlock()

		successor, err := n.LookupKey(ctx, id, bootstrap)
		if err != nil {
			return nil, fmt.Errorf("resolve successor: %w", err)
		}
		if !successor.ID.Equal(id) {
			n.logger.Info().
				Str("node_id", id.Short()).
				Str("successor_id", successor.ID.Short()).
				Str("successor_addr", successor.Address()).
				Msg("Found successor")
			return successor, nil
		}

		n.logger.Warn().
			Str("node_id", id.Short()).
			Int("draw", draw).
			Msg("Drawn id already taken, redrawing")
	}
	return nil, fmt.Errorf("%w: no free id after %d draws", pkg.ErrIDCollision, n.config.MaxIDDraws)
}

func (n *ChordNode) joinHandshake(ctx context.Context, successor *Endpoint) error {
	local := n.Local()

	resp, err := n.send(ctx, &Request{Type: RequestInitNodeJoin, RequesterID: local.ID}, successor)
	if err != nil {
		return fmt.Errorf("init join: %w", err)
	}
	if !resp.ReadyForDataCopy {
		return fmt.Errorf("%w: successor %s is not ready", pkg.ErrJoinRejected, successor.Address())
	}

	if err := n.payload.PreloadData(ctx, successor); err != nil {
		return fmt.Errorf("preload data: %w", err)
	}

	resp, err = n.send(ctx, &Request{
		Type:         RequestCommitNodeJoin,
		RequesterID:  local.ID,
		NewSuccessor: local,
	}, successor)
	if err != nil {
		return fmt.Errorf("commit join: %w", err)
	}
	if !resp.CommitSuccessful {
		return fmt.Errorf("%w: successor %s did not commit", pkg.ErrJoinCommitFailed, successor.Address())
	}

	table := NewFingerTable(local.ID)
	fingers := make([]*Endpoint, 0, len(resp.FingerTable)+1)
	for _, f := range resp.FingerTable {
		if f.IsNil() || f.ID.Equal(local.ID) {
			continue
		}
		fingers = append(fingers, f)
	}
	table.Reset(fingers...)
	table.InsertFinger(successor)

	predecessor := resp.Predecessor.Copy()
	if predecessor.IsNil() {
		predecessor = successor.Copy()
	}

	n.mu.Lock()
	local = n.ring.local.Copy()
	local.Health = HealthIdle
	n.ring = ringState{
		local:       local,
		successor:   successor.Copy(),
		predecessor: predecessor,
		table:       table,
	}
	n.mu.Unlock()

	n.setState(StateIdle)
	n.metrics.SetFingerCount(table.Len())
	n.startBackgroundTasks()

	n.logger.Info().
		Str("node_id", local.ID.Short()).
		Str("successor_id", successor.ID.Short()).
		Str("predecessor_id", predecessor.ID.Short()).
		Int("fingers", table.Len()).
		Msg("Joined Chord ring")
	n.broadcast(EventNodeJoin, local, "node joined the ring")
	return nil
}

// Leave hands the node's range to its successor and stops background tasks.
// A rejected handshake returns the node to Idle so the caller can retry.
func (n *ChordNode) Leave(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateIdle {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot leave from state %s", pkg.ErrInvalidState, state)
	}
	n.mu.Unlock()

	n.setState(StateLeaving)
	r := n.snapshot()

	n.logger.Info().
		Str("successor", r.successor.Address()).
		Msg("Leaving Chord ring")

	if !r.successor.Equals(r.local) {
		if err := n.leaveHandshake(ctx, r); err != nil {
			n.setState(StateIdle)
			return err
		}
	}

	n.stopBackgroundTasks()
	n.setState(StateLeft)

	n.logger.Info().Msg("Left Chord ring")
	n.broadcast(EventNodeLeave, r.local, "node left the ring")
	return nil
}

func (n *ChordNode) leaveHandshake(ctx context.Context, r ringState) error {
	resp, err := n.send(ctx, &Request{Type: RequestInitNodeLeave, RequesterID: r.local.ID}, r.successor)
	if err != nil {
		return fmt.Errorf("init leave: %w", err)
	}
	if !resp.ReadyForDataCopy {
		return fmt.Errorf("%w: successor %s is not ready", pkg.ErrLeaveRejected, r.successor.Address())
	}

	if err := n.payload.BackupData(ctx, r.successor); err != nil {
		return fmt.Errorf("backup data: %w", err)
	}

	resp, err = n.send(ctx, &Request{
		Type:           RequestCommitNodeLeave,
		RequesterID:    r.local.ID,
		NewPredecessor: r.predecessor,
	}, r.successor)
	if err != nil {
		return fmt.Errorf("commit leave: %w", err)
	}
	if !resp.CommitSuccessful {
		return fmt.Errorf("%w: successor %s did not commit", pkg.ErrLeaveCommitFailed, r.successor.Address())
	}
	return nil
}

// LookupKey resolves the node responsible for key. With an explicit receiver
// the request is sent there directly; otherwise the node answers from its own
// range or forwards to the best finger, which continues the lookup
// recursively. If a finger other than the successor is unreachable it is
// marked Questionable and the lookup is retried through the successor.
func (n *ChordNode) LookupKey(ctx context.Context, key ringkey.Key, receiver *Endpoint) (*Endpoint, error) {
	n.mu.RLock()
	state, r := n.state, n.ring
	n.mu.RUnlock()

	if state == StateLeft {
		n.metrics.ObserveLookup("error")
		return nil, fmt.Errorf("%w: node has left the ring", pkg.ErrPrecondition)
	}

	req := &Request{
		Type:                RequestKeyLookup,
		RequesterID:         r.local.ID,
		RequestedResourceID: key,
	}

	if receiver != nil {
		resp, err := n.send(ctx, req, receiver)
		if err != nil {
			n.metrics.ObserveLookup("error")
			return nil, err
		}
		n.metrics.ObserveLookup("forwarded")
		return resp.Responder.Copy(), nil
	}

	if r.successor.IsNil() || r.table == nil {
		n.metrics.ObserveLookup("error")
		return nil, fmt.Errorf("%w: node has not joined a ring", pkg.ErrPrecondition)
	}

	if !r.predecessor.IsNil() && ringkey.InRange(key, r.predecessor.ID, r.local.ID) {
		n.metrics.ObserveLookup("local")
		return r.local.Copy(), nil
	}

	hop, err := r.table.FindBestFinger(key, r.successor)
	if err != nil {
		n.metrics.ObserveLookup("error")
		return nil, err
	}
	if ringkey.InRange(key, r.local.ID, r.successor.ID) {
		n.metrics.ObserveLookup("successor")
		return hop, nil
	}

	resp, err := n.send(ctx, req, hop)
	if err == nil {
		n.metrics.ObserveLookup("forwarded")
		return resp.Responder.Copy(), nil
	}
	if !errors.Is(err, pkg.ErrTransport) || hop.Equals(r.successor) || ctx.Err() != nil {
		n.metrics.ObserveLookup("error")
		return nil, err
	}

	n.logger.Debug().
		Err(err).
		Str("finger", hop.Address()).
		Msg("Finger unreachable, retrying lookup via successor")
	n.markFinger(r.table, hop, HealthQuestionable)

	resp, err = n.send(ctx, req, r.successor)
	if err != nil {
		n.metrics.ObserveLookup("error")
		return nil, err
	}
	n.metrics.ObserveLookup("fallback")
	return resp.Responder.Copy(), nil
}

// LookupName hashes name into the keyspace and resolves its owner.
func (n *ChordNode) LookupName(ctx context.Context, name string) (ringkey.Key, *Endpoint, error) {
	key := ringkey.Hash([]byte(name), n.config.Keyspace)
	owner, err := n.LookupKey(ctx, key, nil)
	return key, owner, err
}

// HealthCheck asks target for its current endpoint within timeout.
func (n *ChordNode) HealthCheck(ctx context.Context, target *Endpoint, timeout time.Duration) (*Endpoint, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := n.send(hctx, &Request{
		Type:        RequestHealthCheck,
		RequesterID: n.snapshot().local.ID,
	}, target)
	if err != nil {
		return nil, err
	}
	return resp.Responder.Copy(), nil
}

// HandleRequest answers a request from a peer.
func (n *ChordNode) HandleRequest(ctx context.Context, req *Request) (*Response, error) {
	return n.dispatcher.Dispatch(ctx, req)
}

// send delivers req to receiver. Requests addressed to the local node are
// dispatched in-process. Contexts without a deadline get the RPC timeout.
func (n *ChordNode) send(ctx context.Context, req *Request, receiver *Endpoint) (*Response, error) {
	if receiver == nil {
		return nil, fmt.Errorf("%w: %s without receiver", pkg.ErrPrecondition, req.Type)
	}

	if receiver.Address() == n.config.Address() {
		return n.HandleRequest(ctx, req.Copy())
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.RPCTimeout)
		defer cancel()
	}

	resp, err := n.sender.SendRequest(ctx, req, receiver)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Responder.IsNil() {
		return nil, fmt.Errorf("%w: %s response from %s has no responder",
			pkg.ErrProtocol, req.Type, receiver.Address())
	}
	return resp, nil
}

// setSuccessor replaces the successor pointer and records it as a finger.
func (n *ChordNode) setSuccessor(successor *Endpoint) {
	n.mu.Lock()
	n.ring.successor = successor.Copy()
	table := n.ring.table
	n.mu.Unlock()

	if table != nil {
		table.InsertFinger(successor)
		n.metrics.SetFingerCount(table.Len())
	}

	n.logger.Debug().
		Str("successor_id", successor.ID.Short()).
		Msg("Successor updated")
	n.broadcast(EventSuccessorUpdate, successor, "successor updated")
}

// setPredecessor replaces the predecessor pointer.
func (n *ChordNode) setPredecessor(predecessor *Endpoint) {
	n.mu.Lock()
	n.ring.predecessor = predecessor.Copy()
	n.mu.Unlock()

	n.logger.Debug().
		Str("predecessor_id", predecessor.ID.Short()).
		Msg("Predecessor updated")
}

// markFinger degrades a finger and mirrors the new state into the ring
// pointers that refer to the same node.
func (n *ChordNode) markFinger(table *FingerTable, ep *Endpoint, state HealthState) {
	if !table.MarkHealth(ep.ID, state) {
		return
	}

	n.mu.Lock()
	if n.ring.successor.Equals(ep) && healthRank(n.ring.successor.Health) < healthRank(state) {
		s := n.ring.successor.Copy()
		s.Health = state
		n.ring.successor = s
	}
	if n.ring.predecessor.Equals(ep) && healthRank(n.ring.predecessor.Health) < healthRank(state) {
		p := n.ring.predecessor.Copy()
		p.Health = state
		n.ring.predecessor = p
	}
	n.mu.Unlock()

	n.metrics.ObserveFingerState(state.String())
	n.logger.Warn().
		Str("finger_id", ep.ID.Short()).
		Str("finger_addr", ep.Address()).
		Str("health", state.String()).
		Msg("Finger health degraded")
	n.broadcast(EventFingerState, ep, "finger marked "+state.String())
}

// startBackgroundTasks starts the periodic maintenance tasks.
func (n *ChordNode) startBackgroundTasks() {
	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(2)
	go n.monitorHealthLoop(ctx)
	go n.refreshTableLoop(ctx)

	n.logger.Debug().Msg("Background tasks started")
}

// stopBackgroundTasks cancels the maintenance tasks and waits for them to exit.
func (n *ChordNode) stopBackgroundTasks() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}

// Shutdown stops the node without the leave handshake.
func (n *ChordNode) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down ChordNode")
	n.stopBackgroundTasks()
	n.logger.Info().Msg("ChordNode shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *ChordNode) IsShutdown() bool {
	n.shutdownMu.Lock()
	defer n.shutdownMu.Unlock()
	return n.shutdown
}
