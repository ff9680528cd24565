package chord

import (
	"context"
	"fmt"
	"sync"

	"github.com/zde37/chordring/pkg"
)

type handlerFunc func(ctx context.Context, req *Request) (*Response, error)

// RequestDispatcher routes protocol requests to per-type handlers. The same
// dispatcher serves in-process calls and requests arriving over a transport.
type RequestDispatcher struct {
	node     *ChordNode
	handlers map[RequestType]handlerFunc

	// Serializes join and leave commits so two handshakes cannot interleave
	// their predecessor updates.
	commitMu sync.Mutex
}

// NewRequestDispatcher creates the dispatcher for node.
func NewRequestDispatcher(node *ChordNode) *RequestDispatcher {
	d := &RequestDispatcher{node: node}
	d.handlers = map[RequestType]handlerFunc{
		RequestHealthCheck:     d.handleHealthCheck,
		RequestKeyLookup:       d.handleKeyLookup,
		RequestUpdateSuccessor: d.handleUpdateSuccessor,
		RequestInitNodeJoin:    d.handleInitHandshake,
		RequestCommitNodeJoin:  d.handleCommitNodeJoin,
		RequestInitNodeLeave:   d.handleInitHandshake,
		RequestCommitNodeLeave: d.handleCommitNodeLeave,
	}
	return d
}

// Dispatch answers req. Unknown request types fail with pkg.ErrProtocol.
func (d *RequestDispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", pkg.ErrProtocol)
	}
	handler, ok := d.handlers[req.Type]
	if !ok {
		d.node.metrics.ObserveRequest("unknown", pkg.ErrProtocol)
		return nil, fmt.Errorf("%w: unknown request type %d", pkg.ErrProtocol, int(req.Type))
	}

	resp, err := handler(ctx, req)
	d.node.metrics.ObserveRequest(req.Type.String(), err)
	if err != nil {
		d.node.logger.WithContext(ctx).Debug().
			Err(err).
			Str("type", req.Type.String()).
			Str("requester", req.RequesterID.Short()).
			Msg("Request failed")
	}
	return resp, err
}

func (d *RequestDispatcher) handleHealthCheck(_ context.Context, _ *Request) (*Response, error) {
	return &Response{Responder: d.node.Local()}, nil
}

func (d *RequestDispatcher) handleKeyLookup(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestedResourceID.IsZero() {
		return nil, fmt.Errorf("%w: key lookup without resource id", pkg.ErrProtocol)
	}

	if d.node.State() == StateLeft {
		return nil, fmt.Errorf("%w: node has left the ring", pkg.ErrPrecondition)
	}
	local := d.node.Local()
	if local.Health == HealthStarting {
		return &Response{Responder: local}, nil
	}

	owner, err := d.node.LookupKey(ctx, req.RequestedResourceID, nil)
	if err != nil {
		return nil, err
	}
	return &Response{Responder: owner}, nil
}

// handleUpdateSuccessor adopts the proposed successor if it answers a health
// check within the configured timeout and does not report itself Dead.
func (d *RequestDispatcher) handleUpdateSuccessor(ctx context.Context, req *Request) (*Response, error) {
	if req.NewSuccessor.IsNil() {
		return nil, fmt.Errorf("%w: update successor without candidate", pkg.ErrProtocol)
	}

	n := d.node
	candidate, err := n.HealthCheck(ctx, req.NewSuccessor, n.config.HealthCheckTimeout)
	if err != nil || candidate.Health == HealthDead {
		n.logger.WithContext(ctx).Warn().
			Err(err).
			Str("candidate", req.NewSuccessor.Address()).
			Msg("Rejected successor update, candidate failed health check")
		return &Response{Responder: n.Local(), CommitSuccessful: false}, nil
	}

	// A joiner still reports Starting mid-handshake; it is a member from here on.
	successor := req.NewSuccessor.Copy()
	successor.Health = HealthIdle
	n.setSuccessor(successor)

	return &Response{Responder: n.Local(), CommitSuccessful: true}, nil
}

// handleInitHandshake serves both InitNodeJoin and InitNodeLeave: the node
// is ready for a data copy only while it is an idle ring member.
func (d *RequestDispatcher) handleInitHandshake(_ context.Context, _ *Request) (*Response, error) {
	n := d.node
	return &Response{
		Responder:        n.Local(),
		ReadyForDataCopy: n.State() == StateIdle,
	}, nil
}

// handleCommitNodeJoin links the joiner in between this node and its
// predecessor: the predecessor is asked to adopt the joiner as successor and,
// once it has, the joiner becomes this node's predecessor.
func (d *RequestDispatcher) handleCommitNodeJoin(ctx context.Context, req *Request) (*Response, error) {
	if req.NewSuccessor.IsNil() {
		return nil, fmt.Errorf("%w: commit join without joining node", pkg.ErrProtocol)
	}
	joiner := req.NewSuccessor.Copy()
	joiner.Health = HealthIdle

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	n := d.node
	r := n.snapshot()
	if r.predecessor.IsNil() || r.table == nil {
		return nil, fmt.Errorf("%w: node has not joined a ring", pkg.ErrPrecondition)
	}
	snapshot := r.table.Fingers()

	committed := d.relayUpdateSuccessor(ctx, r.predecessor, joiner)
	if committed {
		n.setPredecessor(joiner)
		r.table.InsertFinger(joiner)
		n.metrics.SetFingerCount(r.table.Len())

		n.logger.WithContext(ctx).Info().
			Str("joiner_id", joiner.ID.Short()).
			Str("joiner_addr", joiner.Address()).
			Msg("Committed node join")
		n.broadcast(EventNodeJoin, joiner, "node joined as predecessor")
	}

	return &Response{
		Responder:        n.Local(),
		CommitSuccessful: committed,
		Predecessor:      r.predecessor.Copy(),
		FingerTable:      snapshot,
	}, nil
}

// handleCommitNodeLeave closes the gap left by the leaving predecessor: the
// leaver's own predecessor is asked to adopt this node as successor.
func (d *RequestDispatcher) handleCommitNodeLeave(ctx context.Context, req *Request) (*Response, error) {
	newPred := req.NewPredecessor
	if newPred.IsNil() {
		return nil, fmt.Errorf("%w: commit leave without predecessor", pkg.ErrProtocol)
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	n := d.node
	r := n.snapshot()
	if r.table == nil {
		return nil, fmt.Errorf("%w: node has not joined a ring", pkg.ErrPrecondition)
	}

	committed := d.relayUpdateSuccessor(ctx, newPred, r.local)
	if committed {
		n.setPredecessor(newPred)
		if !req.RequesterID.Equal(r.local.ID) {
			r.table.Remove(req.RequesterID)
			n.metrics.SetFingerCount(r.table.Len())
		}

		n.logger.WithContext(ctx).Info().
			Str("leaver_id", req.RequesterID.Short()).
			Str("predecessor_id", newPred.ID.Short()).
			Msg("Committed node leave")
		n.broadcast(EventNodeLeave, &Endpoint{ID: req.RequesterID}, "predecessor left the ring")
	}

	return &Response{Responder: n.Local(), CommitSuccessful: committed}, nil
}

// relayUpdateSuccessor asks target to take successor as its new successor.
func (d *RequestDispatcher) relayUpdateSuccessor(ctx context.Context, target, successor *Endpoint) bool {
	n := d.node
	resp, err := n.send(ctx, &Request{
		Type:         RequestUpdateSuccessor,
		RequesterID:  n.snapshot().local.ID,
		NewSuccessor: successor,
	}, target)
	if err != nil {
		n.logger.WithContext(ctx).Warn().
			Err(err).
			Str("target", target.Address()).
			Msg("Failed to relay successor update")
		return false
	}
	return resp.CommitSuccessful
}
