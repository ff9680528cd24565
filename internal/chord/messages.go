package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordring/pkg/ringkey"
)

// RequestType discriminates protocol requests.
type RequestType int

const (
	RequestHealthCheck RequestType = iota + 1
	RequestKeyLookup
	RequestUpdateSuccessor
	RequestInitNodeJoin
	RequestCommitNodeJoin
	RequestInitNodeLeave
	RequestCommitNodeLeave
)

var requestTypeNames = map[RequestType]string{
	RequestHealthCheck:     "health_check",
	RequestKeyLookup:       "key_lookup",
	RequestUpdateSuccessor: "update_successor",
	RequestInitNodeJoin:    "init_node_join",
	RequestCommitNodeJoin:  "commit_node_join",
	RequestInitNodeLeave:   "init_node_leave",
	RequestCommitNodeLeave: "commit_node_leave",
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("request(%d)", int(t))
}

// Request is a protocol message sent between ring members.
type Request struct {
	Type                RequestType
	RequesterID         ringkey.Key
	RequestedResourceID ringkey.Key // KeyLookup only
	NewSuccessor        *Endpoint   // UpdateSuccessor, CommitNodeJoin
	NewPredecessor      *Endpoint   // CommitNodeLeave
}

// Copy returns a request with independent endpoint copies.
func (r *Request) Copy() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.NewSuccessor = r.NewSuccessor.Copy()
	c.NewPredecessor = r.NewPredecessor.Copy()
	return &c
}

// Response answers a Request.
type Response struct {
	Responder        *Endpoint
	ReadyForDataCopy bool
	CommitSuccessful bool
	Predecessor      *Endpoint
	FingerTable      []*Endpoint
}

// Copy returns a response with independent endpoint copies.
func (r *Response) Copy() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Responder = r.Responder.Copy()
	c.Predecessor = r.Predecessor.Copy()
	if r.FingerTable != nil {
		c.FingerTable = make([]*Endpoint, len(r.FingerTable))
		for i, f := range r.FingerTable {
			c.FingerTable[i] = f.Copy()
		}
	}
	return &c
}

// RequestSender delivers a request to a remote node. Implementations return
// errors wrapping pkg.ErrTransport for timeouts and unreachable peers.
type RequestSender interface {
	SendRequest(ctx context.Context, req *Request, receiver *Endpoint) (*Response, error)
}

// RequestHandler answers requests addressed to the local node.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) (*Response, error)
}

// PayloadWorker moves application data at the join and leave migration points.
type PayloadWorker interface {
	// PreloadData copies the keys the joining node takes over from peer.
	PreloadData(ctx context.Context, peer *Endpoint) error
	// BackupData hands the leaving node's keys to peer.
	BackupData(ctx context.Context, peer *Endpoint) error
}

// NopPayloadWorker completes immediately. Used when no payload is stored.
type NopPayloadWorker struct{}

func (NopPayloadWorker) PreloadData(context.Context, *Endpoint) error { return nil }
func (NopPayloadWorker) BackupData(context.Context, *Endpoint) error  { return nil }
