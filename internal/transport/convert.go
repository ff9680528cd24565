package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

func keyToWire(k ringkey.Key) wireID {
	if k.IsZero() {
		return wireID{}
	}
	return wireID{Set: true, Value: k.Bytes()}
}

func keyFromWire(id wireID, keyspace *big.Int) ringkey.Key {
	if !id.Set {
		return ringkey.Key{}
	}
	return ringkey.FromBytes(id.Value, keyspace)
}

func endpointToWire(ep *chord.Endpoint) *wireEndpoint {
	if ep == nil {
		return nil
	}
	return &wireEndpoint{
		ID:     keyToWire(ep.ID),
		Host:   ep.Host,
		Port:   uint32(ep.Port),
		Health: int32(ep.Health),
	}
}

func endpointFromWire(w *wireEndpoint, keyspace *big.Int) *chord.Endpoint {
	if w == nil {
		return nil
	}
	return &chord.Endpoint{
		ID:     keyFromWire(w.ID, keyspace),
		Host:   w.Host,
		Port:   int(w.Port),
		Health: chord.HealthState(w.Health),
	}
}

func requestToWire(req *chord.Request) *wireRequest {
	return &wireRequest{
		Type:           int32(req.Type),
		RequesterID:    keyToWire(req.RequesterID),
		ResourceID:     keyToWire(req.RequestedResourceID),
		NewSuccessor:   endpointToWire(req.NewSuccessor),
		NewPredecessor: endpointToWire(req.NewPredecessor),
	}
}

func requestFromWire(w *wireRequest, keyspace *big.Int) *chord.Request {
	return &chord.Request{
		Type:                chord.RequestType(w.Type),
		RequesterID:         keyFromWire(w.RequesterID, keyspace),
		RequestedResourceID: keyFromWire(w.ResourceID, keyspace),
		NewSuccessor:        endpointFromWire(w.NewSuccessor, keyspace),
		NewPredecessor:      endpointFromWire(w.NewPredecessor, keyspace),
	}
}

func responseToWire(resp *chord.Response) *wireResponse {
	w := &wireResponse{
		Responder:        endpointToWire(resp.Responder),
		ReadyForDataCopy: resp.ReadyForDataCopy,
		CommitSuccessful: resp.CommitSuccessful,
		Predecessor:      endpointToWire(resp.Predecessor),
	}
	for _, f := range resp.FingerTable {
		if f != nil {
			w.FingerTable = append(w.FingerTable, endpointToWire(f))
		}
	}
	return w
}

func responseFromWire(w *wireResponse, keyspace *big.Int) *chord.Response {
	resp := &chord.Response{
		Responder:        endpointFromWire(w.Responder, keyspace),
		ReadyForDataCopy: w.ReadyForDataCopy,
		CommitSuccessful: w.CommitSuccessful,
		Predecessor:      endpointFromWire(w.Predecessor, keyspace),
	}
	for _, f := range w.FingerTable {
		resp.FingerTable = append(resp.FingerTable, endpointFromWire(f, keyspace))
	}
	return resp
}

// toStatus maps a handler error onto a gRPC status so the caller can tell
// protocol errors apart from an unreachable ring.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, pkg.ErrProtocol):
		code = codes.InvalidArgument
	case errors.Is(err, pkg.ErrPrecondition):
		code = codes.FailedPrecondition
	case errors.Is(err, pkg.ErrTransport):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a failed call back onto the package errors.
func fromStatus(err error, receiver string) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %v", pkg.ErrTransport, receiver, err)
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s: %s", pkg.ErrProtocol, receiver, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s: %s", pkg.ErrPrecondition, receiver, st.Message())
	case codes.Internal:
		return fmt.Errorf("remote error from %s: %s", receiver, st.Message())
	default:
		// Unavailable, DeadlineExceeded, Canceled, Unauthenticated and the rest
		// all leave the caller without an answer.
		return fmt.Errorf("%w: %s: %s: %s", pkg.ErrTransport, receiver, st.Code(), st.Message())
	}
}
