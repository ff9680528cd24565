package pkg

import "errors"

var (
	// ErrTransport is returned when a peer cannot be reached or does not answer in time.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol is returned for malformed requests, unknown request types
	// and responses with an unexpected shape.
	ErrProtocol = errors.New("protocol violation")

	// ErrPrecondition is returned when the node is used before it has joined a ring,
	// e.g. a lookup against an empty finger table or an unset successor.
	ErrPrecondition = errors.New("precondition failed")

	// ErrJoinRejected is returned when the successor is not ready to accept a joining node.
	ErrJoinRejected = errors.New("join rejected")

	// ErrJoinCommitFailed is returned when the successor could not commit a join.
	ErrJoinCommitFailed = errors.New("join commit failed")

	// ErrLeaveRejected is returned when the successor is not ready to take over a leaving node.
	ErrLeaveRejected = errors.New("leave rejected")

	// ErrLeaveCommitFailed is returned when the successor could not commit a leave.
	ErrLeaveCommitFailed = errors.New("leave commit failed")

	// ErrIDCollision is returned when no distinct ring id was found within the draw budget.
	ErrIDCollision = errors.New("ring id collision")

	// ErrInvalidState is returned when join or leave is invoked in the wrong node state.
	ErrInvalidState = errors.New("invalid node state")
)
