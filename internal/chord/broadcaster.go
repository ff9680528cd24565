package chord

import "time"

// Ring update event types
const (
	EventNodeJoin        = "node_join"
	EventNodeLeave       = "node_leave"
	EventSuccessorUpdate = "successor_update"
	EventFingerState     = "finger_state"
	EventTableRefresh    = "table_refresh"
)

// RingUpdateBroadcaster lets the ChordNode notify external systems (like
// WebSocket clients) about topology changes without importing them.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`           // node that observed the change
	PeerID    string `json:"peer_id,omitempty"` // node the change is about
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func (n *ChordNode) broadcast(eventType string, peer *Endpoint, message string) {
	n.mu.RLock()
	b := n.broadcaster
	local := n.ring.local
	n.mu.RUnlock()
	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    local.ID.String(),
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if peer != nil {
		event.PeerID = peer.ID.String()
	}
	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}
