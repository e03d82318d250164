package models

import "time"

// Delivery states for outbound messages. Transitions are driven only by
// the delivery correlator: pending -> delivered -> confirmed, or
// pending/delivered -> failed.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryConfirmed = "confirmed"
	DeliveryFailed    = "failed"
)

// DirectChannel is the channel sentinel for direct (non-broadcast) messages.
const DirectChannel = -1

// Message is a text message seen or sent by the bridge. The text is
// immutable once set; delivery fields mutate only through the correlator.
type Message struct {
	// ID is "<senderNum>-<packetID>" for radio-assigned packets, or a
	// synthetic xid when the radio has not assigned one yet.
	ID         string `db:"id"`
	FromNodeID string `db:"from_node_id"`
	ToNodeID   string `db:"to_node_id"`
	// Channel is -1 for direct messages, 0-7 for broadcast channels.
	Channel int    `db:"channel"`
	PortNum int    `db:"port_num"`
	Text    string `db:"text"`

	SentAt     *time.Time `db:"sent_at"`
	ReceivedAt time.Time  `db:"received_at"`

	// Thread fields.
	ReplyID *int64 `db:"reply_id"`
	Emoji   bool   `db:"emoji"`

	// Delivery tracking. RequestID is the radio packet ID that routing
	// acks/errors reference.
	RequestID     *int64  `db:"request_id"`
	WantAck       bool    `db:"want_ack"`
	DeliveryState string  `db:"delivery_state"`
	FailureReason *string `db:"failure_reason"`
}

// IsDirect reports whether the message was addressed to a single node.
func (m *Message) IsDirect() bool {
	return m.Channel == DirectChannel
}
